package trainer

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gonum.org/v1/gonum/mat"
)

// EpochLogs holds the metrics of one training epoch.
type EpochLogs struct {
	Epoch             int     `json:"epoch"`
	Loss              float64 `json:"loss"`
	BinaryAccuracy    float64 `json:"binary_accuracy"`
	ValLoss           float64 `json:"val_loss"`
	ValBinaryAccuracy float64 `json:"val_binary_accuracy"`
}

// Metric returns a logged metric by name.
func (l EpochLogs) Metric(name string) (float64, bool) {
	switch name {
	case "loss":
		return l.Loss, true
	case "binary_accuracy":
		return l.BinaryAccuracy, true
	case "val_loss":
		return l.ValLoss, true
	case "val_binary_accuracy":
		return l.ValBinaryAccuracy, true
	}
	return 0, false
}

// History is the per-epoch record of a fit.
type History struct {
	Epochs []EpochLogs `json:"epochs"`
}

// Last returns the logs of the final epoch.
func (h *History) Last() EpochLogs {
	if len(h.Epochs) == 0 {
		return EpochLogs{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Callback observes training. Returning true from OnEpochEnd stops training.
type Callback interface {
	OnEpochEnd(logs EpochLogs) (bool, error)
}

// EarlyStopping stops training once the monitored metric stopped improving for Patience epochs.
type EarlyStopping struct {
	Monitor  string
	Patience int
	MinDelta float64
	best     float64
	wait     int
	started  bool
}

// NewEarlyStopping monitors val_loss with the given patience.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Monitor: "val_loss", Patience: patience}
}

// OnEpochEnd implements Callback.
func (e *EarlyStopping) OnEpochEnd(logs EpochLogs) (bool, error) {
	current, ok := logs.Metric(e.Monitor)
	if !ok {
		return false, errors.Errorf("early stopping monitors unknown metric %s", e.Monitor)
	}
	if !e.started || current < e.best-e.MinDelta {
		e.best = current
		e.wait = 0
		e.started = true
		return false, nil
	}
	e.wait++
	return e.wait >= e.Patience, nil
}

// ProgressLogger appends each epoch's metrics as a JSON line under a log directory.
type ProgressLogger struct {
	path string
}

// NewProgressLogger creates the log directory and returns a logger writing into it.
func NewProgressLogger(dir string) (*ProgressLogger, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create training log dir %s", dir)
	}
	return &ProgressLogger{path: filepath.Join(dir, "metrics.jsonl")}, nil
}

// OnEpochEnd implements Callback.
func (p *ProgressLogger) OnEpochEnd(logs EpochLogs) (bool, error) {
	file, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return false, errors.Wrap(err, "failed to open training log")
	}
	defer file.Close()

	line, err := json.Marshal(struct {
		EpochLogs
		WallTime int64 `json:"wall_time"`
	}{logs, time.Now().Unix()})
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal epoch logs")
	}
	_, err = file.Write(append(line, '\n'))
	return false, errors.Wrap(err, "failed to write training log")
}

// CallbackFunc adapts a function to a Callback.
type CallbackFunc func(logs EpochLogs) (bool, error)

// OnEpochEnd calls f.
func (f CallbackFunc) OnEpochEnd(logs EpochLogs) (bool, error) {
	return f(logs)
}

// Batches serves fixed-size batches from a table forever, reshuffling on every pass.
type Batches struct {
	x       *mat.Dense
	y       []float64
	size    int
	order   []int
	current int
	rng     *rand.Rand
}

// NewBatches prepares the feature matrix and labels of a table.
func NewBatches(t *dataset.Table, featureKeys []string, batchSize int, seed int64) (*Batches, error) {
	if len(t.Rows) == 0 {
		return nil, errors.New("no examples to batch")
	}
	x, err := t.Matrix(featureKeys)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build feature matrix")
	}
	labels, _, err := t.Float(LabelKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read labels")
	}
	for i, v := range labels {
		if math.IsNaN(v) {
			return nil, errors.Errorf("example %d has no label", i)
		}
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	b := &Batches{
		x:     x,
		y:     labels,
		size:  batchSize,
		order: make([]int, len(labels)),
		rng:   rand.New(rand.NewSource(seed)),
	}
	for i := range b.order {
		b.order[i] = i
	}
	b.shuffle()
	return b, nil
}

func (b *Batches) shuffle() {
	b.rng.Shuffle(len(b.order), func(i, j int) {
		b.order[i], b.order[j] = b.order[j], b.order[i]
	})
	b.current = 0
}

// Next returns the next batch, wrapping around the examples when exhausted.
func (b *Batches) Next() (*mat.Dense, []float64) {
	_, cols := b.x.Dims()
	n := b.size
	if n > len(b.order) {
		n = len(b.order)
	}
	x := mat.NewDense(n, cols, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		if b.current == len(b.order) {
			b.shuffle()
		}
		row := b.order[b.current]
		b.current++
		x.SetRow(i, b.x.RawRowView(row))
		y[i] = b.y[row]
	}
	return x, y
}

// All returns every example, unshuffled.
func (b *Batches) All() (*mat.Dense, []float64) {
	return b.x, b.y
}

// FitConfig controls a fit.
type FitConfig struct {
	Epochs          int
	StepsPerEpoch   int
	ValidationSteps int
	Callbacks       []Callback
}

// Steps derives steps per epoch and validation steps from the dataset size, assuming a 2:1
// train/eval split. Both are at least one.
func Steps(datasetSize int, batchSize int) (int, int) {
	steps := (datasetSize * 2 / 3) / batchSize
	validation := (datasetSize / 3) / batchSize
	if steps < 1 {
		steps = 1
	}
	if validation < 1 {
		validation = 1
	}
	return steps, validation
}

// Fit trains the model on repeated training batches, validating after every epoch.
func (m *Model) Fit(ctx context.Context, train *Batches, eval *Batches, cfg FitConfig) (*History, error) {
	if cfg.StepsPerEpoch < 1 || cfg.ValidationSteps < 1 {
		return nil, errors.Errorf("invalid steps %d/%d", cfg.StepsPerEpoch, cfg.ValidationSteps)
	}
	history := &History{}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, errors.Wrap(err, "training cancelled")
		}

		logs := EpochLogs{Epoch: epoch}
		for step := 0; step < cfg.StepsPerEpoch; step++ {
			loss, accuracy := m.TrainBatch(train.Next())
			logs.Loss += loss
			logs.BinaryAccuracy += accuracy
		}
		logs.Loss /= float64(cfg.StepsPerEpoch)
		logs.BinaryAccuracy /= float64(cfg.StepsPerEpoch)

		for step := 0; step < cfg.ValidationSteps; step++ {
			loss, accuracy := m.Evaluate(eval.Next())
			logs.ValLoss += loss
			logs.ValBinaryAccuracy += accuracy
		}
		logs.ValLoss /= float64(cfg.ValidationSteps)
		logs.ValBinaryAccuracy /= float64(cfg.ValidationSteps)

		history.Epochs = append(history.Epochs, logs)

		stop := false
		for _, cb := range cfg.Callbacks {
			s, err := cb.OnEpochEnd(logs)
			if err != nil {
				return history, err
			}
			stop = stop || s
		}
		if stop {
			break
		}
	}
	return history, nil
}
