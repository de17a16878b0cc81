package trainer

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/tracking"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/transform"
	"gonum.org/v1/gonum/mat"
)

// syntheticTable builds raw examples where fraud is decided by V1.
func syntheticTable(rows int, seed int64) *dataset.Table {
	rng := rand.New(rand.NewSource(seed))
	t := &dataset.Table{Columns: []string{"Time", "V1", "V2", "Amount", "Class"}}
	for i := 0; i < rows; i++ {
		v1 := rng.NormFloat64()
		v2 := rng.NormFloat64()
		amount := rng.Float64() * 200
		class := "0"
		if v1 > 0.5 {
			class = "1"
		}
		t.Rows = append(t.Rows, []string{
			fmt.Sprint(i),
			fmt.Sprintf("%.6f", v1),
			fmt.Sprintf("%.6f", v2),
			fmt.Sprintf("%.2f", amount),
			class,
		})
	}
	return t
}

// writeTransformed fits the default transform and writes the transformed splits and graph.
func writeTransformed(t *testing.T, raw *dataset.Table) (string, string) {
	train, eval := dataset.HashSplit(raw)
	g, err := transform.Analyze(transform.DefaultSpec(), train)
	require.NoError(t, err)

	examples := filepath.Join(t.TempDir(), "transformed")
	for split, table := range map[string]*dataset.Table{dataset.SplitTrain: train, dataset.SplitEval: eval} {
		transformed, err := g.ApplyTable(table)
		require.NoError(t, err)
		require.NoError(t, dataset.WriteSplit(examples, split, transformed))
	}
	graphDir := filepath.Join(t.TempDir(), "graph")
	require.NoError(t, g.Save(graphDir))
	return examples, graphDir
}

func TestFeatureKeys(t *testing.T) {
	keys := FeatureKeys([]string{"Time", "V2", "Class", "Amount", "V1", "amount", "Vx", "AmountUSD", "Cls"})
	assert.Equal(t, []string{"Amount", "AmountUSD", "V1", "V2", "Vx"}, keys)

	assert.Empty(t, FeatureKeys([]string{"Time", "Class"}))
	assert.Empty(t, FeatureKeys(nil))
}

func TestBuildModelWithoutFeatures(t *testing.T) {
	_, err := BuildModel(DefaultHyperParameters(), FeatureKeys([]string{"Time", "Class"}), 1)
	assert.Equal(t, ErrNoFeatures, err)
}

func TestBuildModelShapes(t *testing.T) {
	m, err := BuildModel(HyperParameters{NumNeurons: 128}, []string{"Amount", "V1", "V2"}, 1)
	require.NoError(t, err)
	r, c := m.Hidden.Weights.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 128, c)
	r, c = m.Output.Weights.Dims()
	assert.Equal(t, 128, r)
	assert.Equal(t, 1, c)
	assert.Equal(t, activationReLU, m.Hidden.Activation)
	assert.Equal(t, activationSigmoid, m.Output.Activation)

	predictions := m.Predict(mat.NewDense(2, 3, []float64{0, 1, 2, 3, 4, 5}))
	assert.Len(t, predictions, 2)
	for _, p := range predictions {
		assert.True(t, p > 0 && p < 1)
	}

	_, err = BuildModel(HyperParameters{NumNeurons: 0}, []string{"V1"}, 1)
	assert.Error(t, err)
}

func TestTrainingReducesLoss(t *testing.T) {
	raw := syntheticTable(400, 3)
	g, err := transform.Analyze(transform.DefaultSpec(), raw)
	require.NoError(t, err)
	transformed, err := g.ApplyTable(raw)
	require.NoError(t, err)

	keys := FeatureKeys(transformed.Columns)
	batches, err := NewBatches(transformed, keys, 400, 1)
	require.NoError(t, err)
	x, y := batches.All()

	m, err := BuildModel(HyperParameters{NumNeurons: 32}, keys, 1)
	require.NoError(t, err)
	before, _ := m.Evaluate(x, y)
	for i := 0; i < 1000; i++ {
		m.TrainBatch(x, y)
	}
	after, accuracy := m.Evaluate(x, y)
	assert.Less(t, after, before)
	assert.Greater(t, accuracy, 0.85)
}

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(3)
	losses := []float64{1.0, 0.8, 0.9, 0.85, 0.81}
	var stops []bool
	for i, l := range losses {
		stop, err := es.OnEpochEnd(EpochLogs{Epoch: i + 1, ValLoss: l})
		require.NoError(t, err)
		stops = append(stops, stop)
	}
	assert.Equal(t, []bool{false, false, false, false, true}, stops)

	es = &EarlyStopping{Monitor: "precision", Patience: 1}
	_, err := es.OnEpochEnd(EpochLogs{})
	assert.Error(t, err)
}

func TestSteps(t *testing.T) {
	steps, validation := Steps(284807, 4096)
	assert.Equal(t, 46, steps)
	assert.Equal(t, 23, validation)

	steps, validation = Steps(10, 4096)
	assert.Equal(t, 1, steps)
	assert.Equal(t, 1, validation)
}

func TestBatchesWrap(t *testing.T) {
	table := &dataset.Table{Columns: []string{"V1", "Class"}, Rows: [][]string{{"1", "0"}, {"2", "1"}, {"3", "0"}}}
	b, err := NewBatches(table, []string{"V1"}, 2, 1)
	require.NoError(t, err)

	seen := map[float64]int{}
	for i := 0; i < 3; i++ {
		x, y := b.Next()
		r, _ := x.Dims()
		assert.Equal(t, 2, r)
		assert.Len(t, y, 2)
		for j := 0; j < r; j++ {
			seen[x.At(j, 0)]++
		}
	}
	// two full passes over three rows
	assert.Equal(t, map[float64]int{1: 2, 2: 2, 3: 2}, seen)

	_, err = NewBatches(&dataset.Table{Columns: []string{"V1", "Class"}, Rows: [][]string{{"1", ""}}}, []string{"V1"}, 2, 1)
	assert.Error(t, err)
}

type recordingTracker struct {
	runs []tracking.Run
}

func (r *recordingTracker) LogRun(ctx context.Context, run tracking.Run) (string, error) {
	r.runs = append(r.runs, run)
	return "run-1", nil
}

func TestRunSavesServableModel(t *testing.T) {
	examples, graphDir := writeTransformed(t, syntheticTable(600, 5))
	servingDir := filepath.Join(t.TempDir(), "model")
	logDir := filepath.Join(t.TempDir(), "logs")
	tracker := &recordingTracker{}

	result, err := Run(context.Background(), FnArgs{
		TransformedExamples: examples,
		TransformGraph:      graphDir,
		ServingModelDir:     servingDir,
		HyperParameters:     &HyperParameters{NumNeurons: 128},
		CustomConfig: CustomConfig{
			BatchSize:         32,
			DatasetSize:       600,
			Epochs:            8,
			ExperimentName:    "fraud-detection-pipeline",
			ExperimentRunName: "run",
		},
		TensorboardLogDir: logDir,
		Seed:              7,
		Tracker:           tracker,
	})
	require.NoError(t, err)
	assert.Equal(t, 128, result.HyperParameters.NumNeurons)
	assert.NotEmpty(t, result.History.Epochs)
	assert.LessOrEqual(t, len(result.History.Epochs), 8)
	assert.Equal(t, "run-1", result.TrackingRunID)

	require.Len(t, tracker.runs, 1)
	assert.Equal(t, "128", tracker.runs[0].Params["num_neurons"])
	assert.Equal(t, result.History.Last().ValBinaryAccuracy, tracker.runs[0].Metrics["val_binary_accuracy"])
	assert.Equal(t, "fraud-detection-pipeline", tracker.runs[0].Experiment)

	progress, err := ioutil.ReadFile(filepath.Join(logDir, "metrics.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, len(result.History.Epochs), strings.Count(string(progress), "\n"))

	saved, err := LoadSavedModel(servingDir)
	require.NoError(t, err)
	assert.Equal(t, ServingSignature, saved.Signature)
	assert.Equal(t, []string{"Amount", "V1", "V2"}, saved.FeatureKeys)

	// serving on raw records equals the network on transformed records
	raw := syntheticTable(20, 11)
	transformedTable, err := saved.Transform.ApplyTable(raw)
	require.NoError(t, err)
	expected, err := saved.PredictTransformed(transformedTable)
	require.NoError(t, err)

	records := make([]map[string]float64, len(raw.Rows))
	for i := range raw.Rows {
		records[i] = raw.Record(i)
	}
	served, err := saved.Serve(records)
	require.NoError(t, err)
	require.Len(t, served, len(expected))
	for i := range expected {
		assert.InDelta(t, expected[i], served[i], 1e-9)
	}

	// the label is ignored by the serving signature
	withoutLabel := make([]map[string]float64, len(records))
	for i, r := range records {
		withoutLabel[i] = map[string]float64{}
		for k, v := range r {
			if k != LabelKey {
				withoutLabel[i][k] = v
			}
		}
	}
	servedWithoutLabel, err := saved.Serve(withoutLabel)
	require.NoError(t, err)
	assert.Equal(t, served, servedWithoutLabel)
}

func TestRunDefaultHyperParameters(t *testing.T) {
	examples, graphDir := writeTransformed(t, syntheticTable(300, 9))
	result, err := Run(context.Background(), FnArgs{
		TransformedExamples: examples,
		TransformGraph:      graphDir,
		ServingModelDir:     filepath.Join(t.TempDir(), "model"),
		CustomConfig:        CustomConfig{BatchSize: 64, DatasetSize: 300, Epochs: 2},
		Seed:                1,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultNumNeurons, result.HyperParameters.NumNeurons)
	assert.Empty(t, result.TrackingRunID)
}

func TestHyperParametersOutsideSearchSpace(t *testing.T) {
	for _, n := range SearchSpace {
		assert.NoError(t, HyperParameters{NumNeurons: n}.Validate())
	}

	dir := t.TempDir()
	require.NoError(t, SaveHyperParameters(dir, HyperParameters{NumNeurons: 300}))
	_, err := LoadHyperParameters(dir)
	assert.True(t, errors.Is(err, ErrOutsideSearchSpace))

	examples, graphDir := writeTransformed(t, syntheticTable(100, 9))
	_, err = Run(context.Background(), FnArgs{
		TransformedExamples: examples,
		TransformGraph:      graphDir,
		ServingModelDir:     filepath.Join(t.TempDir(), "model"),
		HyperParameters:     &HyperParameters{NumNeurons: 4096},
		CustomConfig:        CustomConfig{BatchSize: 64, DatasetSize: 100, Epochs: 1},
	})
	assert.True(t, errors.Is(err, ErrOutsideSearchSpace))
}

func TestRunCancelled(t *testing.T) {
	examples, graphDir := writeTransformed(t, syntheticTable(300, 9))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, FnArgs{
		TransformedExamples: examples,
		TransformGraph:      graphDir,
		ServingModelDir:     filepath.Join(t.TempDir(), "model"),
		CustomConfig:        CustomConfig{BatchSize: 64, DatasetSize: 300, Epochs: 2},
	})
	assert.Error(t, err)
}

func TestTune(t *testing.T) {
	examples, graphDir := writeTransformed(t, syntheticTable(300, 13))
	bestDir := filepath.Join(t.TempDir(), "best")

	result, err := Tune(context.Background(), TunerFnArgs{
		TransformedExamples: examples,
		TransformGraph:      graphDir,
		BestHyperParameters: bestDir,
		CustomConfig:        CustomConfig{BatchSize: 64, DatasetSize: 300, Epochs: 2},
		Seed:                3,
	})
	require.NoError(t, err)
	// the search space is exhausted before the trial budget
	assert.Len(t, result.Trials, len(SearchSpace))

	widths := map[int]bool{}
	best := result.Trials[0]
	for _, trial := range result.Trials {
		widths[trial.HyperParameters.NumNeurons] = true
		if trial.Score > best.Score {
			best = trial
		}
	}
	assert.Len(t, widths, len(SearchSpace))
	assert.Equal(t, best.HyperParameters, result.Best)

	loaded, err := LoadHyperParameters(bestDir)
	require.NoError(t, err)
	assert.Equal(t, result.Best, loaded)
}

func TestCandidatesRespectMaxTrials(t *testing.T) {
	assert.Len(t, candidates(2, 1), 2)
	assert.Len(t, candidates(MaxTrials, 1), len(SearchSpace))
}

func TestStudyID(t *testing.T) {
	assert.Equal(t, "DistributingCloudTuner_study_2024030507", StudyID(time.Date(2024, 3, 5, 7, 59, 0, 0, time.UTC)))
}
