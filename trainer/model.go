package trainer

import (
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/transform"
	"gonum.org/v1/gonum/mat"
)

// LabelKey is excluded from the model inputs.
const LabelKey = transform.LabelKey

// ErrNoFeatures is returned when a model would be built without any input column.
var ErrNoFeatures = errors.New("no feature columns to build the model from")

const (
	activationReLU    = "relu"
	activationSigmoid = "sigmoid"

	// probabilities are clipped before taking logs in the loss
	lossEpsilon = 1e-7
)

// FeatureKeys selects the model inputs from the available columns: every column whose name starts
// with V or Amount, except the label.
func FeatureKeys(columns []string) []string {
	keys := []string{}
	for _, c := range columns {
		if c == LabelKey {
			continue
		}
		if strings.HasPrefix(c, "V") || strings.HasPrefix(c, "Amount") {
			keys = append(keys, c)
		}
	}
	sort.Strings(keys)
	return keys
}

// Dense is a fully connected layer. Weights are (inputs x units).
type Dense struct {
	Weights    *mat.Dense
	Biases     []float64
	Activation string
}

func newDense(inputs int, units int, activation string, rng *rand.Rand) *Dense {
	// glorot uniform
	limit := math.Sqrt(6 / float64(inputs+units))
	data := make([]float64, inputs*units)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return &Dense{
		Weights:    mat.NewDense(inputs, units, data),
		Biases:     make([]float64, units),
		Activation: activation,
	}
}

// forward returns the pre-activation and activation outputs for a batch.
func (d *Dense) forward(x mat.Matrix) (*mat.Dense, *mat.Dense) {
	var z mat.Dense
	z.Mul(x, d.Weights)
	z.Apply(func(_, j int, v float64) float64 {
		return v + d.Biases[j]
	}, &z)

	var a mat.Dense
	switch d.Activation {
	case activationReLU:
		a.Apply(func(_, _ int, v float64) float64 {
			return math.Max(0, v)
		}, &z)
	case activationSigmoid:
		a.Apply(func(_, _ int, v float64) float64 {
			return 1 / (1 + math.Exp(-v))
		}, &z)
	default:
		a.CloneFrom(&z)
	}
	return &z, &a
}

// Model is the fraud classifier: concatenated inputs, one ReLU hidden layer and a single sigmoid
// output unit, trained with RMSProp on binary cross-entropy.
type Model struct {
	FeatureKeys     []string
	HyperParameters HyperParameters
	Hidden          *Dense
	Output          *Dense
	optimizer       *RMSProp
}

// BuildModel builds an untrained model with one input per feature key.
func BuildModel(hp HyperParameters, featureKeys []string, seed int64) (*Model, error) {
	if len(featureKeys) == 0 {
		return nil, ErrNoFeatures
	}
	if hp.NumNeurons <= 0 {
		return nil, errors.Errorf("invalid hidden layer width %d", hp.NumNeurons)
	}
	rng := rand.New(rand.NewSource(seed))
	return &Model{
		FeatureKeys:     append([]string(nil), featureKeys...),
		HyperParameters: hp,
		Hidden:          newDense(len(featureKeys), hp.NumNeurons, activationReLU, rng),
		Output:          newDense(hp.NumNeurons, 1, activationSigmoid, rng),
		optimizer:       NewRMSProp(),
	}, nil
}

// Predict returns the fraud probability of each row of x.
func (m *Model) Predict(x mat.Matrix) []float64 {
	_, hidden := m.Hidden.forward(x)
	_, out := m.Output.forward(hidden)
	return mat.Col(nil, 0, out)
}

// Evaluate returns the mean binary cross-entropy and binary accuracy over a batch.
func (m *Model) Evaluate(x mat.Matrix, y []float64) (float64, float64) {
	return lossAndAccuracy(m.Predict(x), y)
}

// TrainBatch runs one optimizer step and returns the batch loss and accuracy before the update.
func (m *Model) TrainBatch(x mat.Matrix, y []float64) (float64, float64) {
	n, _ := x.Dims()
	z1, a1 := m.Hidden.forward(x)
	_, a2 := m.Output.forward(a1)
	predictions := mat.Col(nil, 0, a2)
	loss, accuracy := lossAndAccuracy(predictions, y)

	// sigmoid followed by cross-entropy differentiates to (p - y)
	dz2 := mat.NewDense(n, 1, nil)
	for i, p := range predictions {
		dz2.Set(i, 0, (p-y[i])/float64(n))
	}

	var dw2 mat.Dense
	dw2.Mul(a1.T(), dz2)
	db2 := []float64{mat.Sum(dz2)}

	var dz1 mat.Dense
	dz1.Mul(dz2, m.Output.Weights.T())
	dz1.Apply(func(i, j int, v float64) float64 {
		if z1.At(i, j) <= 0 {
			return 0
		}
		return v
	}, &dz1)

	var dw1 mat.Dense
	dw1.Mul(x.T(), &dz1)
	_, units := dz1.Dims()
	db1 := make([]float64, units)
	for j := 0; j < units; j++ {
		db1[j] = mat.Sum(dz1.ColView(j))
	}

	m.optimizer.Update(
		[][]float64{m.Hidden.Weights.RawMatrix().Data, m.Hidden.Biases, m.Output.Weights.RawMatrix().Data, m.Output.Biases},
		[][]float64{dw1.RawMatrix().Data, db1, dw2.RawMatrix().Data, db2},
	)
	return loss, accuracy
}

func lossAndAccuracy(predictions []float64, y []float64) (float64, float64) {
	if len(predictions) == 0 {
		return 0, 0
	}
	loss := 0.0
	correct := 0
	for i, p := range predictions {
		clipped := math.Min(math.Max(p, lossEpsilon), 1-lossEpsilon)
		loss -= y[i]*math.Log(clipped) + (1-y[i])*math.Log(1-clipped)
		if BinaryPrediction(p) == y[i] {
			correct++
		}
	}
	n := float64(len(predictions))
	return loss / n, float64(correct) / n
}

// BinaryPrediction thresholds a probability at 0.5.
func BinaryPrediction(p float64) float64 {
	if p > 0.5 {
		return 1
	}
	return 0
}

// BinaryAccuracy is the fraction of probabilities that threshold to their label.
func BinaryAccuracy(predictions []float64, labels []float64) float64 {
	_, accuracy := lossAndAccuracy(predictions, labels)
	return accuracy
}

// RMSProp keeps a moving average of squared gradients per parameter.
type RMSProp struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64
	accumulators [][]float64
}

// NewRMSProp returns an optimizer with the usual defaults.
func NewRMSProp() *RMSProp {
	return &RMSProp{LearningRate: 0.001, Rho: 0.9, Epsilon: 1e-7}
}

// Update applies one step in place. params and grads must keep the same shapes between calls.
func (o *RMSProp) Update(params [][]float64, grads [][]float64) {
	if o.accumulators == nil {
		o.accumulators = make([][]float64, len(params))
		for i, p := range params {
			o.accumulators[i] = make([]float64, len(p))
		}
	}
	for i, p := range params {
		acc := o.accumulators[i]
		g := grads[i]
		for j := range p {
			acc[j] = o.Rho*acc[j] + (1-o.Rho)*g[j]*g[j]
			p[j] -= o.LearningRate * g[j] / (math.Sqrt(acc[j]) + o.Epsilon)
		}
	}
}
