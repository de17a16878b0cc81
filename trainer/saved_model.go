package trainer

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/transform"
	"gonum.org/v1/gonum/mat"
)

const (
	// ServingSignature is the name of the default serving entry point.
	ServingSignature = "serving_default"

	savedModelFormat = "fraud-dense/v1"
	savedModelFile   = "saved_model.json"
	hparamsFile      = "best_hyperparameters.json"
)

// SearchSpace lists the hidden layer widths considered by training and tuning.
var SearchSpace = []int{128, 256, 512, 1024, 2048}

// DefaultNumNeurons is the hidden layer width used when no tuning result is furnished.
const DefaultNumNeurons = 256

// HyperParameters of the model.
type HyperParameters struct {
	NumNeurons int `json:"num_neurons"`
}

// ErrOutsideSearchSpace is returned for hyperparameters the search space does not contain.
var ErrOutsideSearchSpace = errors.New("hyperparameters outside search space")

// Validate checks the hidden layer width against SearchSpace.
func (hp HyperParameters) Validate() error {
	for _, n := range SearchSpace {
		if hp.NumNeurons == n {
			return nil
		}
	}
	return errors.Wrapf(ErrOutsideSearchSpace, "num_neurons=%d not in %v", hp.NumNeurons, SearchSpace)
}

// DefaultHyperParameters returns the defaults of the search space.
func DefaultHyperParameters() HyperParameters {
	return HyperParameters{NumNeurons: DefaultNumNeurons}
}

// SaveHyperParameters writes hyperparameters into an artifact directory.
func SaveHyperParameters(dir string, hp HyperParameters) error {
	return writeJSON(dir, hparamsFile, hp)
}

// LoadHyperParameters reads hyperparameters written by SaveHyperParameters.
func LoadHyperParameters(dir string) (HyperParameters, error) {
	hp := HyperParameters{}
	bytes, err := ioutil.ReadFile(filepath.Join(dir, hparamsFile))
	if err != nil {
		return hp, errors.Wrapf(err, "failed to read hyperparameters from %s", dir)
	}
	if err := json.Unmarshal(bytes, &hp); err != nil {
		return hp, errors.Wrap(err, "failed to parse hyperparameters")
	}
	if err := hp.Validate(); err != nil {
		return hp, errors.Wrapf(err, "invalid hyperparameters in %s", dir)
	}
	return hp, nil
}

// LayerState is the serialized form of a dense layer.
type LayerState struct {
	Inputs     int       `json:"inputs"`
	Units      int       `json:"units"`
	Activation string    `json:"activation"`
	Weights    []float64 `json:"weights"`
	Biases     []float64 `json:"biases"`
}

// SavedModel is a trained network bundled with the transform graph it was trained on. Its serving
// signature takes raw features, so serving applies exactly the training-time transformation.
type SavedModel struct {
	Format          string           `json:"format"`
	Signature       string           `json:"signature"`
	LabelKey        string           `json:"label_key"`
	FeatureKeys     []string         `json:"feature_keys"`
	HyperParameters HyperParameters  `json:"hyperparameters"`
	Transform       *transform.Graph `json:"transform"`
	Layers          []LayerState     `json:"layers"`

	network *Model
}

func layerState(d *Dense) LayerState {
	inputs, units := d.Weights.Dims()
	return LayerState{
		Inputs:     inputs,
		Units:      units,
		Activation: d.Activation,
		Weights:    append([]float64(nil), d.Weights.RawMatrix().Data...),
		Biases:     append([]float64(nil), d.Biases...),
	}
}

func (l LayerState) dense() (*Dense, error) {
	if len(l.Weights) != l.Inputs*l.Units || len(l.Biases) != l.Units {
		return nil, errors.Errorf("layer shape %dx%d does not match its weights", l.Inputs, l.Units)
	}
	return &Dense{
		Weights:    mat.NewDense(l.Inputs, l.Units, append([]float64(nil), l.Weights...)),
		Biases:     append([]float64(nil), l.Biases...),
		Activation: l.Activation,
	}, nil
}

// Export bundles the model with its transform graph.
func (m *Model) Export(g *transform.Graph) *SavedModel {
	return &SavedModel{
		Format:          savedModelFormat,
		Signature:       ServingSignature,
		LabelKey:        LabelKey,
		FeatureKeys:     append([]string(nil), m.FeatureKeys...),
		HyperParameters: m.HyperParameters,
		Transform:       g,
		Layers:          []LayerState{layerState(m.Hidden), layerState(m.Output)},
		network:         m,
	}
}

// Save writes the saved model into dir.
func (s *SavedModel) Save(dir string) error {
	return writeJSON(dir, savedModelFile, s)
}

// LoadSavedModel reads a saved model from dir.
func LoadSavedModel(dir string) (*SavedModel, error) {
	bytes, err := ioutil.ReadFile(filepath.Join(dir, savedModelFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read saved model from %s", dir)
	}
	s := &SavedModel{}
	if err := json.Unmarshal(bytes, s); err != nil {
		return nil, errors.Wrap(err, "failed to parse saved model")
	}
	if s.Format != savedModelFormat {
		return nil, errors.Errorf("unsupported saved model format %q", s.Format)
	}
	if s.Transform == nil {
		return nil, errors.New("saved model has no transform graph")
	}
	if len(s.Layers) != 2 {
		return nil, errors.Errorf("saved model has %d layers, expected 2", len(s.Layers))
	}
	hidden, err := s.Layers[0].dense()
	if err != nil {
		return nil, err
	}
	output, err := s.Layers[1].dense()
	if err != nil {
		return nil, err
	}
	if hidden.Weights.RawMatrix().Rows != len(s.FeatureKeys) {
		return nil, errors.New("saved model inputs do not match its feature keys")
	}
	s.network = &Model{
		FeatureKeys:     s.FeatureKeys,
		HyperParameters: s.HyperParameters,
		Hidden:          hidden,
		Output:          output,
	}
	return s, nil
}

// PredictTransformed runs the network on already transformed examples.
func (s *SavedModel) PredictTransformed(t *dataset.Table) ([]float64, error) {
	x, err := t.Matrix(s.FeatureKeys)
	if err != nil {
		return nil, err
	}
	return s.network.Predict(x), nil
}

// Serve is the serving signature: it drops the label, applies the transform graph to each raw
// record and runs the network.
func (s *SavedModel) Serve(records []map[string]float64) ([]float64, error) {
	if len(records) == 0 {
		return []float64{}, nil
	}
	x := mat.NewDense(len(records), len(s.FeatureKeys), nil)
	for i, raw := range records {
		features := make(map[string]float64, len(raw))
		for k, v := range raw {
			if k != s.LabelKey {
				features[k] = v
			}
		}
		transformed := s.Transform.Apply(features)
		for j, key := range s.FeatureKeys {
			v, ok := transformed[key]
			if !ok {
				return nil, errors.Errorf("transform graph does not produce feature %s", key)
			}
			x.Set(i, j, v)
		}
	}
	return s.network.Predict(x), nil
}

func writeJSON(dir string, name string, v interface{}) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create dir %s", dir)
	}
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", name)
	}
	return errors.Wrapf(ioutil.WriteFile(filepath.Join(dir, name), bytes, 0644), "failed to write %s", name)
}
