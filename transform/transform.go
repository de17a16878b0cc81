// Package transform fits feature transformations on the training split and applies them
// identically at training, evaluation and serving time.
package transform

import (
	"encoding/json"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
)

// LabelKey is the label column of the fraud dataset.
const LabelKey = "Class"

// Operation names.
const (
	OpZScore   = "zscore"
	OpMinMax   = "minmax"
	OpLog1p    = "log1p"
	OpIdentity = "identity"
)

const graphFile = "transform_graph.json"

// FeatureSpec declares how one raw column is transformed.
type FeatureSpec struct {
	Name string `yaml:"name" json:"name"`
	Op   string `yaml:"op" json:"op"`
}

// Spec is the declarative transform module.
type Spec struct {
	Label string `yaml:"label" json:"label"`
	// Prefixes select every raw column starting with one of them, using DefaultOp.
	Prefixes  []string      `yaml:"prefixes" json:"prefixes"`
	DefaultOp string        `yaml:"default_op" json:"default_op"`
	Features  []FeatureSpec `yaml:"features" json:"features"`
}

// Feature is a fitted transformation of a raw column.
type Feature struct {
	Name string  `json:"name"`
	Op   string  `json:"op"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Graph is the fitted transform. It is saved as an artifact and embedded in the served model.
type Graph struct {
	Label    string    `json:"label"`
	Features []Feature `json:"features"`
}

// DefaultSpec standardizes every V* and Amount column and passes the label through.
func DefaultSpec() Spec {
	return Spec{
		Label:     LabelKey,
		Prefixes:  []string{"V", "Amount"},
		DefaultOp: OpZScore,
	}
}

// LoadSpec reads a YAML transform module. Paths that are not YAML files, or do not exist locally,
// select the default spec.
func LoadSpec(path string) (Spec, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return DefaultSpec(), nil
	}
	bytes, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSpec(), nil
	}
	if err != nil {
		return Spec{}, errors.Wrapf(err, "failed to read transform module %s", path)
	}
	spec := Spec{}
	if err := yaml.Unmarshal(bytes, &spec); err != nil {
		return Spec{}, errors.Wrapf(err, "failed to parse transform module %s", path)
	}
	if spec.Label == "" {
		spec.Label = LabelKey
	}
	if spec.DefaultOp == "" {
		spec.DefaultOp = OpZScore
	}
	return spec, nil
}

func validOp(op string) bool {
	switch op {
	case OpZScore, OpMinMax, OpLog1p, OpIdentity:
		return true
	}
	return false
}

// selected resolves the spec against the raw columns, preserving column order.
func (s Spec) selected(columns []string) ([]FeatureSpec, error) {
	explicit := map[string]string{}
	for _, f := range s.Features {
		if !validOp(f.Op) {
			return nil, errors.Errorf("unknown transform %q for %s", f.Op, f.Name)
		}
		explicit[f.Name] = f.Op
	}
	if !validOp(s.DefaultOp) {
		return nil, errors.Errorf("unknown default transform %q", s.DefaultOp)
	}

	var result []FeatureSpec
	for _, c := range columns {
		if c == s.Label {
			continue
		}
		if op, ok := explicit[c]; ok {
			result = append(result, FeatureSpec{Name: c, Op: op})
			delete(explicit, c)
			continue
		}
		for _, prefix := range s.Prefixes {
			if strings.HasPrefix(c, prefix) {
				result = append(result, FeatureSpec{Name: c, Op: s.DefaultOp})
				break
			}
		}
	}
	if len(explicit) > 0 {
		missing := make([]string, 0, len(explicit))
		for name := range explicit {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, errors.Errorf("transform features not in examples: %s", strings.Join(missing, ","))
	}
	return result, nil
}

// Analyze fits the spec on a table, normally the training split.
func Analyze(spec Spec, train *dataset.Table) (*Graph, error) {
	if len(train.Rows) == 0 {
		return nil, errors.New("cannot analyze an empty table")
	}
	features, err := spec.selected(train.Columns)
	if err != nil {
		return nil, err
	}

	g := &Graph{Label: spec.Label}
	for _, fs := range features {
		values, _, err := train.Float(fs.Name)
		if err != nil {
			return nil, err
		}
		present := make([]float64, 0, len(values))
		for _, v := range values {
			if !math.IsNaN(v) {
				present = append(present, v)
			}
		}
		f := Feature{Name: fs.Name, Op: fs.Op}
		if len(present) > 0 {
			f.Mean, f.Std = stat.MeanStdDev(present, nil)
			f.Min = floats.Min(present)
			f.Max = floats.Max(present)
		}
		if math.IsNaN(f.Std) {
			f.Std = 0
		}
		g.Features = append(g.Features, f)
	}
	return g, nil
}

// FeatureNames returns the names of the transformed features in order.
func (g *Graph) FeatureNames() []string {
	names := make([]string, len(g.Features))
	for i, f := range g.Features {
		names[i] = f.Name
	}
	return names
}

func (f Feature) apply(v float64) float64 {
	if math.IsNaN(v) {
		// missing values are imputed with the training mean
		v = f.Mean
	}
	switch f.Op {
	case OpZScore:
		if f.Std == 0 {
			return 0
		}
		return (v - f.Mean) / f.Std
	case OpMinMax:
		if f.Max == f.Min {
			return 0
		}
		return (v - f.Min) / (f.Max - f.Min)
	case OpLog1p:
		return math.Log1p(math.Max(v, 0))
	}
	return v
}

// Apply transforms a raw record. The label is not required and not returned.
func (g *Graph) Apply(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(g.Features))
	for _, f := range g.Features {
		v, ok := raw[f.Name]
		if !ok {
			v = math.NaN()
		}
		out[f.Name] = f.apply(v)
	}
	return out
}

// ApplyTable transforms a table, keeping the label column when present.
func (g *Graph) ApplyTable(t *dataset.Table) (*dataset.Table, error) {
	columns := make([][]float64, len(g.Features))
	for i, f := range g.Features {
		values, _, err := t.Float(f.Name)
		if err != nil {
			return nil, err
		}
		columns[i] = values
	}
	labelIdx := t.ColumnIndex(g.Label)

	out := &dataset.Table{Columns: g.FeatureNames()}
	if labelIdx >= 0 {
		out.Columns = append(out.Columns, g.Label)
	}
	out.Rows = make([][]string, len(t.Rows))
	for r := range t.Rows {
		row := make([]string, 0, len(out.Columns))
		for i, f := range g.Features {
			row = append(row, strconv.FormatFloat(f.apply(columns[i][r]), 'g', -1, 64))
		}
		if labelIdx >= 0 {
			row = append(row, t.Rows[r][labelIdx])
		}
		out.Rows[r] = row
	}
	return out, nil
}

// Save writes the graph into an artifact directory.
func (g *Graph) Save(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create transform dir %s", dir)
	}
	bytes, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal transform graph")
	}
	return errors.Wrap(ioutil.WriteFile(filepath.Join(dir, graphFile), bytes, 0644), "failed to write transform graph")
}

// Load reads a graph written by Save.
func Load(dir string) (*Graph, error) {
	bytes, err := ioutil.ReadFile(filepath.Join(dir, graphFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read transform graph from %s", dir)
	}
	g := &Graph{}
	if err := json.Unmarshal(bytes, g); err != nil {
		return nil, errors.Wrap(err, "failed to parse transform graph")
	}
	return g, nil
}
