package components

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Feature types of the inferred schema.
const (
	TypeInt   = "INT"
	TypeFloat = "FLOAT"
	TypeBytes = "BYTES"
)

const statisticsFile = "statistics.json"

// FeatureStatistics summarizes one column of one split.
type FeatureStatistics struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Count      int     `json:"count"`
	Missing    int     `json:"missing"`
	NonNumeric int     `json:"non_numeric"`
	Zeros      int     `json:"zeros"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"std_dev"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
}

// SplitStatistics summarizes one split.
type SplitStatistics struct {
	Split       string              `json:"split"`
	NumExamples int                 `json:"num_examples"`
	Features    []FeatureStatistics `json:"features"`
}

// Statistics is the content of an ExampleStatistics artifact.
type Statistics struct {
	Splits []SplitStatistics `json:"splits"`
}

// Split returns the statistics of a split.
func (s *Statistics) Split(name string) (*SplitStatistics, bool) {
	for i := range s.Splits {
		if s.Splits[i].Split == name {
			return &s.Splits[i], true
		}
	}
	return nil, false
}

// Feature returns the statistics of a column.
func (s *SplitStatistics) Feature(name string) (*FeatureStatistics, bool) {
	for i := range s.Features {
		if s.Features[i].Name == name {
			return &s.Features[i], true
		}
	}
	return nil, false
}

// ComputeStatistics summarizes every column of a split.
func ComputeStatistics(split string, t *dataset.Table) (SplitStatistics, error) {
	result := SplitStatistics{Split: split, NumExamples: len(t.Rows)}
	for _, column := range t.Columns {
		values, nonNumeric, err := t.Float(column)
		if err != nil {
			return result, err
		}
		fs := FeatureStatistics{Name: column, NonNumeric: nonNumeric}
		present := make([]float64, 0, len(values))
		integral := true
		for _, v := range values {
			if math.IsNaN(v) {
				continue
			}
			present = append(present, v)
			if v == 0 {
				fs.Zeros++
			}
			if v != math.Trunc(v) {
				integral = false
			}
		}
		fs.Count = len(present) + nonNumeric
		fs.Missing = len(values) - fs.Count

		switch {
		case nonNumeric > 0 || len(present) == 0:
			fs.Type = TypeBytes
		case integral:
			fs.Type = TypeInt
		default:
			fs.Type = TypeFloat
		}

		if len(present) > 0 {
			fs.Min = floats.Min(present)
			fs.Max = floats.Max(present)
			fs.Mean = stat.Mean(present, nil)
		}
		if len(present) > 1 {
			_, fs.StdDev = stat.MeanStdDev(present, nil)
		}
		result.Features = append(result.Features, fs)
	}
	return result, nil
}

func writeArtifactJSON(dir string, name string, v interface{}) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create artifact dir %s", dir)
	}
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", name)
	}
	return errors.Wrapf(ioutil.WriteFile(filepath.Join(dir, name), bytes, 0644), "failed to write %s", name)
}

func readArtifactJSON(dir string, name string, v interface{}) error {
	bytes, err := ioutil.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return errors.Wrapf(err, "failed to read %s from %s", name, dir)
	}
	return errors.Wrapf(json.Unmarshal(bytes, v), "failed to parse %s", name)
}

// LoadStatistics reads an ExampleStatistics artifact.
func LoadStatistics(uri string) (*Statistics, error) {
	s := &Statistics{}
	if err := readArtifactJSON(uri, statisticsFile, s); err != nil {
		return nil, err
	}
	return s, nil
}

func executeStatisticsGen(ctx context.Context, ec *pipeline.ExecutionContext) error {
	examples, err := ec.Input("examples")
	if err != nil {
		return err
	}
	out, err := ec.Output(OutStatistics)
	if err != nil {
		return err
	}

	stats := Statistics{}
	for _, split := range []string{dataset.SplitTrain, dataset.SplitEval} {
		t, err := dataset.ReadSplit(examples.URI, split)
		if err != nil {
			return err
		}
		s, err := ComputeStatistics(split, t)
		if err != nil {
			return errors.Wrapf(err, "failed to compute statistics of split %s", split)
		}
		stats.Splits = append(stats.Splits, s)
	}
	ec.Logger.Infof("Computed statistics of %d splits", len(stats.Splits))
	return writeArtifactJSON(out.URI, statisticsFile, stats)
}
