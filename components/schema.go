package components

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
)

const (
	schemaFile    = "schema.json"
	anomaliesFile = "anomalies.json"
)

// FeatureSchema is the expected shape of one column.
type FeatureSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Schema is the content of a Schema artifact.
type Schema struct {
	Features []FeatureSchema `json:"features"`
}

// Feature returns the schema of a column.
func (s *Schema) Feature(name string) (*FeatureSchema, bool) {
	for i := range s.Features {
		if s.Features[i].Name == name {
			return &s.Features[i], true
		}
	}
	return nil, false
}

// InferSchema derives a schema from training statistics. Columns without missing values are
// required.
func InferSchema(train *SplitStatistics) Schema {
	schema := Schema{}
	for _, f := range train.Features {
		schema.Features = append(schema.Features, FeatureSchema{
			Name:     f.Name,
			Type:     f.Type,
			Required: f.Missing == 0,
		})
	}
	return schema
}

// LoadSchema reads a Schema artifact.
func LoadSchema(uri string) (*Schema, error) {
	s := &Schema{}
	if err := readArtifactJSON(uri, schemaFile, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Anomaly kinds.
const (
	AnomalyMissingColumn = "MISSING_COLUMN"
	AnomalyNewColumn     = "NEW_COLUMN"
	AnomalyTypeMismatch  = "TYPE_MISMATCH"
	AnomalyMissingValues = "MISSING_VALUES"
)

// Anomaly is a disagreement between a split and the schema.
type Anomaly struct {
	Split       string `json:"split"`
	Feature     string `json:"feature"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// Anomalies is the content of an ExampleAnomalies artifact.
type Anomalies struct {
	Anomalies []Anomaly `json:"anomalies"`
}

// compatible reports whether observed values fit the expected type. Integers are valid floats.
func compatible(expected string, observed string) bool {
	return expected == observed || (expected == TypeFloat && observed == TypeInt)
}

// Validate compares split statistics against the schema.
func Validate(schema *Schema, stats *SplitStatistics) []Anomaly {
	var anomalies []Anomaly
	for _, f := range schema.Features {
		observed, ok := stats.Feature(f.Name)
		if !ok {
			anomalies = append(anomalies, Anomaly{
				Split: stats.Split, Feature: f.Name, Kind: AnomalyMissingColumn,
				Description: "column is in the schema but not in the data",
			})
			continue
		}
		if observed.Count > 0 && !compatible(f.Type, observed.Type) {
			anomalies = append(anomalies, Anomaly{
				Split: stats.Split, Feature: f.Name, Kind: AnomalyTypeMismatch,
				Description: fmt.Sprintf("expected %s, found %s", f.Type, observed.Type),
			})
		}
		if f.Required && observed.Missing > 0 {
			anomalies = append(anomalies, Anomaly{
				Split: stats.Split, Feature: f.Name, Kind: AnomalyMissingValues,
				Description: fmt.Sprintf("%d of %d examples have no value", observed.Missing, stats.NumExamples),
			})
		}
	}
	for _, f := range stats.Features {
		if _, ok := schema.Feature(f.Name); !ok {
			anomalies = append(anomalies, Anomaly{
				Split: stats.Split, Feature: f.Name, Kind: AnomalyNewColumn,
				Description: "column is not in the schema",
			})
		}
	}
	return anomalies
}

func executeSchemaGen(ctx context.Context, ec *pipeline.ExecutionContext) error {
	in, err := ec.Input("statistics")
	if err != nil {
		return err
	}
	out, err := ec.Output(OutSchema)
	if err != nil {
		return err
	}
	stats, err := LoadStatistics(in.URI)
	if err != nil {
		return err
	}
	train, ok := stats.Split(dataset.SplitTrain)
	if !ok {
		return errors.Errorf("statistics have no %s split", dataset.SplitTrain)
	}
	schema := InferSchema(train)
	ec.Logger.Infof("Inferred schema of %d features", len(schema.Features))
	return writeArtifactJSON(out.URI, schemaFile, schema)
}

// executeExampleValidator records anomalies without failing the run.
func executeExampleValidator(ctx context.Context, ec *pipeline.ExecutionContext) error {
	statsIn, err := ec.Input("statistics")
	if err != nil {
		return err
	}
	schemaIn, err := ec.Input("schema")
	if err != nil {
		return err
	}
	out, err := ec.Output(OutAnomalies)
	if err != nil {
		return err
	}
	stats, err := LoadStatistics(statsIn.URI)
	if err != nil {
		return err
	}
	schema, err := LoadSchema(schemaIn.URI)
	if err != nil {
		return err
	}

	result := Anomalies{Anomalies: []Anomaly{}}
	for i := range stats.Splits {
		result.Anomalies = append(result.Anomalies, Validate(schema, &stats.Splits[i])...)
	}
	for _, a := range result.Anomalies {
		ec.Logger.Warnf("Anomaly in split %s feature %s: %s (%s)", a.Split, a.Feature, a.Kind, a.Description)
	}
	out.SetIntProperty("anomaly_count", int64(len(result.Anomalies)))
	return writeArtifactJSON(out.URI, anomaliesFile, result)
}
