package metadata

import (
	"strconv"
	"time"
)

// ArtifactType identifies what an artifact holds.
type ArtifactType string

// Artifact types exchanged between pipeline stages.
const (
	Examples            ArtifactType = "Examples"
	ExampleStatistics   ArtifactType = "ExampleStatistics"
	Schema              ArtifactType = "Schema"
	ExampleAnomalies    ArtifactType = "ExampleAnomalies"
	TransformGraph      ArtifactType = "TransformGraph"
	TransformedExamples ArtifactType = "TransformedExamples"
	HyperParameters     ArtifactType = "HyperParameters"
	Model               ArtifactType = "Model"
	ModelRun            ArtifactType = "ModelRun"
	ModelEvaluation     ArtifactType = "ModelEvaluation"
	ModelBlessing       ArtifactType = "ModelBlessing"
	PushedModel         ArtifactType = "PushedModel"
)

// Well known artifact properties.
const (
	PropertyBlessed        = "blessed"
	PropertyCurrentModelID = "current_model_id"
	PropertyBaselineID     = "baseline_model_id"
	PropertyPushed         = "pushed"
	PropertyPushedDest     = "pushed_destination"
	PropertySplits         = "split_names"
)

// Artifact is a typed, addressable output of a stage execution.
type Artifact struct {
	ID          int64             `json:"id"`
	Type        ArtifactType      `json:"type"`
	URI         string            `json:"uri"`
	Producer    string            `json:"producer"`
	Key         string            `json:"key"`
	ExecutionID int64             `json:"execution_id"`
	Properties  map[string]string `json:"properties,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Property returns a property value, or the empty string when unset.
func (a *Artifact) Property(key string) string {
	if a.Properties == nil {
		return ""
	}
	return a.Properties[key]
}

// SetProperty sets a property value.
func (a *Artifact) SetProperty(key string, value string) {
	if a.Properties == nil {
		a.Properties = map[string]string{}
	}
	a.Properties[key] = value
}

// SetIntProperty sets a property to an integer value.
func (a *Artifact) SetIntProperty(key string, value int64) {
	a.SetProperty(key, strconv.FormatInt(value, 10))
}

// IntProperty returns an integer property, or zero when unset or malformed.
func (a *Artifact) IntProperty(key string) int64 {
	v, err := strconv.ParseInt(a.Property(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ExecutionState is the outcome of a stage execution.
type ExecutionState string

// Execution states.
const (
	StateComplete ExecutionState = "complete"
	StateCached   ExecutionState = "cached"
	StateFailed   ExecutionState = "failed"
)

// Execution records one stage run and the artifacts it consumed and produced.
type Execution struct {
	ID          int64              `json:"id"`
	RunID       string             `json:"run_id"`
	Pipeline    string             `json:"pipeline"`
	StageID     string             `json:"stage_id"`
	Fingerprint string             `json:"fingerprint"`
	State       ExecutionState     `json:"state"`
	Inputs      map[string][]int64 `json:"inputs,omitempty"`
	Outputs     map[string][]int64 `json:"outputs,omitempty"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
}
