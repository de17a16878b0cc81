package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
)

// Channel is a typed reference to an output of an earlier stage.
type Channel struct {
	Producer string                `json:"producer"`
	Key      string                `json:"key"`
	Type     metadata.ArtifactType `json:"type"`
	// Optional inputs may resolve to no artifact at all.
	Optional bool `json:"optional,omitempty"`
}

// Executor runs the work of a stage. Executors read their inputs and write their outputs through
// the execution context and must not keep state between runs.
type Executor interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, ec *ExecutionContext) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}

// Stage is one node of the pipeline.
type Stage struct {
	ID         string                           `json:"id"`
	Kind       string                           `json:"kind"`
	Inputs     map[string]Channel               `json:"inputs,omitempty"`
	Outputs    map[string]metadata.ArtifactType `json:"outputs,omitempty"`
	Parameters map[string]interface{}           `json:"parameters,omitempty"`
	// Cacheable stages may be skipped when an identical execution already completed.
	Cacheable bool `json:"cacheable"`
	// Sources are local files whose content is part of the cache fingerprint.
	Sources  []string `json:"sources,omitempty"`
	Executor Executor `json:"-"`
}

// Output returns a channel to one of the stage's declared outputs. It panics on an undeclared key,
// which is a wiring mistake.
func (s *Stage) Output(key string) Channel {
	t, ok := s.Outputs[key]
	if !ok {
		panic(fmt.Sprintf("stage %s has no output %s", s.ID, key))
	}
	return Channel{Producer: s.ID, Key: key, Type: t}
}

// ExecutionContext is handed to an executor for a single stage run.
type ExecutionContext struct {
	config.Config
	Pipeline *Pipeline
	Stage    *Stage
	RunID    string
	Store    metadata.Store
	Inputs   map[string][]*metadata.Artifact
	Outputs  map[string][]*metadata.Artifact
}

// Input returns the single artifact bound to a required input.
func (c *ExecutionContext) Input(key string) (*metadata.Artifact, error) {
	artifacts := c.Inputs[key]
	if len(artifacts) == 0 {
		return nil, errors.Errorf("stage %s: missing input %s", c.Stage.ID, key)
	}
	return artifacts[0], nil
}

// OptionalInput returns the artifact bound to an input, or nil when none resolved.
func (c *ExecutionContext) OptionalInput(key string) *metadata.Artifact {
	artifacts := c.Inputs[key]
	if len(artifacts) == 0 {
		return nil
	}
	return artifacts[0]
}

// Output returns the artifact prepared for an output key.
func (c *ExecutionContext) Output(key string) (*metadata.Artifact, error) {
	artifacts := c.Outputs[key]
	if len(artifacts) == 0 {
		return nil, errors.Errorf("stage %s: undeclared output %s", c.Stage.ID, key)
	}
	return artifacts[0], nil
}

// StringParam returns a string parameter, or the empty string.
func (c *ExecutionContext) StringParam(key string) string {
	v, ok := c.Stage.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// IntParam returns an integer parameter or the fallback when unset or not numeric.
func (c *ExecutionContext) IntParam(key string, fallback int) int {
	switch v := c.Stage.Parameters[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// BoolParam returns a boolean parameter, false when unset.
func (c *ExecutionContext) BoolParam(key string) bool {
	b, _ := c.Stage.Parameters[key].(bool)
	return b
}

// MapParam returns a nested parameter map, or nil.
func (c *ExecutionContext) MapParam(key string) map[string]interface{} {
	m, _ := c.Stage.Parameters[key].(map[string]interface{})
	return m
}
