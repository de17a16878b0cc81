// Package jobs submits compiled pipeline definitions to a managed pipeline job service.
package jobs

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Request is a pipeline job submission.
type Request struct {
	JobID          string
	DisplayName    string
	Project        string
	Region         string
	ServiceAccount string
	ExperimentName string
	PipelineRoot   string
	EnableCaching  bool
	Labels         map[string]string
	// Definition is the compiled pipeline definition file content.
	Definition []byte
}

// Service accepts pipeline jobs. Submit returns the service's name for the created job. Failures
// are returned unchanged and never retried.
type Service interface {
	Submit(ctx context.Context, req Request) (string, error)
}

type definitionParts struct {
	PipelineSpec  json.RawMessage `json:"pipelineSpec"`
	RuntimeConfig json.RawMessage `json:"runtimeConfig"`
}

func splitDefinition(definition []byte) (*definitionParts, error) {
	parts := &definitionParts{}
	if err := json.Unmarshal(definition, parts); err != nil {
		return nil, errors.Wrap(err, "failed to parse pipeline definition")
	}
	if len(parts.PipelineSpec) == 0 {
		return nil, errors.New("pipeline definition has no pipelineSpec")
	}
	return parts, nil
}
