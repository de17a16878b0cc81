package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/remote"
	"go.uber.org/zap"
)

// VertexService creates pipeline jobs through the managed pipelines REST API.
type VertexService struct {
	client *remote.Client
	logger *zap.SugaredLogger
}

// NewVertexService creates a service client for the API at addr, authenticated with token.
func NewVertexService(addr string, token string, timeout time.Duration, logger *zap.SugaredLogger) *VertexService {
	return &VertexService{
		client: remote.NewClient(addr, token, timeout),
		logger: logger,
	}
}

type runtimeConfig struct {
	GCSOutputDirectory string `json:"gcsOutputDirectory,omitempty"`
}

type pipelineJob struct {
	DisplayName    string            `json:"displayName"`
	PipelineSpec   json.RawMessage   `json:"pipelineSpec"`
	RuntimeConfig  runtimeConfig     `json:"runtimeConfig"`
	ServiceAccount string            `json:"serviceAccount,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

type pipelineJobResponse struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Submit implements Service.
func (v *VertexService) Submit(ctx context.Context, req Request) (string, error) {
	parts, err := splitDefinition(req.Definition)
	if err != nil {
		return "", err
	}

	labels := map[string]string{}
	for k, val := range req.Labels {
		labels[k] = val
	}
	if req.ExperimentName != "" {
		labels["experiment"] = req.ExperimentName
	}
	if !req.EnableCaching {
		labels["cache"] = "disabled"
	}

	job := pipelineJob{
		DisplayName:    req.DisplayName,
		PipelineSpec:   parts.PipelineSpec,
		RuntimeConfig:  runtimeConfig{GCSOutputDirectory: req.PipelineRoot},
		ServiceAccount: req.ServiceAccount,
		Labels:         labels,
	}

	path := fmt.Sprintf("/v1/projects/%s/locations/%s/pipelineJobs?pipelineJobId=%s",
		req.Project, req.Region, url.QueryEscape(req.JobID))
	resp := pipelineJobResponse{}
	if err := v.client.Do(ctx, http.MethodPost, path, job, &resp); err != nil {
		return "", errors.Wrapf(err, "failed to create pipeline job %s", req.JobID)
	}
	v.logger.Infof("Created pipeline job %s (%s)", resp.Name, resp.State)
	return resp.Name, nil
}
