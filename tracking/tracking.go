// Package tracking logs training parameters and metrics to an experiment tracking service.
package tracking

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/remote"
	"go.uber.org/zap"
)

// Run is one tracked execution inside an experiment.
type Run struct {
	Experiment string
	Name       string
	Params     map[string]string
	Metrics    map[string]float64
	Tags       map[string]string
}

// Tracker records runs.
type Tracker interface {
	LogRun(ctx context.Context, run Run) (string, error)
}

// Noop discards runs.
type Noop struct{}

// LogRun implements Tracker.
func (Noop) LogRun(ctx context.Context, run Run) (string, error) {
	return "", nil
}

// Run statuses.
const (
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// MLflow tracks runs through the MLflow REST API.
type MLflow struct {
	client *remote.Client
	logger *zap.SugaredLogger
}

// NewMLflow creates a tracker for the server at addr.
func NewMLflow(addr string, token string, timeout time.Duration, logger *zap.SugaredLogger) *MLflow {
	return &MLflow{
		client: remote.NewClient(addr, token, timeout),
		logger: logger,
	}
}

type experimentResponse struct {
	Experiment struct {
		ExperimentID string `json:"experiment_id"`
		Name         string `json:"name"`
	} `json:"experiment"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type runTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type createRunRequest struct {
	ExperimentID string   `json:"experiment_id"`
	RunName      string   `json:"run_name"`
	StartTime    int64    `json:"start_time"`
	Tags         []runTag `json:"tags,omitempty"`
}

type createRunResponse struct {
	Run struct {
		Info struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		} `json:"info"`
	} `json:"run"`
}

type logParamRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type logMetricRequest struct {
	RunID     string  `json:"run_id"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
}

func (m *MLflow) experimentID(ctx context.Context, name string) (string, error) {
	resp := experimentResponse{}
	err := m.client.Do(ctx, http.MethodGet, "/api/2.0/mlflow/experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &resp)
	if err == nil {
		return resp.Experiment.ExperimentID, nil
	}
	if !remote.IsStatus(err, http.StatusNotFound) {
		return "", errors.Wrapf(err, "failed to get experiment %s", name)
	}

	created := createExperimentResponse{}
	if err := m.client.Do(ctx, http.MethodPost, "/api/2.0/mlflow/experiments/create", map[string]string{"name": name}, &created); err != nil {
		return "", errors.Wrapf(err, "failed to create experiment %s", name)
	}
	m.logger.Infof("Created experiment %s (%s)", name, created.ExperimentID)
	return created.ExperimentID, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogRun creates the experiment when missing, then creates a run, logs its params and metrics and
// marks it finished. It returns the run id.
func (m *MLflow) LogRun(ctx context.Context, run Run) (string, error) {
	experimentID, err := m.experimentID(ctx, run.Experiment)
	if err != nil {
		return "", err
	}

	start := time.Now().UnixNano() / int64(time.Millisecond)
	req := createRunRequest{ExperimentID: experimentID, RunName: run.Name, StartTime: start}
	for _, k := range sortedKeys(run.Tags) {
		req.Tags = append(req.Tags, runTag{Key: k, Value: run.Tags[k]})
	}
	created := createRunResponse{}
	if err := m.client.Do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/create", req, &created); err != nil {
		return "", errors.Wrapf(err, "failed to create run %s", run.Name)
	}
	runID := created.Run.Info.RunID

	status := StatusFinished
	logErr := m.logValues(ctx, runID, run, start)
	if logErr != nil {
		status = StatusFailed
	}
	end := time.Now().UnixNano() / int64(time.Millisecond)
	if err := m.client.Do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/update", updateRunRequest{RunID: runID, Status: status, EndTime: end}, nil); err != nil {
		return runID, errors.Wrapf(err, "failed to update run %s", runID)
	}
	return runID, logErr
}

func (m *MLflow) logValues(ctx context.Context, runID string, run Run, timestamp int64) error {
	for _, k := range sortedKeys(run.Params) {
		if err := m.client.Do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/log-parameter", logParamRequest{RunID: runID, Key: k, Value: run.Params[k]}, nil); err != nil {
			return errors.Wrapf(err, "failed to log param %s", k)
		}
	}
	keys := make([]string, 0, len(run.Metrics))
	for k := range run.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		metric := logMetricRequest{RunID: runID, Key: k, Value: run.Metrics[k], Timestamp: timestamp}
		if err := m.client.Do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/log-metric", metric, nil); err != nil {
			return errors.Wrapf(err, "failed to log metric %s", k)
		}
	}
	return nil
}
