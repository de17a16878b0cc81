package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMLflow struct {
	mutex       sync.Mutex
	experiments map[string]string
	calls       []string
	params      map[string]string
	metrics     map[string]float64
	status      string
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{experiments: map[string]string{}, params: map[string]string{}, metrics: map[string]float64{}}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, r.URL.Path)

	body := map[string]interface{}{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch r.URL.Path {
	case "/api/2.0/mlflow/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST"}`))
			return
		}
		_, _ = w.Write([]byte(`{"experiment":{"experiment_id":"` + id + `"}}`))
	case "/api/2.0/mlflow/experiments/create":
		f.experiments[body["name"].(string)] = "7"
		_, _ = w.Write([]byte(`{"experiment_id":"7"}`))
	case "/api/2.0/mlflow/runs/create":
		_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"run-` + body["experiment_id"].(string) + `","status":"RUNNING"}}}`))
	case "/api/2.0/mlflow/runs/log-parameter":
		f.params[body["key"].(string)] = body["value"].(string)
		_, _ = w.Write([]byte(`{}`))
	case "/api/2.0/mlflow/runs/log-metric":
		f.metrics[body["key"].(string)] = body["value"].(float64)
		_, _ = w.Write([]byte(`{}`))
	case "/api/2.0/mlflow/runs/update":
		f.status = body["status"].(string)
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func TestMLflowLogRun(t *testing.T) {
	fake := newFakeMLflow()
	server := httptest.NewServer(fake)
	defer server.Close()

	tracker := NewMLflow(server.URL, "", time.Second, zap.NewNop().Sugar())
	runID, err := tracker.LogRun(context.Background(), Run{
		Experiment: "fraud-detection-pipeline",
		Name:       "fraud-20240101000000",
		Params:     map[string]string{"num_neurons": "256"},
		Metrics:    map[string]float64{"val_binary_accuracy": 0.93},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-7", runID)
	assert.Equal(t, "256", fake.params["num_neurons"])
	assert.Equal(t, 0.93, fake.metrics["val_binary_accuracy"])
	assert.Equal(t, StatusFinished, fake.status)
	assert.Contains(t, fake.calls, "/api/2.0/mlflow/experiments/create")

	// the experiment now exists and is reused
	fake.calls = nil
	_, err = tracker.LogRun(context.Background(), Run{Experiment: "fraud-detection-pipeline", Name: "second"})
	require.NoError(t, err)
	assert.NotContains(t, fake.calls, "/api/2.0/mlflow/experiments/create")
}

func TestMLflowServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tracker := NewMLflow(server.URL, "", time.Second, zap.NewNop().Sugar())
	_, err := tracker.LogRun(context.Background(), Run{Experiment: "e", Name: "r"})
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	id, err := Noop{}.LogRun(context.Background(), Run{})
	assert.NoError(t, err)
	assert.Empty(t, id)
}
