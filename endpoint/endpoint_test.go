package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const endpointPath = "projects/p/locations/europe-west1/endpoints/42"

type fakeService struct {
	existing bool
	calls    []string
	upload   uploadModelRequest
	deploy   deployModelRequest
	auth     string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.auth = r.Header.Get("Authorization")

	switch r.Method + " " + r.URL.Path {
	case "GET /v1/projects/p/locations/europe-west1/endpoints":
		if f.existing {
			_, _ = w.Write([]byte(`{"endpoints":[{"name":"` + endpointPath + `","displayName":"fraud-detection"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	case "POST /v1/projects/p/locations/europe-west1/endpoints":
		_, _ = w.Write([]byte(`{"name":"op-1","done":true,"response":{"name":"` + endpointPath + `"}}`))
	case "POST /v1/projects/p/locations/europe-west1/models:upload":
		_ = json.NewDecoder(r.Body).Decode(&f.upload)
		_, _ = w.Write([]byte(`{"name":"op-2","done":true,"response":{"model":"projects/p/locations/europe-west1/models/7"}}`))
	case "POST /v1/" + endpointPath + ":deployModel":
		_ = json.NewDecoder(r.Body).Decode(&f.deploy)
		_, _ = w.Write([]byte(`{"name":"op-3","done":true,"response":{"deployedModel":{"id":"99"}}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testDeployment() Deployment {
	return Deployment{
		Project:      "p",
		Region:       "europe-west1",
		EndpointName: "fraud-detection",
		ModelName:    "fraud",
		ArtifactURI:  "gs://bucket/serving/1700000000",
		ServingImage: "serving:latest",
		MachineType:  "e2-standard-4",
	}
}

func TestDeployCreatesEndpoint(t *testing.T) {
	fake := &fakeService{}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewClient(server.URL, "token", time.Second, zap.NewNop().Sugar())
	result, err := client.Deploy(context.Background(), testDeployment())
	require.NoError(t, err)
	assert.Equal(t, endpointPath, result.Endpoint)
	assert.Equal(t, "projects/p/locations/europe-west1/models/7", result.Model)
	assert.Equal(t, "99", result.DeployedModelID)
	assert.Equal(t, "Bearer token", fake.auth)
	assert.Contains(t, fake.calls, "POST /v1/projects/p/locations/europe-west1/endpoints")

	assert.Equal(t, "gs://bucket/serving/1700000000", fake.upload.Model.ArtifactURI)
	assert.Equal(t, "serving:latest", fake.upload.Model.ContainerSpec.ImageURI)
	assert.Equal(t, "e2-standard-4", fake.deploy.DeployedModel.DedicatedResources.MachineSpec.MachineType)
	assert.Equal(t, map[string]int{"0": 100}, fake.deploy.TrafficSplit)
}

func TestDeployReusesEndpoint(t *testing.T) {
	fake := &fakeService{existing: true}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewClient(server.URL, "", time.Second, zap.NewNop().Sugar())
	result, err := client.Deploy(context.Background(), testDeployment())
	require.NoError(t, err)
	assert.Equal(t, endpointPath, result.Endpoint)
	assert.NotContains(t, fake.calls, "POST /v1/projects/p/locations/europe-west1/endpoints")
	assert.Empty(t, fake.auth)
}

func TestDeployUploadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"endpoints":[{"name":"` + endpointPath + `","displayName":"fraud-detection"}]}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second, zap.NewNop().Sugar())
	_, err := client.Deploy(context.Background(), testDeployment())
	assert.Error(t, err)
}

const operationsPath = "projects/p/locations/europe-west1/operations/"

// pendingService answers every mutation with an unfinished operation that completes after polls.
type pendingService struct {
	polls  map[string]int
	failOp string
}

func (f *pendingService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pending := func(id string) {
		_, _ = w.Write([]byte(`{"name":"` + operationsPath + id + `","done":false}`))
	}
	switch r.Method + " " + r.URL.Path {
	case "GET /v1/projects/p/locations/europe-west1/endpoints":
		_, _ = w.Write([]byte(`{}`))
	case "POST /v1/projects/p/locations/europe-west1/endpoints":
		pending("1")
	case "POST /v1/projects/p/locations/europe-west1/models:upload":
		pending("2")
	case "POST /v1/" + endpointPath + ":deployModel":
		pending("3")
	case "GET /v1/" + operationsPath + "1":
		_, _ = w.Write([]byte(`{"name":"` + operationsPath + `1","done":true,"response":{"name":"` + endpointPath + `"}}`))
	case "GET /v1/" + operationsPath + "2":
		f.polls["2"]++
		if f.polls["2"] < 2 {
			pending("2")
			return
		}
		if f.failOp == "2" {
			_, _ = w.Write([]byte(`{"name":"` + operationsPath + `2","done":true,"error":{"code":3,"message":"bad artifact"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"` + operationsPath + `2","done":true,"response":{"model":"projects/p/locations/europe-west1/models/7"}}`))
	case "GET /v1/" + operationsPath + "3":
		_, _ = w.Write([]byte(`{"name":"` + operationsPath + `3","done":true,"response":{"deployedModel":{"id":"99"}}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestDeployWaitsForOperations(t *testing.T) {
	fake := &pendingService{polls: map[string]int{}}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewClient(server.URL, "", time.Second, zap.NewNop().Sugar())
	client.pollInterval = time.Millisecond
	result, err := client.Deploy(context.Background(), testDeployment())
	require.NoError(t, err)
	assert.Equal(t, endpointPath, result.Endpoint)
	assert.Equal(t, "projects/p/locations/europe-west1/models/7", result.Model)
	assert.Equal(t, "99", result.DeployedModelID)
	assert.Equal(t, 2, fake.polls["2"])
}

func TestDeployOperationError(t *testing.T) {
	server := httptest.NewServer(&pendingService{polls: map[string]int{}, failOp: "2"})
	defer server.Close()

	client := NewClient(server.URL, "", time.Second, zap.NewNop().Sugar())
	client.pollInterval = time.Millisecond
	_, err := client.Deploy(context.Background(), testDeployment())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad artifact")
}

func TestDeployOperationCancelled(t *testing.T) {
	server := httptest.NewServer(&pendingService{polls: map[string]int{}})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewClient(server.URL, "", time.Second, zap.NewNop().Sugar())
	client.pollInterval = time.Hour
	_, err := client.Deploy(ctx, testDeployment())
	assert.Error(t, err)
}
