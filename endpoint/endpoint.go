// Package endpoint uploads pushed models to a managed prediction service and deploys them behind a
// named endpoint.
package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/remote"
	"go.uber.org/zap"
)

// Deployment describes a model to serve.
type Deployment struct {
	Project      string
	Region       string
	EndpointName string
	ModelName    string
	ArtifactURI  string
	ServingImage string
	MachineType  string
}

// Result identifies what a deployment created.
type Result struct {
	Endpoint        string `json:"endpoint"`
	Model           string `json:"model"`
	DeployedModelID string `json:"deployed_model_id"`
}

const defaultPollInterval = 5 * time.Second

// Client talks to the managed prediction service.
type Client struct {
	client       *remote.Client
	logger       *zap.SugaredLogger
	pollInterval time.Duration
}

// NewClient creates a client for the service at addr.
func NewClient(addr string, token string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		client:       remote.NewClient(addr, token, timeout),
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

type endpointResource struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type listEndpointsResponse struct {
	Endpoints []endpointResource `json:"endpoints"`
}

// operation is the long running operation envelope. Response and Error are only set once Done.
type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response struct {
		Name          string `json:"name"`
		Model         string `json:"model"`
		DeployedModel struct {
			ID string `json:"id"`
		} `json:"deployedModel"`
	} `json:"response"`
}

type containerSpec struct {
	ImageURI string `json:"imageUri"`
}

type modelSpec struct {
	DisplayName   string        `json:"displayName"`
	ArtifactURI   string        `json:"artifactUri"`
	ContainerSpec containerSpec `json:"containerSpec"`
}

type uploadModelRequest struct {
	Model modelSpec `json:"model"`
}

type machineSpec struct {
	MachineType string `json:"machineType"`
}

type dedicatedResources struct {
	MachineSpec     machineSpec `json:"machineSpec"`
	MinReplicaCount int         `json:"minReplicaCount"`
	MaxReplicaCount int         `json:"maxReplicaCount"`
}

type deployedModel struct {
	Model              string             `json:"model"`
	DisplayName        string             `json:"displayName"`
	DedicatedResources dedicatedResources `json:"dedicatedResources"`
}

type deployModelRequest struct {
	DeployedModel deployedModel  `json:"deployedModel"`
	TrafficSplit  map[string]int `json:"trafficSplit"`
}

// waitOperation polls a long running operation until it is done.
func (c *Client) waitOperation(ctx context.Context, op *operation) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for !op.Done {
		if op.Name == "" {
			return errors.New("pending operation has no name")
		}
		c.logger.Debugf("Waiting on operation %s", op.Name)
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "stopped waiting on operation %s", op.Name)
		case <-ticker.C:
		}
		name := op.Name
		*op = operation{}
		if err := c.client.Do(ctx, http.MethodGet, "/v1/"+name, nil, op); err != nil {
			return errors.Wrapf(err, "failed to poll operation %s", name)
		}
		if op.Name == "" {
			op.Name = name
		}
	}
	if op.Error != nil {
		return errors.Errorf("operation %s failed with code %d: %s", op.Name, op.Error.Code, op.Error.Message)
	}
	return nil
}

func locationPath(project string, region string) string {
	return fmt.Sprintf("/v1/projects/%s/locations/%s", project, region)
}

// ensureEndpoint returns the endpoint with the given display name, creating it when absent.
func (c *Client) ensureEndpoint(ctx context.Context, d Deployment) (string, error) {
	base := locationPath(d.Project, d.Region)
	filter := url.QueryEscape(fmt.Sprintf("display_name=%q", d.EndpointName))

	list := listEndpointsResponse{}
	if err := c.client.Do(ctx, http.MethodGet, base+"/endpoints?filter="+filter, nil, &list); err != nil {
		return "", errors.Wrapf(err, "failed to list endpoints named %s", d.EndpointName)
	}
	for _, e := range list.Endpoints {
		if e.DisplayName == d.EndpointName {
			return e.Name, nil
		}
	}

	created := operation{}
	if err := c.client.Do(ctx, http.MethodPost, base+"/endpoints", endpointResource{DisplayName: d.EndpointName}, &created); err != nil {
		return "", errors.Wrapf(err, "failed to create endpoint %s", d.EndpointName)
	}
	if err := c.waitOperation(ctx, &created); err != nil {
		return "", errors.Wrapf(err, "failed to create endpoint %s", d.EndpointName)
	}
	if created.Response.Name == "" {
		return "", errors.Errorf("endpoint %s creation returned no name", d.EndpointName)
	}
	c.logger.Infof("Created endpoint %s (%s)", d.EndpointName, created.Response.Name)
	return created.Response.Name, nil
}

// Deploy uploads the model and deploys it to the endpoint with all traffic.
func (c *Client) Deploy(ctx context.Context, d Deployment) (*Result, error) {
	endpointName, err := c.ensureEndpoint(ctx, d)
	if err != nil {
		return nil, err
	}

	uploaded := operation{}
	upload := uploadModelRequest{Model: modelSpec{
		DisplayName:   d.ModelName,
		ArtifactURI:   d.ArtifactURI,
		ContainerSpec: containerSpec{ImageURI: d.ServingImage},
	}}
	if err := c.client.Do(ctx, http.MethodPost, locationPath(d.Project, d.Region)+"/models:upload", upload, &uploaded); err != nil {
		return nil, errors.Wrapf(err, "failed to upload model %s", d.ArtifactURI)
	}
	if err := c.waitOperation(ctx, &uploaded); err != nil {
		return nil, errors.Wrapf(err, "failed to upload model %s", d.ArtifactURI)
	}
	if uploaded.Response.Model == "" {
		return nil, errors.Errorf("upload of %s returned no model", d.ArtifactURI)
	}

	deployed := operation{}
	deploy := deployModelRequest{
		DeployedModel: deployedModel{
			Model:       uploaded.Response.Model,
			DisplayName: d.ModelName,
			DedicatedResources: dedicatedResources{
				MachineSpec:     machineSpec{MachineType: d.MachineType},
				MinReplicaCount: 1,
				MaxReplicaCount: 1,
			},
		},
		TrafficSplit: map[string]int{"0": 100},
	}
	if err := c.client.Do(ctx, http.MethodPost, "/v1/"+endpointName+":deployModel", deploy, &deployed); err != nil {
		return nil, errors.Wrapf(err, "failed to deploy model %s to %s", uploaded.Response.Model, endpointName)
	}
	if err := c.waitOperation(ctx, &deployed); err != nil {
		return nil, errors.Wrapf(err, "failed to deploy model %s to %s", uploaded.Response.Model, endpointName)
	}

	c.logger.Infof("Deployed model %s to endpoint %s", uploaded.Response.Model, endpointName)
	return &Result{
		Endpoint:        endpointName,
		Model:           uploaded.Response.Model,
		DeployedModelID: deployed.Response.DeployedModel.ID,
	}, nil
}
