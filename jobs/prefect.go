package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/machinebox/graphql"
	"github.com/pkg/errors"
	"github.com/vova616/xxhash"
	"go.uber.org/zap"
)

// PrefectService submits pipeline jobs as runs of a prefect flow.
type PrefectService struct {
	client *graphql.Client
	flowID string
	logger *zap.SugaredLogger
}

// NewPrefectService creates a client for the prefect server at addr that runs the flow version
// group flowID.
func NewPrefectService(addr string, flowID string, timeout time.Duration, logger *zap.SugaredLogger) *PrefectService {
	// standard http client with our timeout
	httpClient := &http.Client{Timeout: timeout}

	// graphql client that uses our http client - our timeout is applied transitively
	return &PrefectService{
		client: graphql.NewClient(addr, graphql.WithHTTPClient(httpClient)),
		flowID: flowID,
		logger: logger,
	}
}

type flowSubmissionResponse struct {
	CreateFlowRun struct {
		ID string
	} `json:"create_flow_run"`
}

type flowParameters struct {
	JobID          string            `json:"job_id"`
	Project        string            `json:"project"`
	Region         string            `json:"region"`
	ServiceAccount string            `json:"service_account"`
	ExperimentName string            `json:"experiment_name"`
	PipelineRoot   string            `json:"pipeline_root"`
	EnableCaching  bool              `json:"enable_caching"`
	Labels         map[string]string `json:"labels,omitempty"`
	Definition     json.RawMessage   `json:"definition"`
}

// IdempotencyKey identifies a submission by its job id and definition.
func IdempotencyKey(req Request) string {
	return strconv.FormatUint(uint64(xxhash.Checksum32(append([]byte(req.JobID+"\n"), req.Definition...))), 16)
}

// Submit implements Service.
func (p *PrefectService) Submit(ctx context.Context, req Request) (string, error) {
	if p.flowID == "" {
		return "", errors.New("no prefect flow configured")
	}
	if _, err := splitDefinition(req.Definition); err != nil {
		return "", err
	}

	params, err := json.Marshal(flowParameters{
		JobID:          req.JobID,
		Project:        req.Project,
		Region:         req.Region,
		ServiceAccount: req.ServiceAccount,
		ExperimentName: req.ExperimentName,
		PipelineRoot:   req.PipelineRoot,
		EnableCaching:  req.EnableCaching,
		Labels:         req.Labels,
		Definition:     req.Definition,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal flow parameters")
	}

	// prefect server expects JSON to be escaped and without newlines/tabs
	buffer := bytes.Buffer{}
	if err := json.Compact(&buffer, params); err != nil {
		return "", errors.Wrap(err, "failed to compact flow parameters")
	}
	escaped := strings.ReplaceAll(strings.ReplaceAll(buffer.String(), `\`, `\\`), `"`, `\"`)

	// parameters are formatted into the mutation, the server fails to parse them as a variable
	requestStr := fmt.Sprintf("mutation($id: String, $runName: String, $key: String) {"+
		"create_flow_run(input: { "+
		"	idempotency_key: $key, "+
		"	version_group_id: $id, "+
		"	flow_run_name: $runName, "+
		"	parameters: \"%s\""+
		"}) { "+
		"	id "+
		"}"+
		"}", escaped)

	mutation := graphql.NewRequest(requestStr)
	mutation.Var("id", p.flowID)
	mutation.Var("runName", req.JobID)

	// a keyed run that already completed is skipped by prefect, which is the cached behaviour
	if req.EnableCaching {
		mutation.Var("key", IdempotencyKey(req))
	}

	var respData flowSubmissionResponse
	if err := p.client.Run(ctx, mutation, &respData); err != nil {
		return "", errors.Wrapf(err, "failed to run flow for job %s", req.JobID)
	}
	p.logger.Infof("Created flow run %s for job %s", respData.CreateFlowRun.ID, req.JobID)
	return respData.CreateFlowRun.ID, nil
}
