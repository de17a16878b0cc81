package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMissingField is returned when a flag required by the selected execution mode is absent.
var ErrMissingField = errors.New("missing required field")

// Backend identifies where data-heavy stages are processed.
type Backend string

const (
	// InProcess processes data inside the runner process.
	InProcess Backend = "in-process"
	// Dataflow processes data on the managed data-processing service.
	Dataflow Backend = "dataflow"
)

// Processing is the parameter bundle handed to data-heavy stages. An InProcess bundle never carries
// a service account or network.
type Processing struct {
	Backend        Backend `json:"backend"`
	Project        string  `json:"project"`
	Region         string  `json:"region"`
	TempLocation   string  `json:"temp_location"`
	ServiceAccount string  `json:"service_account,omitempty"`
	Network        string  `json:"network,omitempty"`
}

// Args renders the bundle as data-processing runner arguments.
func (p Processing) Args() []string {
	args := []string{
		"--project=" + p.Project,
		"--temp_location=" + p.TempLocation,
		"--region=" + p.Region,
	}
	if p.Backend == Dataflow {
		return append(args,
			"--runner=DataflowRunner",
			"--service_account_email="+p.ServiceAccount,
			"--no_use_public_ips",
			"--subnetwork="+p.Network,
		)
	}
	return append(args, "--runner=DirectRunner")
}

// Execution is the validated, immutable configuration of a single pipeline run. It is passed by value.
type Execution struct {
	ProjectID              string
	Region                 string
	TempLocation           string
	PipelineRoot           string
	PipelineName           string
	Query                  string
	TransformFnPath        string
	TrainerFnPath          string
	ServiceAccount         string
	DataflowServiceAccount string
	DataflowNetwork        string
	Tensorboard            string
	ExperimentName         string
	JobID                  string
	RunningLocally         bool
	UseDataflow            bool
	EnableTuner            bool
}

var now = time.Now

// NewExecution validates the flags against the selected execution mode. No remote call may happen
// before this returns successfully.
func NewExecution(f *Flags) (Execution, error) {
	e := Execution{
		ProjectID:              f.ProjectID,
		Region:                 f.Region,
		TempLocation:           f.TempLocation,
		PipelineRoot:           f.PipelineRoot,
		PipelineName:           f.PipelineName,
		Query:                  f.Query,
		TransformFnPath:        f.TransformFnPath,
		TrainerFnPath:          f.TrainerFnPath,
		ServiceAccount:         f.ServiceAccount,
		DataflowServiceAccount: f.ServiceAccountDataflow,
		DataflowNetwork:        f.DataflowNetwork,
		Tensorboard:            f.Tensorboard,
		ExperimentName:         f.ExperimentName,
		JobID:                  f.JobID,
		RunningLocally:         f.RunLocally,
		UseDataflow:            f.UseDataflow,
		EnableTuner:            f.EnableCloudTuner,
	}
	if e.ExperimentName == "" {
		e.ExperimentName = DefaultExperimentName
	}
	if e.JobID == "" {
		e.JobID = fmt.Sprintf("%s-%s", strings.ToLower(e.PipelineName), now().UTC().Format("20060102150405"))
	}

	if !e.RunningLocally {
		if e.ServiceAccount == "" {
			return Execution{}, errors.Wrap(ErrMissingField, "--service-account")
		}
		if e.UseDataflow {
			if e.DataflowServiceAccount == "" {
				return Execution{}, errors.Wrap(ErrMissingField, "--service-account-dataflow")
			}
			if e.DataflowNetwork == "" {
				return Execution{}, errors.Wrap(ErrMissingField, "--dataflow-network")
			}
		}
	}
	return e, nil
}

// Processing selects the processing bundle. Running locally always selects the in-process bundle.
func (e Execution) Processing() Processing {
	p := Processing{
		Backend:      InProcess,
		Project:      e.ProjectID,
		Region:       e.Region,
		TempLocation: e.TempLocation,
	}
	if !e.RunningLocally && e.UseDataflow {
		p.Backend = Dataflow
		p.ServiceAccount = e.DataflowServiceAccount
		p.Network = e.DataflowNetwork
	}
	return p
}

// RunName names the experiment run and the managed job.
func (e Execution) RunName() string {
	return e.JobID
}

// Args renders the execution back into run flags that ParseFlags accepts.
func (e Execution) Args() []string {
	args := []string{}
	bools := []struct {
		name  string
		value bool
	}{
		{"run-locally", e.RunningLocally},
		{"use-dataflow", e.UseDataflow},
		{"enable-cloud-tuner", e.EnableTuner},
	}
	for _, b := range bools {
		if b.value {
			args = append(args, "--"+b.name)
		}
	}
	values := []struct {
		name  string
		value string
	}{
		{"project-id", e.ProjectID},
		{"region", e.Region},
		{"temp-location", e.TempLocation},
		{"pipeline-root", e.PipelineRoot},
		{"pipeline-name", e.PipelineName},
		{"query", e.Query},
		{"transform-fn-path", e.TransformFnPath},
		{"trainer-fn-path", e.TrainerFnPath},
		{"service-account", e.ServiceAccount},
		{"service-account-dataflow", e.DataflowServiceAccount},
		{"dataflow-network", e.DataflowNetwork},
		{"tensorboard", e.Tensorboard},
		{"experiment-name", e.ExperimentName},
		{"job-id", e.JobID},
	}
	for _, v := range values {
		if v.value != "" {
			args = append(args, "--"+v.name+"="+v.value)
		}
	}
	return args
}
