package runner

import (
	"context"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/jobs"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
)

// Outcome reports what a dispatch did.
type Outcome struct {
	DefinitionPath string
	// Local is set for local runs.
	Local *RunResult
	// JobName is the managed job created for remote runs.
	JobName string
}

// Dispatch writes the pipeline definition, then either runs the pipeline in process or submits
// the definition to the job service. Submission errors are returned as is.
func Dispatch(ctx context.Context, cfg config.Config, exec config.Execution, p *pipeline.Pipeline, local *LocalRunner, service jobs.Service) (*Outcome, error) {
	path, err := pipeline.WriteDefinition(p, cfg.Environment.DefinitionDir)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Infof("Wrote pipeline definition %s", path)
	outcome := &Outcome{DefinitionPath: path}

	if exec.RunningLocally {
		if local == nil {
			return outcome, errors.New("no local runner configured")
		}
		result, err := local.Run(ctx, p)
		outcome.Local = result
		return outcome, err
	}

	if service == nil {
		return outcome, errors.New("no job service configured")
	}
	_, definition, err := pipeline.ReadDefinition(path)
	if err != nil {
		return outcome, err
	}
	name, err := service.Submit(ctx, jobs.Request{
		JobID:          exec.JobID,
		DisplayName:    p.Name,
		Project:        exec.ProjectID,
		Region:         exec.Region,
		ServiceAccount: exec.ServiceAccount,
		ExperimentName: exec.ExperimentName,
		PipelineRoot:   exec.PipelineRoot,
		EnableCaching:  p.EnableCache,
		Definition:     definition,
	})
	if err != nil {
		return outcome, err
	}
	cfg.Logger.Infof("Submitted pipeline job %s", name)
	outcome.JobName = name
	return outcome, nil
}
