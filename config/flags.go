package config

import (
	"flag"
	"io"

	"github.com/pkg/errors"
)

// DefaultExperimentName is the experiment pipeline runs are recorded under.
const DefaultExperimentName = "fraud-detection-pipeline"

// Flags holds the parsed command line arguments of a pipeline run.
type Flags struct {
	RunLocally             bool
	UseDataflow            bool
	EnableCloudTuner       bool
	ProjectID              string
	Region                 string
	TempLocation           string
	PipelineRoot           string
	PipelineName           string
	Query                  string
	TransformFnPath        string
	TrainerFnPath          string
	ServiceAccount         string
	ServiceAccountDataflow string
	DataflowNetwork        string
	Tensorboard            string
	ExperimentName         string
	JobID                  string
}

// ParseFlags parses pipeline arguments. Every required string flag must be present and non-empty.
func ParseFlags(args []string, output io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	fs.BoolVar(&f.RunLocally, "run-locally", false, "run the pipeline with the in-process local runner")
	fs.BoolVar(&f.UseDataflow, "use-dataflow", false, "use the managed data-processing service for data-heavy stages")
	fs.BoolVar(&f.EnableCloudTuner, "enable-cloud-tuner", false, "add a hyperparameter tuning stage before training")
	fs.StringVar(&f.ProjectID, "project-id", "", "cloud project id")
	fs.StringVar(&f.Region, "region", "", "cloud region")
	fs.StringVar(&f.TempLocation, "temp-location", "", "scratch location for data processing")
	fs.StringVar(&f.PipelineRoot, "pipeline-root", "", "root location for pipeline artifacts")
	fs.StringVar(&f.PipelineName, "pipeline-name", "", "pipeline name")
	fs.StringVar(&f.Query, "query", "", "query selecting the raw examples")
	fs.StringVar(&f.TransformFnPath, "transform-fn-path", "", "feature transform module file")
	fs.StringVar(&f.TrainerFnPath, "trainer-fn-path", "", "trainer module file")
	fs.StringVar(&f.ServiceAccount, "service-account", "", "identity used to submit and run the managed pipeline job")
	fs.StringVar(&f.ServiceAccountDataflow, "service-account-dataflow", "", "identity used by the data-processing service")
	fs.StringVar(&f.DataflowNetwork, "dataflow-network", "", "subnetwork used by the data-processing service")
	fs.StringVar(&f.Tensorboard, "tensorboard", "", "training log visualizer resource")
	fs.StringVar(&f.ExperimentName, "experiment-name", DefaultExperimentName, "experiment the run is recorded under")
	fs.StringVar(&f.JobID, "job-id", "", "managed job id, derived from the pipeline name and time when empty")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "failed to parse flags")
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments %v", fs.Args())
	}

	required := []struct {
		name  string
		value string
	}{
		{"project-id", f.ProjectID},
		{"region", f.Region},
		{"temp-location", f.TempLocation},
		{"pipeline-root", f.PipelineRoot},
		{"pipeline-name", f.PipelineName},
		{"query", f.Query},
		{"transform-fn-path", f.TransformFnPath},
		{"trainer-fn-path", f.TrainerFnPath},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, errors.Wrapf(ErrMissingField, "--%s", r.name)
		}
	}
	return f, nil
}
