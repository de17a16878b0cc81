package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Environment contains the imported environment variables.
type Environment struct {
	// Debug vs Deploy
	Mode string `default:"dev"`
	// Number of examples per training batch
	BatchSize int `default:"4096" split_words:"true"`
	// Total number of rows in the source dataset, used to derive steps per epoch
	DatasetSize int `default:"284807" split_words:"true"`
	// Upper bound on training epochs, early stopping usually ends sooner
	Epochs int `default:"10"`
	// Seed for weight initialization and trial ordering
	Seed int64 `default:"42"`
	// Directory holding the local metadata journal
	MetadataPath string `default:"/tmp/tfx_metadata" split_words:"true"`
	// Directory models are pushed to by the local pusher
	ServingModelDir string `default:"/tmp/tfx_model/" split_words:"true"`
	// Directory the pipeline definition file is written to
	DefinitionDir string `default:"." split_words:"true"`
	// CSV file read by the example generator when no DSN is set
	ExamplesCSV string `default:"data/creditcard.csv" split_words:"true"`
	// Postgres DSN, when set the example generator runs the query against it
	ExamplesDSN string `split_words:"true"`
	// Managed job service backend, vertex or prefect
	JobBackend string `default:"vertex" split_words:"true"`
	// Managed pipeline job service address
	VertexAddr string `default:"https://europe-west1-aiplatform.googleapis.com" split_words:"true"`
	// Bearer token for the managed services
	AccessToken string `split_words:"true"`
	// Prefect server address including port
	PrefectAddr string `default:"http://localhost:4200" split_words:"true"`
	// Flow version group ID of the fraud pipeline flow
	PrefectFlowID string `split_words:"true"`
	// Remote request timeout
	TimeoutSec int `default:"30" split_words:"true"`
	// Experiment tracking server, tracking is disabled when empty
	TrackingAddr string `split_words:"true"`
	// Name of the managed serving endpoint
	EndpointName string `default:"fraud-detection" split_words:"true"`
	// Container image used to serve pushed models
	ServingImage string `default:"europe-docker.pkg.dev/vertex-ai/prediction/tf2-cpu.2-9:latest" split_words:"true"`
	// Container image used for managed training and tuning
	TrainingImage string `default:"gcr.io/tfx-oss-public/tfx:1.9.0" split_words:"true"`
	// Machine type for managed training and serving
	MachineType string `default:"e2-standard-4" split_words:"true"`
	// Port the model server listens on
	ServeAddr string `default:":8501" split_words:"true"`
	// Training progress log directory, set by the managed training service
	TensorboardLogDir string `envconfig:"AIP_TENSORBOARD_LOG_DIR"`
}

const (
	// BackendVertex submits pipeline jobs to the managed pipeline service REST API
	BackendVertex = "vertex"
	// BackendPrefect submits pipeline jobs as prefect flow runs
	BackendPrefect = "prefect"
)

const redacted = "<redacted>"

// String renders the settings for logging with credentials redacted.
func (e Environment) String() string {
	if e.AccessToken != "" {
		e.AccessToken = redacted
	}
	if e.ExamplesDSN != "" {
		e.ExamplesDSN = redacted
	}
	settings, err := json.MarshalIndent(e, "", "    ")
	if err != nil {
		return fmt.Errorf("Failed to marshal env: %v", err).Error()
	}
	return fmt.Sprintf("Environment Settings:\n%s\n", string(settings))
}

// Load imports the environment variables and returns them in an Environment.
func Load(envFile string) (*Environment, error) {
	testEnv := os.Getenv("FRAUD_MODE")
	// an env file is optional for a CLI; only read it when no mode is set and it exists
	if "" == testEnv {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, errors.Wrapf(err, "Error loading %s file", envFile)
			}
		}
	}

	var env Environment
	err := envconfig.Process("fraud", &env)
	if err != nil {
		return nil, errors.Wrap(err, "Error processing environment config")
	}
	return &env, nil
}
