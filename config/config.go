package config

import (
	"go.uber.org/zap"
)

// Config defines cross-cutting concerns.
type Config struct {
	Logger      *zap.SugaredLogger
	Environment *Environment
}

// NewTestConfig returns a config with a no-op logger and default environment values, for use
// in tests that don't care about either.
func NewTestConfig() Config {
	return Config{
		Logger:      zap.NewNop().Sugar(),
		Environment: DefaultEnvironment(),
	}
}

// DefaultEnvironment returns an environment populated with the declared defaults only.
func DefaultEnvironment() *Environment {
	return &Environment{
		Mode:            "dev",
		BatchSize:       4096,
		DatasetSize:     284807,
		Epochs:          10,
		Seed:            42,
		MetadataPath:    "/tmp/tfx_metadata",
		ServingModelDir: "/tmp/tfx_model/",
		DefinitionDir:   ".",
		ExamplesCSV:     "data/creditcard.csv",
		JobBackend:      BackendVertex,
		VertexAddr:      "https://europe-west1-aiplatform.googleapis.com",
		PrefectAddr:     "http://localhost:4200",
		TimeoutSec:      30,
		EndpointName:    "fraud-detection",
		ServingImage:    "europe-docker.pkg.dev/vertex-ai/prediction/tf2-cpu.2-9:latest",
		TrainingImage:   "gcr.io/tfx-oss-public/tfx:1.9.0",
		MachineType:     "e2-standard-4",
		ServeAddr:       ":8501",
	}
}
