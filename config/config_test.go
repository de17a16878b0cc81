package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var localArgs = []string{
	"--run-locally",
	"--project-id=p",
	"--region=r",
	"--temp-location=/tmp",
	"--pipeline-root=/tmp/root",
	"--pipeline-name=fraud",
	"--query=Q",
	"--transform-fn-path=t.py",
	"--trainer-fn-path=tr.py",
}

func remoteFlags() *Flags {
	return &Flags{
		ProjectID:       "p",
		Region:          "r",
		TempLocation:    "gs://tmp",
		PipelineRoot:    "gs://root",
		PipelineName:    "fraud",
		Query:           "Q",
		TransformFnPath: "t.py",
		TrainerFnPath:   "tr.py",
		ServiceAccount:  "runner@p.iam",
	}
}

func TestParseFlagsLocal(t *testing.T) {
	f, err := ParseFlags(localArgs, ioutil.Discard)
	require.NoError(t, err)
	assert.True(t, f.RunLocally)
	assert.False(t, f.UseDataflow)
	assert.Equal(t, "fraud", f.PipelineName)
	assert.Equal(t, "/tmp/root", f.PipelineRoot)
	assert.Equal(t, DefaultExperimentName, f.ExperimentName)
}

func TestParseFlagsMissingRequired(t *testing.T) {
	_, err := ParseFlags(localArgs[:len(localArgs)-1], ioutil.Discard)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingField))
	assert.Contains(t, err.Error(), "--trainer-fn-path")
}

func TestParseFlagsUnknown(t *testing.T) {
	_, err := ParseFlags(append([]string{"--bogus"}, localArgs...), ioutil.Discard)
	assert.Error(t, err)
}

func TestLocalAlwaysInProcess(t *testing.T) {
	for _, dataflow := range []bool{true, false} {
		for _, sa := range []string{"", "df@p.iam"} {
			for _, network := range []string{"", "subnet"} {
				f := remoteFlags()
				f.RunLocally = true
				f.UseDataflow = dataflow
				f.ServiceAccountDataflow = sa
				f.DataflowNetwork = network
				f.ServiceAccount = ""

				e, err := NewExecution(f)
				require.NoError(t, err)
				p := e.Processing()
				assert.Equal(t, InProcess, p.Backend)
				assert.Empty(t, p.ServiceAccount)
				assert.Empty(t, p.Network)
				assert.Contains(t, p.Args(), "--runner=DirectRunner")
			}
		}
	}
}

func TestRemoteDataflowRequiresServiceAccountAndNetwork(t *testing.T) {
	f := remoteFlags()
	f.UseDataflow = true
	f.DataflowNetwork = "subnet"
	_, err := NewExecution(f)
	assert.True(t, errors.Is(err, ErrMissingField))

	f = remoteFlags()
	f.UseDataflow = true
	f.ServiceAccountDataflow = "df@p.iam"
	_, err = NewExecution(f)
	assert.True(t, errors.Is(err, ErrMissingField))

	f.DataflowNetwork = "subnet"
	e, err := NewExecution(f)
	require.NoError(t, err)
	p := e.Processing()
	assert.Equal(t, Dataflow, p.Backend)
	assert.Equal(t, []string{
		"--project=p",
		"--temp_location=gs://tmp",
		"--region=r",
		"--runner=DataflowRunner",
		"--service_account_email=df@p.iam",
		"--no_use_public_ips",
		"--subnetwork=subnet",
	}, p.Args())
}

func TestRemoteWithoutDataflowIsInProcess(t *testing.T) {
	e, err := NewExecution(remoteFlags())
	require.NoError(t, err)
	assert.Equal(t, InProcess, e.Processing().Backend)
}

func TestRemoteRequiresServiceAccount(t *testing.T) {
	f := remoteFlags()
	f.ServiceAccount = ""
	_, err := NewExecution(f)
	assert.True(t, errors.Is(err, ErrMissingField))
}

func TestJobIDDefault(t *testing.T) {
	now = func() time.Time { return time.Date(2024, 3, 5, 7, 9, 11, 0, time.UTC) }
	t.Cleanup(func() { now = time.Now })

	e, err := NewExecution(remoteFlags())
	require.NoError(t, err)
	assert.Equal(t, "fraud-20240305070911", e.JobID)
	assert.Equal(t, e.JobID, e.RunName())

	f := remoteFlags()
	f.JobID = "explicit"
	e, err = NewExecution(f)
	require.NoError(t, err)
	assert.Equal(t, "explicit", e.JobID)
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "fraud.env")
	require.NoError(t, ioutil.WriteFile(envFile, []byte("FRAUD_BATCH_SIZE=32\nFRAUD_SERVING_MODEL_DIR=/srv/model\n"), 0644))

	unsetenv(t, "FRAUD_MODE")
	t.Setenv("AIP_TENSORBOARD_LOG_DIR", "/logs")
	t.Cleanup(func() {
		os.Unsetenv("FRAUD_BATCH_SIZE")
		os.Unsetenv("FRAUD_SERVING_MODEL_DIR")
	})

	env, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, 32, env.BatchSize)
	assert.Equal(t, "/srv/model", env.ServingModelDir)
	assert.Equal(t, 284807, env.DatasetSize)
	assert.Equal(t, "/logs", env.TensorboardLogDir)
	assert.Contains(t, env.String(), "Environment Settings")
}

func TestLoadEnvironmentWithoutFile(t *testing.T) {
	unsetenv(t, "FRAUD_MODE")
	unsetenv(t, "AIP_TENSORBOARD_LOG_DIR")
	env, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, *DefaultEnvironment(), *env)
}

func unsetenv(t *testing.T, key string) {
	if value, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { os.Setenv(key, value) })
	}
	os.Unsetenv(key)
}

func TestExecutionArgsRoundTrip(t *testing.T) {
	f := remoteFlags()
	f.UseDataflow = true
	f.ServiceAccountDataflow = "df@p.iam"
	f.DataflowNetwork = "subnet"
	f.EnableCloudTuner = true
	f.JobID = "fraud-1"
	e, err := NewExecution(f)
	require.NoError(t, err)

	parsed, err := ParseFlags(e.Args(), ioutil.Discard)
	require.NoError(t, err)
	again, err := NewExecution(parsed)
	require.NoError(t, err)
	assert.Equal(t, e, again)
	assert.NotContains(t, e.Args(), "--run-locally")
}

func TestEnvironmentStringRedactsSecrets(t *testing.T) {
	env := DefaultEnvironment()
	env.AccessToken = "ya29.SECRET-TOKEN"
	env.ExamplesDSN = "postgres://fraud:hunter2@db/fraud"

	rendered := env.String()
	assert.NotContains(t, rendered, "SECRET-TOKEN")
	assert.NotContains(t, rendered, "hunter2")
	assert.Contains(t, rendered, `"AccessToken": "<redacted>"`)
	assert.Contains(t, rendered, `"ServeAddr": ":8501"`)
	assert.Equal(t, "ya29.SECRET-TOKEN", env.AccessToken)

	assert.Contains(t, DefaultEnvironment().String(), `"AccessToken": ""`)
}
