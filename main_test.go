package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/components"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
)

func writeExamples(t *testing.T) string {
	rng := rand.New(rand.NewSource(9))
	table := &dataset.Table{Columns: []string{"Time", "V1", "V2", "Amount", "Class"}}
	for i := 0; i < 100; i++ {
		table.Rows = append(table.Rows, []string{
			fmt.Sprint(i), fmt.Sprintf("%.6f", rng.NormFloat64()), fmt.Sprintf("%.6f", rng.NormFloat64()),
			fmt.Sprintf("%.2f", rng.Float64()*100), fmt.Sprint(i % 2),
		})
	}
	path := filepath.Join(t.TempDir(), "creditcard.csv")
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()
	require.NoError(t, dataset.WriteCSV(file, table))
	return path
}

// containerArgs returns the arguments `execute` receives when the job service starts a stage.
func containerArgs(t *testing.T, def *pipeline.Definition, stageID string) []string {
	executor, ok := def.PipelineSpec.DeploymentSpec.Executors["exec-"+stageID]
	require.True(t, ok, stageID)
	container := executor.Container
	require.Equal(t, []string{"fraud-pipeline", "execute"}, container.Command[:2])
	return append(append([]string(nil), container.Command[2:]...), container.Args...)
}

func TestExecuteFromDefinition(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Environment.MetadataPath = t.TempDir()
	cfg.Environment.DefinitionDir = t.TempDir()
	cfg.Environment.ExamplesCSV = writeExamples(t)

	flags, err := config.ParseFlags([]string{
		"--project-id=p",
		"--region=r",
		"--temp-location=gs://t",
		"--pipeline-root=" + t.TempDir(),
		"--pipeline-name=fraud",
		"--query=Q",
		"--transform-fn-path=t.py",
		"--trainer-fn-path=tr.py",
		"--service-account=runner@p.iam",
		"--job-id=fraud-20240101000000",
	}, ioutil.Discard)
	require.NoError(t, err)
	exec, err := config.NewExecution(flags)
	require.NoError(t, err)
	p, err := components.CreatePipeline(params(cfg, exec))
	require.NoError(t, err)
	def, err := pipeline.BuildDefinition(p)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, execute(ctx, cfg, containerArgs(t, def, components.ExampleGenID)))
	require.NoError(t, execute(ctx, cfg, containerArgs(t, def, components.StatisticsGenID)))

	store, err := metadata.NewPersistedStore(cfg.Environment.MetadataPath)
	require.NoError(t, err)
	defer store.Close()
	executions := store.Executions(exec.JobID)
	require.Len(t, executions, 2)
	assert.Equal(t, components.ExampleGenID, executions[0].StageID)
	assert.Equal(t, components.StatisticsGenID, executions[1].StageID)
	for _, e := range executions {
		assert.Equal(t, metadata.StateComplete, e.State, e.StageID)
	}
	assert.Equal(t, executions[0].Outputs[components.OutExamples], executions[1].Inputs[components.OutExamples])
}

func TestExecuteKindMismatch(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Environment.MetadataPath = t.TempDir()

	err := execute(context.Background(), cfg, []string{
		"--stage=" + components.ExampleGenID, "--kind=" + components.KindTrainer, "--",
		"--run-locally", "--project-id=p", "--region=r", "--temp-location=/tmp",
		"--pipeline-root=" + t.TempDir(), "--pipeline-name=fraud", "--query=Q",
		"--transform-fn-path=t.py", "--trainer-fn-path=tr.py",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a Trainer")
}
