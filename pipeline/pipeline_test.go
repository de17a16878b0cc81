package pipeline

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
)

func testStages() []*Stage {
	gen := &Stage{
		ID:        "example_gen",
		Kind:      "ExampleGen",
		Outputs:   map[string]metadata.ArtifactType{"examples": metadata.Examples},
		Cacheable: true,
	}
	stats := &Stage{
		ID:        "statistics_gen",
		Kind:      "StatisticsGen",
		Inputs:    map[string]Channel{"examples": gen.Output("examples")},
		Outputs:   map[string]metadata.ArtifactType{"statistics": metadata.ExampleStatistics},
		Cacheable: true,
	}
	schema := &Stage{
		ID:         "schema_gen",
		Kind:       "SchemaGen",
		Inputs:     map[string]Channel{"statistics": stats.Output("statistics")},
		Outputs:    map[string]metadata.ArtifactType{"schema": metadata.Schema},
		Parameters: map[string]interface{}{"infer_feature_shape": true},
		Cacheable:  true,
	}
	validator := &Stage{
		ID:   "example_validator",
		Kind: "ExampleValidator",
		Inputs: map[string]Channel{
			"statistics": stats.Output("statistics"),
			"schema":     schema.Output("schema"),
		},
		Outputs: map[string]metadata.ArtifactType{"anomalies": metadata.ExampleAnomalies},
	}
	return []*Stage{gen, stats, schema, validator}
}

func TestNewOrdersStages(t *testing.T) {
	p, err := New("fraud", "/tmp/root", testStages(), WithCache(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"example_gen", "statistics_gen", "schema_gen", "example_validator"}, p.Order())
	assert.True(t, p.EnableCache)

	upstream, err := p.Upstream("example_validator")
	require.NoError(t, err)
	assert.Equal(t, []string{"statistics_gen", "schema_gen"}, upstream)

	s, ok := p.Stage("schema_gen")
	assert.True(t, ok)
	assert.Equal(t, "SchemaGen", s.Kind)
	_, ok = p.Stage("missing")
	assert.False(t, ok)
}

func TestNewRejectsLaterProducer(t *testing.T) {
	stages := testStages()
	stages[1], stages[2] = stages[2], stages[1]
	_, err := New("fraud", "/tmp/root", stages)
	assert.True(t, errors.Is(err, ErrUnknownProducer))
}

func TestNewRejectsDuplicateStage(t *testing.T) {
	stages := testStages()
	stages = append(stages, &Stage{ID: "example_gen"})
	_, err := New("fraud", "/tmp/root", stages)
	assert.True(t, errors.Is(err, ErrDuplicateStage))
}

func TestNewRejectsTypeMismatch(t *testing.T) {
	stages := testStages()
	stages[2].Inputs["statistics"] = Channel{Producer: "statistics_gen", Key: "statistics", Type: metadata.Schema}
	_, err := New("fraud", "/tmp/root", stages)
	assert.True(t, errors.Is(err, ErrChannelType))
}

func TestOutputPanicsOnUndeclaredKey(t *testing.T) {
	assert.Panics(t, func() {
		testStages()[0].Output("model")
	})
}

func TestWriteDefinition(t *testing.T) {
	p, err := New("fraud", "/tmp/root", testStages(), WithCache(true), WithProcessingArgs([]string{"--runner=DirectRunner"}))
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := WriteDefinition(p, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fraud_pipeline.json"), path)

	def, raw, err := ReadDefinition(path)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, "fraud", def.PipelineSpec.PipelineInfo.Name)
	assert.Equal(t, "/tmp/root", def.RuntimeConfig.GCSOutputDirectory)
	assert.Equal(t, []string{"example_gen", "example_validator", "schema_gen", "statistics_gen"}, def.TaskNames())

	validator := def.PipelineSpec.Root.DAG.Tasks["example_validator"]
	assert.Equal(t, []string{"statistics_gen", "schema_gen"}, validator.DependentTasks)
	assert.False(t, validator.CachingOptions.EnableCache)
	assert.Equal(t, "schema_gen", validator.Inputs.Artifacts["schema"].TaskOutputArtifact.ProducerTask)

	assert.True(t, def.PipelineSpec.Root.DAG.Tasks["schema_gen"].CachingOptions.EnableCache)
	assert.Equal(t, true, def.PipelineSpec.Root.DAG.Tasks["schema_gen"].Inputs.Parameters["infer_feature_shape"])
	assert.Equal(t, "tfx.Schema", def.PipelineSpec.Components["comp-schema_gen"].OutputDefinitions.Artifacts["schema"].ArtifactType.SchemaTitle)
	assert.Equal(t, []string{"--runner=DirectRunner"}, def.PipelineSpec.DeploymentSpec.Executors["exec-schema_gen"].Container.Args)
}

func TestDefinitionRunArgs(t *testing.T) {
	p, err := New("fraud", "/tmp/root", testStages(),
		WithProcessingArgs([]string{"--runner=DirectRunner"}),
		WithRunArgs([]string{"--pipeline-name=fraud", "--job-id=fraud-1"}))
	require.NoError(t, err)

	def, err := BuildDefinition(p)
	require.NoError(t, err)
	container := def.PipelineSpec.DeploymentSpec.Executors["exec-example_gen"].Container
	assert.Equal(t, []string{"fraud-pipeline", "execute", "--stage=example_gen", "--kind=" + testStages()[0].Kind}, container.Command)
	assert.Equal(t, []string{"--runner=DirectRunner", "--", "--pipeline-name=fraud", "--job-id=fraud-1"}, container.Args)
	assert.Equal(t, []string{"--runner=DirectRunner"}, p.ProcessingArgs)
}

func TestDraw(t *testing.T) {
	p, err := New("fraud", "/tmp/root", testStages())
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	err = p.Draw(buf, map[string]metadata.ExecutionState{
		"example_gen":    metadata.StateCached,
		"statistics_gen": metadata.StateComplete,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, `"example_gen" -> "statistics_gen"`)
	assert.Contains(t, out, `label="fraud"`)
	assert.Contains(t, out, `fillcolor="#`)
	assert.Contains(t, out, `example_gen\ncached`)
}
