package pipeline

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

const (
	schemaVersion = "2.0.0"
	sdkVersion    = "fraud-detection-pipeline"
)

// Definition is the serialized pipeline handed to a managed job service.
type Definition struct {
	PipelineSpec  PipelineSpec  `json:"pipelineSpec"`
	RuntimeConfig RuntimeConfig `json:"runtimeConfig"`
}

// PipelineSpec describes the DAG, its components and how each executor runs.
type PipelineSpec struct {
	PipelineInfo   PipelineInfo             `json:"pipelineInfo"`
	Root           RootComponent            `json:"root"`
	Components     map[string]ComponentSpec `json:"components"`
	DeploymentSpec DeploymentSpec           `json:"deploymentSpec"`
	SchemaVersion  string                   `json:"schemaVersion"`
	SDKVersion     string                   `json:"sdkVersion"`
}

// PipelineInfo names the pipeline.
type PipelineInfo struct {
	Name string `json:"name"`
}

// RootComponent holds the task DAG.
type RootComponent struct {
	DAG DAG `json:"dag"`
}

// DAG maps task names to tasks.
type DAG struct {
	Tasks map[string]Task `json:"tasks"`
}

// Task is one stage invocation.
type Task struct {
	TaskInfo       TaskInfo       `json:"taskInfo"`
	ComponentRef   ComponentRef   `json:"componentRef"`
	DependentTasks []string       `json:"dependentTasks,omitempty"`
	CachingOptions CachingOptions `json:"cachingOptions"`
	Inputs         TaskInputs     `json:"inputs"`
}

// TaskInfo names a task.
type TaskInfo struct {
	Name string `json:"name"`
}

// ComponentRef points to a component in PipelineSpec.Components.
type ComponentRef struct {
	Name string `json:"name"`
}

// CachingOptions controls execution caching of a task.
type CachingOptions struct {
	EnableCache bool `json:"enableCache"`
}

// TaskInputs binds artifacts and parameters to a task.
type TaskInputs struct {
	Artifacts  map[string]ArtifactBinding `json:"artifacts,omitempty"`
	Parameters map[string]interface{}     `json:"parameters,omitempty"`
}

// ArtifactBinding refers to an upstream task output.
type ArtifactBinding struct {
	TaskOutputArtifact TaskOutputArtifact `json:"taskOutputArtifact"`
}

// TaskOutputArtifact identifies a producer task output.
type TaskOutputArtifact struct {
	ProducerTask      string `json:"producerTask"`
	OutputArtifactKey string `json:"outputArtifactKey"`
}

// ComponentSpec declares a component's outputs and executor.
type ComponentSpec struct {
	ExecutorLabel     string            `json:"executorLabel"`
	OutputDefinitions OutputDefinitions `json:"outputDefinitions"`
}

// OutputDefinitions lists a component's output artifacts.
type OutputDefinitions struct {
	Artifacts map[string]ArtifactSpec `json:"artifacts,omitempty"`
}

// ArtifactSpec is the declared type of an output artifact.
type ArtifactSpec struct {
	ArtifactType ArtifactTypeSchema `json:"artifactType"`
}

// ArtifactTypeSchema names an artifact type.
type ArtifactTypeSchema struct {
	SchemaTitle string `json:"schemaTitle"`
}

// DeploymentSpec maps executor labels to executors.
type DeploymentSpec struct {
	Executors map[string]ExecutorSpec `json:"executors"`
}

// ExecutorSpec runs a component in a container.
type ExecutorSpec struct {
	Container ContainerSpec `json:"container"`
}

// ContainerSpec is a container invocation.
type ContainerSpec struct {
	Image   string   `json:"image"`
	Command []string `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// RuntimeConfig holds run-time settings.
type RuntimeConfig struct {
	GCSOutputDirectory string `json:"gcsOutputDirectory"`
}

// DefinitionFileName returns the file name of a pipeline's definition artifact.
func DefinitionFileName(pipelineName string) string {
	return fmt.Sprintf("%s_pipeline.json", pipelineName)
}

// BuildDefinition serializes the pipeline DAG.
func BuildDefinition(p *Pipeline) (*Definition, error) {
	def := &Definition{
		PipelineSpec: PipelineSpec{
			PipelineInfo:   PipelineInfo{Name: p.Name},
			Root:           RootComponent{DAG: DAG{Tasks: map[string]Task{}}},
			Components:     map[string]ComponentSpec{},
			DeploymentSpec: DeploymentSpec{Executors: map[string]ExecutorSpec{}},
			SchemaVersion:  schemaVersion,
			SDKVersion:     sdkVersion,
		},
		RuntimeConfig: RuntimeConfig{GCSOutputDirectory: p.Root},
	}

	for _, s := range p.Stages {
		upstream, err := p.Upstream(s.ID)
		if err != nil {
			return nil, err
		}

		componentName := "comp-" + s.ID
		executorLabel := "exec-" + s.ID

		task := Task{
			TaskInfo:       TaskInfo{Name: s.ID},
			ComponentRef:   ComponentRef{Name: componentName},
			DependentTasks: upstream,
			CachingOptions: CachingOptions{EnableCache: p.EnableCache && s.Cacheable},
			Inputs: TaskInputs{
				Parameters: s.Parameters,
			},
		}
		if len(s.Inputs) > 0 {
			task.Inputs.Artifacts = map[string]ArtifactBinding{}
			for key, ch := range s.Inputs {
				task.Inputs.Artifacts[key] = ArtifactBinding{TaskOutputArtifact{
					ProducerTask:      ch.Producer,
					OutputArtifactKey: ch.Key,
				}}
			}
		}
		def.PipelineSpec.Root.DAG.Tasks[s.ID] = task

		component := ComponentSpec{ExecutorLabel: executorLabel}
		if len(s.Outputs) > 0 {
			component.OutputDefinitions.Artifacts = map[string]ArtifactSpec{}
			for key, t := range s.Outputs {
				component.OutputDefinitions.Artifacts[key] = ArtifactSpec{ArtifactTypeSchema{SchemaTitle: "tfx." + string(t)}}
			}
		}
		def.PipelineSpec.Components[componentName] = component

		args := append([]string(nil), p.ProcessingArgs...)
		if len(p.RunArgs) > 0 {
			args = append(append(args, "--"), p.RunArgs...)
		}
		def.PipelineSpec.DeploymentSpec.Executors[executorLabel] = ExecutorSpec{ContainerSpec{
			Image:   p.Image,
			Command: []string{"fraud-pipeline", "execute", "--stage=" + s.ID, "--kind=" + s.Kind},
			Args:    args,
		}}
	}
	return def, nil
}

// WriteDefinition writes `<pipeline_name>_pipeline.json` into dir and returns its path.
func WriteDefinition(p *Pipeline, dir string) (string, error) {
	def, err := BuildDefinition(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to build pipeline definition")
	}
	bytes, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal pipeline definition")
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", errors.Wrapf(err, "failed to create definition dir %s", dir)
	}
	path := filepath.Join(dir, DefinitionFileName(p.Name))
	if err := ioutil.WriteFile(path, bytes, 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write pipeline definition %s", path)
	}
	return path, nil
}

// ReadDefinition loads a definition written by WriteDefinition.
func ReadDefinition(path string) (*Definition, []byte, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read pipeline definition %s", path)
	}
	def := &Definition{}
	if err := json.Unmarshal(bytes, def); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse pipeline definition %s", path)
	}
	return def, bytes, nil
}

// TaskNames returns the task names of a definition in sorted order.
func (d *Definition) TaskNames() []string {
	names := make([]string, 0, len(d.PipelineSpec.Root.DAG.Tasks))
	for name := range d.PipelineSpec.Root.DAG.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
