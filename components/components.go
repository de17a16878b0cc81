// Package components holds the stage executors of the fraud detection pipeline and assembles them
// into the pipeline topology.
package components

import (
	"context"

	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/endpoint"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/tracking"
)

// Stage ids.
const (
	ExampleGenID       = "example_gen"
	StatisticsGenID    = "statistics_gen"
	SchemaGenID        = "schema_gen"
	ExampleValidatorID = "example_validator"
	TransformID        = "transform"
	TunerID            = "tuner"
	TrainerID          = "trainer"
	ResolverID         = "latest_blessed_model_resolver"
	EvaluatorID        = "evaluator"
	PusherID           = "pusher"
)

// Stage kinds. Managed kinds run their work on the managed services.
const (
	KindExampleGen       = "ExampleGen"
	KindStatisticsGen    = "StatisticsGen"
	KindSchemaGen        = "SchemaGen"
	KindExampleValidator = "ExampleValidator"
	KindTransform        = "Transform"
	KindTuner            = "Tuner"
	KindVertexTuner      = "VertexTuner"
	KindTrainer          = "Trainer"
	KindVertexTrainer    = "VertexTrainer"
	KindResolver         = "Resolver"
	KindEvaluator        = "Evaluator"
	KindPusher           = "Pusher"
	KindVertexPusher     = "VertexPusher"
)

// Output keys.
const (
	OutExamples            = "examples"
	OutStatistics          = "statistics"
	OutSchema              = "schema"
	OutAnomalies           = "anomalies"
	OutTransformGraph      = "transform_graph"
	OutTransformedExamples = "transformed_examples"
	OutBestHyperParameters = "best_hyperparameters"
	OutModel               = "model"
	OutModelRun            = "model_run"
	OutEvaluation          = "evaluation"
	OutBlessing            = "blessing"
	OutPushedModel         = "pushed_model"
)

// Deployer deploys a pushed model to a managed serving endpoint.
type Deployer interface {
	Deploy(ctx context.Context, d endpoint.Deployment) (*endpoint.Result, error)
}

// Params are everything the assembler needs to build the pipeline.
type Params struct {
	config.Config
	Execution config.Execution
	// Source feeds the example generator.
	Source Source
	// Tracker receives managed training runs. Nil disables tracking.
	Tracker tracking.Tracker
	// Deployer serves pushed models in the managed variant.
	Deployer Deployer
}

// CreatePipeline builds the fraud detection pipeline. Running locally selects the local trainer and
// filesystem pusher, otherwise their managed variants.
func CreatePipeline(params Params) (*pipeline.Pipeline, error) {
	exec := params.Execution
	env := params.Environment

	exampleGen := &pipeline.Stage{
		ID:         ExampleGenID,
		Kind:       KindExampleGen,
		Outputs:    map[string]metadata.ArtifactType{OutExamples: metadata.Examples},
		Parameters: map[string]interface{}{"query": exec.Query},
		Cacheable:  true,
		Executor:   &ExampleGen{Source: params.Source},
	}
	if csv, ok := params.Source.(CSVSource); ok {
		exampleGen.Sources = []string{csv.Path}
	}

	statisticsGen := &pipeline.Stage{
		ID:        StatisticsGenID,
		Kind:      KindStatisticsGen,
		Inputs:    map[string]pipeline.Channel{"examples": exampleGen.Output(OutExamples)},
		Outputs:   map[string]metadata.ArtifactType{OutStatistics: metadata.ExampleStatistics},
		Cacheable: true,
		Executor:  pipeline.ExecutorFunc(executeStatisticsGen),
	}

	schemaGen := &pipeline.Stage{
		ID:         SchemaGenID,
		Kind:       KindSchemaGen,
		Inputs:     map[string]pipeline.Channel{"statistics": statisticsGen.Output(OutStatistics)},
		Outputs:    map[string]metadata.ArtifactType{OutSchema: metadata.Schema},
		Parameters: map[string]interface{}{"infer_feature_shape": true},
		Cacheable:  true,
		Executor:   pipeline.ExecutorFunc(executeSchemaGen),
	}

	exampleValidator := &pipeline.Stage{
		ID:   ExampleValidatorID,
		Kind: KindExampleValidator,
		Inputs: map[string]pipeline.Channel{
			"statistics": statisticsGen.Output(OutStatistics),
			"schema":     schemaGen.Output(OutSchema),
		},
		Outputs:   map[string]metadata.ArtifactType{OutAnomalies: metadata.ExampleAnomalies},
		Cacheable: true,
		Executor:  pipeline.ExecutorFunc(executeExampleValidator),
	}

	transform := &pipeline.Stage{
		ID:   TransformID,
		Kind: KindTransform,
		Inputs: map[string]pipeline.Channel{
			"examples": exampleGen.Output(OutExamples),
			"schema":   schemaGen.Output(OutSchema),
		},
		Outputs: map[string]metadata.ArtifactType{
			OutTransformGraph:      metadata.TransformGraph,
			OutTransformedExamples: metadata.TransformedExamples,
		},
		Parameters: map[string]interface{}{"module_file": exec.TransformFnPath},
		Cacheable:  true,
		Sources:    []string{exec.TransformFnPath},
		Executor:   pipeline.ExecutorFunc(executeTransform),
	}

	stages := []*pipeline.Stage{exampleGen, statisticsGen, schemaGen, exampleValidator, transform}

	trainerInputs := map[string]pipeline.Channel{
		"examples":        transform.Output(OutTransformedExamples),
		"transform_graph": transform.Output(OutTransformGraph),
		"schema":          schemaGen.Output(OutSchema),
	}
	customConfig := map[string]interface{}{
		"batch_size":   env.BatchSize,
		"dataset_size": env.DatasetSize,
		"epochs":       env.Epochs,
	}

	if exec.EnableTuner {
		tuner := &pipeline.Stage{
			ID:   TunerID,
			Kind: KindTuner,
			Inputs: map[string]pipeline.Channel{
				"examples":        transform.Output(OutTransformedExamples),
				"transform_graph": transform.Output(OutTransformGraph),
			},
			Outputs:    map[string]metadata.ArtifactType{OutBestHyperParameters: metadata.HyperParameters},
			Parameters: map[string]interface{}{"module_file": exec.TrainerFnPath, "custom_config": customConfig},
			Cacheable:  true,
			Sources:    []string{exec.TrainerFnPath},
			Executor:   pipeline.ExecutorFunc(executeTuner),
		}
		if !exec.RunningLocally {
			tuner.Kind = KindVertexTuner
			tuner.Parameters["tuning_args"] = map[string]interface{}{
				"project":                   exec.ProjectID,
				"region":                    exec.Region,
				"service_account":           exec.ServiceAccount,
				"remote_trials_working_dir": exec.PipelineRoot + "/trials",
			}
		}
		stages = append(stages, tuner)
		trainerInputs["hyperparameters"] = tuner.Output(OutBestHyperParameters)
	}

	trainer := &pipeline.Stage{
		ID:     TrainerID,
		Kind:   KindTrainer,
		Inputs: trainerInputs,
		Outputs: map[string]metadata.ArtifactType{
			OutModel:    metadata.Model,
			OutModelRun: metadata.ModelRun,
		},
		Parameters: map[string]interface{}{"module_file": exec.TrainerFnPath, "custom_config": customConfig},
		Cacheable:  true,
		Sources:    []string{exec.TrainerFnPath},
		Executor:   &Trainer{},
	}
	if !exec.RunningLocally {
		trainer.Kind = KindVertexTrainer
		trainer.Executor = &Trainer{Tracker: params.Tracker}
		managed := map[string]interface{}{
			"batch_size":          env.BatchSize,
			"dataset_size":        env.DatasetSize,
			"epochs":              env.Epochs,
			"enable_vertex":       true,
			"vertex_region":       exec.Region,
			"training_args":       trainingArgs(exec, env),
			"experiment_name":     exec.ExperimentName,
			"experiment_run_name": exec.RunName(),
			"project_id":          exec.ProjectID,
			"location":            exec.Region,
		}
		trainer.Parameters["custom_config"] = managed
	}

	resolver := &pipeline.Stage{
		ID:       ResolverID,
		Kind:     KindResolver,
		Outputs:  map[string]metadata.ArtifactType{OutModel: metadata.Model},
		Executor: pipeline.ExecutorFunc(executeResolver),
	}

	baseline := resolver.Output(OutModel)
	baseline.Optional = true
	evaluator := &pipeline.Stage{
		ID:   EvaluatorID,
		Kind: KindEvaluator,
		Inputs: map[string]pipeline.Channel{
			"examples":       transform.Output(OutTransformedExamples),
			"model":          trainer.Output(OutModel),
			"baseline_model": baseline,
		},
		Outputs: map[string]metadata.ArtifactType{
			OutEvaluation: metadata.ModelEvaluation,
			OutBlessing:   metadata.ModelBlessing,
		},
		Parameters: map[string]interface{}{"eval_config": DefaultEvalConfig().Parameters()},
		Cacheable:  true,
		Executor:   &Evaluator{Config: DefaultEvalConfig()},
	}

	pusher := &pipeline.Stage{
		ID:   PusherID,
		Kind: KindPusher,
		Inputs: map[string]pipeline.Channel{
			"model":          trainer.Output(OutModel),
			"model_blessing": evaluator.Output(OutBlessing),
		},
		Outputs: map[string]metadata.ArtifactType{OutPushedModel: metadata.PushedModel},
		Parameters: map[string]interface{}{
			"push_destination": map[string]interface{}{
				"filesystem": map[string]interface{}{"base_directory": env.ServingModelDir},
			},
		},
		Cacheable: true,
		Executor:  &Pusher{},
	}
	if !exec.RunningLocally {
		pusher.Kind = KindVertexPusher
		pusher.Executor = &Pusher{Deployer: params.Deployer}
		pusher.Parameters = map[string]interface{}{
			"custom_config": map[string]interface{}{
				"enable_vertex":              true,
				"vertex_region":              exec.Region,
				"vertex_container_image_uri": env.ServingImage,
				"serving_args": map[string]interface{}{
					"project_id":    exec.ProjectID,
					"endpoint_name": env.EndpointName,
					"machine_type":  env.MachineType,
				},
			},
		}
	}

	stages = append(stages, trainer, resolver, evaluator, pusher)

	return pipeline.New(exec.PipelineName, exec.PipelineRoot, stages,
		pipeline.WithCache(true),
		pipeline.WithProcessingArgs(exec.Processing().Args()),
		pipeline.WithRunArgs(exec.Args()),
		pipeline.WithImage(env.TrainingImage),
	)
}

func trainingArgs(exec config.Execution, env *config.Environment) map[string]interface{} {
	return map[string]interface{}{
		"project":         exec.ProjectID,
		"service_account": exec.ServiceAccount,
		"tensorboard":     exec.Tensorboard,
		"worker_pool_specs": []interface{}{
			map[string]interface{}{
				"machine_spec":   map[string]interface{}{"machine_type": env.MachineType},
				"replica_count":  1,
				"container_spec": map[string]interface{}{"image_uri": env.TrainingImage},
			},
		},
	}
}
