package components

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/tracking"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/trainer"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/transform"
)

func executeTransform(ctx context.Context, ec *pipeline.ExecutionContext) error {
	examples, err := ec.Input("examples")
	if err != nil {
		return err
	}
	schemaIn, err := ec.Input("schema")
	if err != nil {
		return err
	}
	graphOut, err := ec.Output(OutTransformGraph)
	if err != nil {
		return err
	}
	transformedOut, err := ec.Output(OutTransformedExamples)
	if err != nil {
		return err
	}

	spec, err := transform.LoadSpec(ec.StringParam("module_file"))
	if err != nil {
		return err
	}
	schema, err := LoadSchema(schemaIn.URI)
	if err != nil {
		return err
	}
	if _, ok := schema.Feature(spec.Label); !ok {
		return errors.Errorf("label %s is not in the schema", spec.Label)
	}

	train, err := dataset.ReadSplit(examples.URI, dataset.SplitTrain)
	if err != nil {
		return err
	}
	g, err := transform.Analyze(spec, train)
	if err != nil {
		return errors.Wrap(err, "failed to analyze training split")
	}
	for _, f := range g.Features {
		if fs, ok := schema.Feature(f.Name); ok && fs.Type == TypeBytes {
			return errors.Errorf("feature %s is not numeric", f.Name)
		}
	}

	for _, split := range []string{dataset.SplitTrain, dataset.SplitEval} {
		raw := train
		if split != dataset.SplitTrain {
			if raw, err = dataset.ReadSplit(examples.URI, split); err != nil {
				return err
			}
		}
		transformed, err := g.ApplyTable(raw)
		if err != nil {
			return errors.Wrapf(err, "failed to transform split %s", split)
		}
		if err := dataset.WriteSplit(transformedOut.URI, split, transformed); err != nil {
			return err
		}
	}
	transformedOut.SetProperty(metadata.PropertySplits, dataset.SplitTrain+","+dataset.SplitEval)

	ec.Logger.Infof("Fitted transform of %d features", len(g.Features))
	return g.Save(graphOut.URI)
}

// customConfig reads the trainer and tuner custom configuration, falling back to the environment.
func customConfig(ec *pipeline.ExecutionContext) trainer.CustomConfig {
	m := ec.MapParam("custom_config")
	intValue := func(key string, fallback int) int {
		switch v := m[key].(type) {
		case int:
			return v
		case float64:
			return int(v)
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return fallback
	}
	stringValue := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return trainer.CustomConfig{
		BatchSize:         intValue("batch_size", ec.Environment.BatchSize),
		DatasetSize:       intValue("dataset_size", ec.Environment.DatasetSize),
		Epochs:            intValue("epochs", ec.Environment.Epochs),
		ExperimentName:    stringValue("experiment_name"),
		ExperimentRunName: stringValue("experiment_run_name"),
		ProjectID:         stringValue("project_id"),
		Location:          stringValue("location"),
	}
}

func executeTuner(ctx context.Context, ec *pipeline.ExecutionContext) error {
	examples, err := ec.Input("examples")
	if err != nil {
		return err
	}
	graph, err := ec.Input("transform_graph")
	if err != nil {
		return err
	}
	out, err := ec.Output(OutBestHyperParameters)
	if err != nil {
		return err
	}

	args := trainer.TunerFnArgs{
		TransformedExamples: examples.URI,
		TransformGraph:      graph.URI,
		BestHyperParameters: out.URI,
		CustomConfig:        customConfig(ec),
		Seed:                ec.Environment.Seed,
		Logger:              ec.Logger,
	}
	if tuning := ec.Stage.Parameters["tuning_args"]; tuning != nil {
		m, _ := tuning.(map[string]interface{})
		str := func(key string) string {
			s, _ := m[key].(string)
			return s
		}
		args.TuningArgs = trainer.TuningArgs{
			Project:                str("project"),
			Region:                 str("region"),
			ServiceAccount:         str("service_account"),
			RemoteTrialsWorkingDir: str("remote_trials_working_dir"),
		}
	}

	result, err := trainer.Tune(ctx, args)
	if err != nil {
		return errors.Wrap(err, "hyperparameter search failed")
	}
	out.SetProperty("study_id", result.StudyID)
	out.SetIntProperty("num_neurons", int64(result.Best.NumNeurons))
	ec.Logger.Infof("Best num_neurons=%d after %d trials", result.Best.NumNeurons, len(result.Trials))
	return nil
}

// Trainer trains and saves the model. A tracker is set for the managed variant only.
type Trainer struct {
	Tracker tracking.Tracker
}

// Execute implements pipeline.Executor.
func (t *Trainer) Execute(ctx context.Context, ec *pipeline.ExecutionContext) error {
	examples, err := ec.Input("examples")
	if err != nil {
		return err
	}
	graph, err := ec.Input("transform_graph")
	if err != nil {
		return err
	}
	modelOut, err := ec.Output(OutModel)
	if err != nil {
		return err
	}
	runOut, err := ec.Output(OutModelRun)
	if err != nil {
		return err
	}

	args := trainer.FnArgs{
		TransformedExamples: examples.URI,
		TransformGraph:      graph.URI,
		ServingModelDir:     modelOut.URI,
		CustomConfig:        customConfig(ec),
		TensorboardLogDir:   runOut.URI,
		Seed:                ec.Environment.Seed,
		Tracker:             t.Tracker,
		Logger:              ec.Logger,
	}
	if ec.Environment.TensorboardLogDir != "" {
		args.TensorboardLogDir = ec.Environment.TensorboardLogDir
	}
	if hpIn := ec.OptionalInput("hyperparameters"); hpIn != nil {
		hp, err := trainer.LoadHyperParameters(hpIn.URI)
		if err != nil {
			return err
		}
		args.HyperParameters = &hp
	}

	result, err := trainer.Run(ctx, args)
	if err != nil {
		return err
	}

	last := result.History.Last()
	modelOut.SetIntProperty("num_neurons", int64(result.HyperParameters.NumNeurons))
	runOut.SetProperty("val_binary_accuracy", strconv.FormatFloat(last.ValBinaryAccuracy, 'f', 6, 64))
	runOut.SetProperty("val_loss", strconv.FormatFloat(last.ValLoss, 'f', 6, 64))
	runOut.SetIntProperty("epochs", int64(len(result.History.Epochs)))
	if result.TrackingRunID != "" {
		runOut.SetProperty("tracking_run_id", result.TrackingRunID)
	}
	return nil
}
