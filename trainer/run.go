package trainer

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/tracking"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/transform"
	"go.uber.org/zap"
)

// EarlyStoppingPatience is the number of epochs without val_loss improvement before training stops.
const EarlyStoppingPatience = 3

// CustomConfig carries the trainer stage's custom configuration.
type CustomConfig struct {
	BatchSize         int
	DatasetSize       int
	Epochs            int
	ExperimentName    string
	ExperimentRunName string
	ProjectID         string
	Location          string
}

// FnArgs are the inputs of a training run.
type FnArgs struct {
	// TransformedExamples is the transformed examples artifact with train and eval splits.
	TransformedExamples string
	// TransformGraph is the fitted transform artifact directory.
	TransformGraph string
	// ServingModelDir receives the saved model.
	ServingModelDir string
	// HyperParameters is set when a tuning run furnished them.
	HyperParameters *HyperParameters
	CustomConfig    CustomConfig
	// TensorboardLogDir receives per-epoch progress when set.
	TensorboardLogDir string
	Seed              int64
	// Tracker is set for the managed variant only.
	Tracker tracking.Tracker
	Logger  *zap.SugaredLogger
}

// Result summarizes a training run.
type Result struct {
	History         *History
	HyperParameters HyperParameters
	Model           *SavedModel
	TrackingRunID   string
}

type trainingData struct {
	graph       *transform.Graph
	featureKeys []string
	train       *dataset.Table
	eval        *dataset.Table
}

// readTrainingData loads the transform graph and transformed splits shared by training and tuning.
func readTrainingData(transformedExamples string, transformGraph string) (*trainingData, error) {
	g, err := transform.Load(transformGraph)
	if err != nil {
		return nil, err
	}
	train, err := dataset.ReadSplit(transformedExamples, dataset.SplitTrain)
	if err != nil {
		return nil, err
	}
	eval, err := dataset.ReadSplit(transformedExamples, dataset.SplitEval)
	if err != nil {
		return nil, err
	}
	return &trainingData{
		graph:       g,
		featureKeys: FeatureKeys(g.FeatureNames()),
		train:       train,
		eval:        eval,
	}, nil
}

// fit builds and trains one model, shared by training and every tuning trial.
func (d *trainingData) fit(ctx context.Context, hp HyperParameters, cfg CustomConfig, seed int64, callbacks ...Callback) (*Model, *History, error) {
	model, err := BuildModel(hp, d.featureKeys, seed)
	if err != nil {
		return nil, nil, err
	}
	trainBatches, err := NewBatches(d.train, d.featureKeys, cfg.BatchSize, seed)
	if err != nil {
		return nil, nil, errors.Wrap(err, "train split")
	}
	evalBatches, err := NewBatches(d.eval, d.featureKeys, cfg.BatchSize, seed+1)
	if err != nil {
		return nil, nil, errors.Wrap(err, "eval split")
	}
	steps, validationSteps := Steps(cfg.DatasetSize, cfg.BatchSize)
	history, err := model.Fit(ctx, trainBatches, evalBatches, FitConfig{
		Epochs:          cfg.Epochs,
		StepsPerEpoch:   steps,
		ValidationSteps: validationSteps,
		Callbacks:       append([]Callback{NewEarlyStopping(EarlyStoppingPatience)}, callbacks...),
	})
	if err != nil {
		return nil, nil, err
	}
	return model, history, nil
}

// Run trains the model and saves it with a serving signature that applies the transform graph.
func Run(ctx context.Context, args FnArgs) (*Result, error) {
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	data, err := readTrainingData(args.TransformedExamples, args.TransformGraph)
	if err != nil {
		return nil, err
	}

	hp := DefaultHyperParameters()
	if args.HyperParameters != nil {
		hp = *args.HyperParameters
	}
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	logger.Infof("Training on %d features with num_neurons=%d", len(data.featureKeys), hp.NumNeurons)

	var callbacks []Callback
	if args.TensorboardLogDir != "" {
		progress, err := NewProgressLogger(args.TensorboardLogDir)
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, progress)
	}
	callbacks = append(callbacks, CallbackFunc(func(logs EpochLogs) (bool, error) {
		logger.Infof("Epoch %d: loss=%.4f binary_accuracy=%.4f val_loss=%.4f val_binary_accuracy=%.4f",
			logs.Epoch, logs.Loss, logs.BinaryAccuracy, logs.ValLoss, logs.ValBinaryAccuracy)
		return false, nil
	}))

	model, history, err := data.fit(ctx, hp, args.CustomConfig, args.Seed, callbacks...)
	if err != nil {
		return nil, errors.Wrap(err, "training failed")
	}

	saved := model.Export(data.graph)
	if err := saved.Save(args.ServingModelDir); err != nil {
		return nil, err
	}

	result := &Result{History: history, HyperParameters: hp, Model: saved}
	if args.Tracker != nil {
		last := history.Last()
		runID, err := args.Tracker.LogRun(ctx, tracking.Run{
			Experiment: args.CustomConfig.ExperimentName,
			Name:       args.CustomConfig.ExperimentRunName,
			Params:     map[string]string{"num_neurons": strconv.Itoa(hp.NumNeurons)},
			Metrics: map[string]float64{
				"val_binary_accuracy": last.ValBinaryAccuracy,
				"val_loss":            last.ValLoss,
			},
			Tags: map[string]string{
				"project_id": args.CustomConfig.ProjectID,
				"location":   args.CustomConfig.Location,
			},
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to log experiment run")
		}
		result.TrackingRunID = runID
	}
	return result, nil
}
