package components

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/trainer"
)

const (
	evaluationFile = "evaluation.json"
	blessedFile    = "BLESSED"
	notBlessedFile = "NOT_BLESSED"
)

// EvaluationResult is the content of a ModelEvaluation artifact.
type EvaluationResult struct {
	Slice           string             `json:"slice"`
	NumExamples     int                `json:"num_examples"`
	Metrics         map[string]float64 `json:"metrics"`
	BaselineMetrics map[string]float64 `json:"baseline_metrics,omitempty"`
	LowerBound      float64            `json:"lower_bound"`
	Blessed         bool               `json:"blessed"`
}

// LoadEvaluation reads a ModelEvaluation artifact.
func LoadEvaluation(uri string) (*EvaluationResult, error) {
	r := &EvaluationResult{}
	if err := readArtifactJSON(uri, evaluationFile, r); err != nil {
		return nil, err
	}
	return r, nil
}

func executeResolver(ctx context.Context, ec *pipeline.ExecutionContext) error {
	model, ok := ec.Store.LatestBlessedModel(ec.Pipeline.Name)
	if !ok {
		ec.Logger.Info("No blessed model to use as baseline")
		ec.Outputs[OutModel] = nil
		return nil
	}
	ec.Logger.Infof("Resolved baseline model %d at %s", model.ID, model.URI)
	ec.Outputs[OutModel] = []*metadata.Artifact{model}
	return nil
}

// Evaluator measures the candidate on the transformed eval split and gates it.
type Evaluator struct {
	Config EvalConfig
}

func binaryAccuracy(modelURI string, eval *dataset.Table, labels []float64) (float64, error) {
	model, err := trainer.LoadSavedModel(modelURI)
	if err != nil {
		return 0, err
	}
	predictions, err := model.PredictTransformed(eval)
	if err != nil {
		return 0, err
	}
	return trainer.BinaryAccuracy(predictions, labels), nil
}

// Execute implements pipeline.Executor.
func (e *Evaluator) Execute(ctx context.Context, ec *pipeline.ExecutionContext) error {
	examples, err := ec.Input("examples")
	if err != nil {
		return err
	}
	model, err := ec.Input("model")
	if err != nil {
		return err
	}
	evaluationOut, err := ec.Output(OutEvaluation)
	if err != nil {
		return err
	}
	blessingOut, err := ec.Output(OutBlessing)
	if err != nil {
		return err
	}

	eval, err := dataset.ReadSplit(examples.URI, dataset.SplitEval)
	if err != nil {
		return err
	}
	labels, _, err := eval.Float(e.Config.LabelKey)
	if err != nil {
		return errors.Wrap(err, "eval split has no label")
	}
	for i, v := range labels {
		if math.IsNaN(v) {
			return errors.Errorf("eval example %d has no label", i)
		}
	}

	gate := NewGate(e.Config)
	result := EvaluationResult{
		Slice:       "Overall",
		NumExamples: len(eval.Rows),
		LowerBound:  e.Config.LowerBound,
	}

	if baseline := ec.OptionalInput("baseline_model"); baseline != nil {
		value, err := binaryAccuracy(baseline.URI, eval, labels)
		if err != nil {
			return errors.Wrap(err, "failed to evaluate baseline model")
		}
		if err := gate.ResolveBaseline(value); err != nil {
			return err
		}
		result.BaselineMetrics = map[string]float64{e.Config.Metric: value}
		blessingOut.SetIntProperty(metadata.PropertyBaselineID, baseline.ID)
	}

	value, err := binaryAccuracy(model.URI, eval, labels)
	if err != nil {
		return errors.Wrap(err, "failed to evaluate candidate model")
	}
	if err := gate.Evaluate(value); err != nil {
		return err
	}
	blessed, err := gate.Decide()
	if err != nil {
		return err
	}
	result.Metrics = map[string]float64{e.Config.Metric: value}
	result.Blessed = blessed

	if err := writeArtifactJSON(evaluationOut.URI, evaluationFile, result); err != nil {
		return err
	}
	evaluationOut.SetProperty(e.Config.Metric, strconv.FormatFloat(value, 'f', 6, 64))

	marker := notBlessedFile
	blessingOut.SetProperty(metadata.PropertyBlessed, "0")
	if blessed {
		marker = blessedFile
		blessingOut.SetProperty(metadata.PropertyBlessed, "1")
	}
	blessingOut.SetIntProperty(metadata.PropertyCurrentModelID, model.ID)
	if err := os.MkdirAll(blessingOut.URI, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create blessing dir %s", blessingOut.URI)
	}
	if err := os.WriteFile(filepath.Join(blessingOut.URI, marker), nil, 0644); err != nil {
		return errors.Wrap(err, "failed to write blessing marker")
	}

	ec.Logger.Infof("Candidate %s=%.4f, threshold %.2f: %s", e.Config.Metric, value, e.Config.LowerBound, gate.State())
	return nil
}
