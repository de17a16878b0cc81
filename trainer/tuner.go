package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Search defaults.
const (
	MaxTrials    = 50
	TrialWorkers = 5
	Objective    = "val_binary_accuracy"
)

// TuningArgs carries the tuning configuration of the managed variant.
type TuningArgs struct {
	Project                string
	Region                 string
	ServiceAccount         string
	RemoteTrialsWorkingDir string
}

// TunerFnArgs are the inputs of a tuning run.
type TunerFnArgs struct {
	TransformedExamples string
	TransformGraph      string
	// BestHyperParameters receives the winning hyperparameters.
	BestHyperParameters string
	CustomConfig        CustomConfig
	TuningArgs          TuningArgs
	MaxTrials           int
	Workers             int
	Seed                int64
	Logger              *zap.SugaredLogger
}

// Trial is one evaluated hyperparameter set.
type Trial struct {
	ID              int             `json:"id"`
	HyperParameters HyperParameters `json:"hyperparameters"`
	Score           float64         `json:"score"`
	Epochs          int             `json:"epochs"`
}

// SearchResult is the outcome of a search.
type SearchResult struct {
	StudyID string          `json:"study_id"`
	Best    HyperParameters `json:"best"`
	Trials  []Trial         `json:"trials"`
}

// StudyID names a study by the hour it started in.
func StudyID(t time.Time) string {
	return fmt.Sprintf("DistributingCloudTuner_study_%s", t.Format("2006010215"))
}

// candidates draws distinct hidden layer widths from the search space in random order. The search
// ends early once the space is exhausted.
func candidates(maxTrials int, seed int64) []HyperParameters {
	order := rand.New(rand.NewSource(seed)).Perm(len(SearchSpace))
	if maxTrials > len(order) {
		maxTrials = len(order)
	}
	result := make([]HyperParameters, maxTrials)
	for i := 0; i < maxTrials; i++ {
		result[i] = HyperParameters{NumNeurons: SearchSpace[order[i]]}
	}
	return result
}

// Tune searches the hidden layer width, maximizing val_binary_accuracy with a bounded pool of
// parallel trials. Every trial builds and fits its own model through the same code as Run.
func Tune(ctx context.Context, args TunerFnArgs) (*SearchResult, error) {
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	maxTrials := args.MaxTrials
	if maxTrials <= 0 {
		maxTrials = MaxTrials
	}
	workers := args.Workers
	if workers <= 0 {
		workers = TrialWorkers
	}

	data, err := readTrainingData(args.TransformedExamples, args.TransformGraph)
	if err != nil {
		return nil, err
	}

	trials := make([]Trial, 0, maxTrials)
	for i, hp := range candidates(maxTrials, args.Seed) {
		trials = append(trials, Trial{ID: i, HyperParameters: hp})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trials {
		trial := &trials[i]
		g.Go(func() error {
			_, history, err := data.fit(gctx, trial.HyperParameters, args.CustomConfig, args.Seed+int64(trial.ID))
			if err != nil {
				return errors.Wrapf(err, "trial %d failed", trial.ID)
			}
			trial.Score = history.Last().ValBinaryAccuracy
			trial.Epochs = len(history.Epochs)
			logger.Infof("Trial %d num_neurons=%d %s=%.4f", trial.ID, trial.HyperParameters.NumNeurons, Objective, trial.Score)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &SearchResult{StudyID: StudyID(time.Now()), Trials: trials}
	if args.TuningArgs.RemoteTrialsWorkingDir != "" {
		logger.Infof("Study %s trials recorded under %s/%s", result.StudyID, args.TuningArgs.RemoteTrialsWorkingDir, result.StudyID)
	}
	best := -1
	for i, trial := range trials {
		if best < 0 || trial.Score > trials[best].Score {
			best = i
		}
	}
	if best < 0 {
		return nil, errors.New("search ran no trials")
	}
	result.Best = trials[best].HyperParameters

	if args.BestHyperParameters != "" {
		if err := SaveHyperParameters(args.BestHyperParameters, result.Best); err != nil {
			return nil, err
		}
	}
	return result, nil
}
