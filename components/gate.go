package components

import (
	"github.com/pkg/errors"
)

// GateState is the position of a candidate model in the evaluation gate.
type GateState string

// Gate states.
const (
	NoBaseline       GateState = "NoBaseline"
	BaselineResolved GateState = "BaselineResolved"
	Evaluated        GateState = "Evaluated"
	Blessed          GateState = "Blessed"
	Rejected         GateState = "Rejected"
)

// ErrGateTransition is returned when a gate operation is not valid in the current state.
var ErrGateTransition = errors.New("invalid evaluation gate transition")

// EvalConfig declares the metric threshold a candidate must meet on the overall slice.
type EvalConfig struct {
	LabelKey   string
	Metric     string
	LowerBound float64
}

// DefaultEvalConfig requires a binary accuracy of at least 0.6.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		LabelKey:   "Class",
		Metric:     "binary_accuracy",
		LowerBound: 0.6,
	}
}

// Parameters renders the config as stage parameters.
func (c EvalConfig) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"model_specs":   []interface{}{map[string]interface{}{"label_key": c.LabelKey}},
		"slicing_specs": []interface{}{map[string]interface{}{}},
		"metrics_specs": []interface{}{map[string]interface{}{
			"per_slice_thresholds": map[string]interface{}{
				c.Metric: map[string]interface{}{
					"value_threshold": map[string]interface{}{"lower_bound": c.LowerBound},
				},
			},
		}},
	}
}

// Gate decides whether a candidate model is blessed. The baseline is reported only; the decision
// is the value threshold alone.
type Gate struct {
	config    EvalConfig
	state     GateState
	baseline  *float64
	candidate float64
}

// NewGate creates a gate with no baseline.
func NewGate(config EvalConfig) *Gate {
	return &Gate{config: config, state: NoBaseline}
}

// State returns the current state.
func (g *Gate) State() GateState {
	return g.state
}

// ResolveBaseline records the baseline model's metric.
func (g *Gate) ResolveBaseline(value float64) error {
	if g.state != NoBaseline {
		return errors.Wrapf(ErrGateTransition, "resolve baseline in %s", g.state)
	}
	g.baseline = &value
	g.state = BaselineResolved
	return nil
}

// Evaluate records the candidate model's metric.
func (g *Gate) Evaluate(value float64) error {
	if g.state != NoBaseline && g.state != BaselineResolved {
		return errors.Wrapf(ErrGateTransition, "evaluate in %s", g.state)
	}
	g.candidate = value
	g.state = Evaluated
	return nil
}

// Decide blesses the candidate iff its metric is at least the lower bound.
func (g *Gate) Decide() (bool, error) {
	if g.state != Evaluated {
		return false, errors.Wrapf(ErrGateTransition, "decide in %s", g.state)
	}
	if g.candidate >= g.config.LowerBound {
		g.state = Blessed
		return true, nil
	}
	g.state = Rejected
	return false, nil
}

// Baseline returns the baseline metric when one was resolved.
func (g *Gate) Baseline() (float64, bool) {
	if g.baseline == nil {
		return 0, false
	}
	return *g.baseline, true
}
