package routes

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the model server's prediction counters.
type Metrics struct {
	Requests  *prometheus.CounterVec
	Instances prometheus.Counter
	Fraud     prometheus.Counter
	Latency   prometheus.Histogram
}

// NewMetrics creates the prediction metrics and registers them.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_prediction_requests_total",
			Help: "Prediction requests by model and response code.",
		}, []string{"model", "code"}),
		Instances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fraud_predicted_instances_total",
			Help: "Instances scored.",
		}),
		Fraud: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fraud_predicted_fraud_total",
			Help: "Instances scored as fraudulent.",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_prediction_duration_seconds",
			Help:    "Time spent scoring a prediction request.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.Requests, m.Instances, m.Fraud, m.Latency} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register prediction metrics")
		}
	}
	return m, nil
}
