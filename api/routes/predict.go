package routes

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/trainer"
)

// PredictRequestData is the body of a predict request. Each instance maps raw feature names to
// values; a label key in an instance is ignored.
type PredictRequestData struct {
	Instances []map[string]float64 `json:"instances"`
}

// PredictResponse holds one single-output prediction per instance.
type PredictResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

// PredictRequest creates a post request handler that scores raw instances with the served model.
func PredictRequest(cfg *config.Config, model *ServedModel, metrics *Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := http.StatusOK
		defer func() {
			metrics.Requests.WithLabelValues(model.Name, strconv.Itoa(code)).Inc()
			metrics.Latency.Observe(time.Since(start).Seconds())
		}()

		body, err := ioutil.ReadAll(r.Body)
		defer r.Body.Close()
		if err != nil {
			code = http.StatusBadRequest
			handleErrorType(w, errors.Wrap(err, "failed to read predict request body"), code, cfg.Logger)
			return
		}

		var request PredictRequestData
		if err := json.Unmarshal(body, &request); err != nil {
			code = http.StatusBadRequest
			handleErrorType(w, errors.Wrap(err, "failed to unmarshal predict request body"), code, cfg.Logger)
			return
		}
		if len(request.Instances) == 0 {
			code = http.StatusBadRequest
			handleErrorType(w, errors.New("instances missing"), code, cfg.Logger)
			return
		}

		scores, err := model.Model.Serve(request.Instances)
		if err != nil {
			code = http.StatusInternalServerError
			handleErrorType(w, errors.Wrap(err, "failed to score instances"), code, cfg.Logger)
			return
		}

		response := PredictResponse{Predictions: make([][]float64, len(scores))}
		for i, p := range scores {
			response.Predictions[i] = []float64{p}
			if trainer.BinaryPrediction(p) == 1 {
				metrics.Fraud.Inc()
			}
		}
		metrics.Instances.Add(float64(len(scores)))

		if err := handleJSON(w, response); err != nil {
			code = http.StatusInternalServerError
			handleErrorType(w, errors.Wrap(err, "failed to generate response"), code, cfg.Logger)
		}
	}
}
