package routes

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/trainer"
)

// ServedModel is a pushed model loaded for serving.
type ServedModel struct {
	Name    string
	Version int64
	Path    string
	Model   *trainer.SavedModel
}

// VersionStatus describes one loaded model version.
type VersionStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Status  struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

// ModelStatusResponse lists the loaded versions of a model.
type ModelStatusResponse struct {
	ModelVersionStatus []VersionStatus `json:"model_version_status"`
}

// ModelStatusRequest creates a get request handler reporting the served model version.
func ModelStatusRequest(cfg *config.Config, model *ServedModel) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		status := VersionStatus{Version: strconv.FormatInt(model.Version, 10), State: "AVAILABLE"}
		status.Status.ErrorCode = "OK"
		if err := handleJSON(w, ModelStatusResponse{[]VersionStatus{status}}); err != nil {
			handleErrorType(w, errors.Wrap(err, "failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}

// ModelMetadataResponse describes the serving signature.
type ModelMetadataResponse struct {
	Name            string                  `json:"name"`
	Version         string                  `json:"version"`
	Signature       string                  `json:"signature_name"`
	LabelKey        string                  `json:"label_key"`
	FeatureKeys     []string                `json:"feature_keys"`
	HyperParameters trainer.HyperParameters `json:"hyperparameters"`
}

// ModelMetadataRequest creates a get request handler returning the serving signature metadata.
func ModelMetadataRequest(cfg *config.Config, model *ServedModel) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		response := ModelMetadataResponse{
			Name:            model.Name,
			Version:         strconv.FormatInt(model.Version, 10),
			Signature:       model.Model.Signature,
			LabelKey:        model.Model.LabelKey,
			FeatureKeys:     model.Model.FeatureKeys,
			HyperParameters: model.Model.HyperParameters,
		}
		if err := handleJSON(w, response); err != nil {
			handleErrorType(w, errors.Wrap(err, "failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}
