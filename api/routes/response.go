package routes

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

func handleJSON(w http.ResponseWriter, data interface{}) error {
	// marshal data
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	// write response
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	if err != nil {
		return err
	}
	return nil
}

// handleErrorType logs the error and responds with the status code. Client errors echo the error
// message, server errors a generic one.
func handleErrorType(w http.ResponseWriter, err error, code int, logger *zap.SugaredLogger) {
	if code >= http.StatusInternalServerError {
		logger.Errorf("%+v", err)
		http.Error(w, "An error occured on the server while processing the request", code)
		return
	}
	logger.Warnf("%v", err)
	http.Error(w, err.Error(), code)
}
