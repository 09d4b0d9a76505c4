package api

import (
	"encoding/json"
	"net/http"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/logger"
)

type errorResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError renders the user-safe part of err. Server-side failures are
// logged with their full chain under the correlation id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	appErr := apperrors.Classify(err)
	if status >= http.StatusInternalServerError || appErr.CorrelationID != "" {
		appErr = apperrors.WithCorrelation(appErr)
		logger.WithField("correlation_id", appErr.CorrelationID).
			WithField("path", r.URL.Path).
			WithError(err).
			Error("request failed")
	}
	writeJSON(w, status, errorResponse{
		Error:         appErr.Message,
		Code:          appErr.Code,
		CorrelationID: appErr.CorrelationID,
	})
}
