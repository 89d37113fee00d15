package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
)

// statusForError maps the error taxonomy to an HTTP status
func statusForError(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err), errors.IsConfigurationError(err):
		return http.StatusBadRequest
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.IsExternalServiceError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status its class maps to.
// Server-side failures are logged; the client gets the message only.
func writeServiceError(w http.ResponseWriter, log *zap.SugaredLogger, r *http.Request, err error) {
	status := statusForError(err)
	log = logger.FromContext(r.Context(), log)
	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldError, err,
		)
	} else {
		log.Debugw("Request rejected",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, status,
			logger.FieldError, err,
		)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	writeError(w, status, msg)
}
