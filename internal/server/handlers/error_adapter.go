package handlers

import (
	"net/http"

	"github.com/3leaps/codequeue/internal/server/middleware"
	"github.com/3leaps/codequeue/pkg/queue"
)

// HTTPErrorResponder renders an error as an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// httpErrorResponder is the responder every handler routes errors through.
// Tests swap it to observe error paths without parsing wire bodies.
var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the responder; nil restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// defaultErrorResponder maps queue errors onto the API's status codes and
// stable error codes. Anything unrecognized is a 500.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case queue.IsNotFound(err):
		middleware.RespondError(w, r, http.StatusNotFound,
			"NOT_FOUND", err.Error(), nil)
	case queue.IsAmbiguousID(err):
		middleware.RespondError(w, r, http.StatusBadRequest,
			"AMBIGUOUS_ID", err.Error(), nil)
	case queue.IsInvalidTransition(err):
		middleware.RespondError(w, r, http.StatusConflict,
			"INVALID_TRANSITION", err.Error(), nil)
	case queue.IsCorruptRecord(err):
		middleware.RespondError(w, r, http.StatusInternalServerError,
			"CORRUPT_RECORD", err.Error(), nil)
	default:
		middleware.RespondError(w, r, http.StatusInternalServerError,
			"INTERNAL_ERROR", err.Error(), nil)
	}
}
