// Package transport serves the workflow admin API: router, middleware and
// handlers over the engine, the definition registry and the event bus.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/sagaflow/model"
)

type errorBody struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// HTTPStatus maps an ErrorEnvelope code to its response status. Unknown codes
// are treated as internal errors.
func HTTPStatus(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrNotFound, model.ErrWorkflowNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrInvalidStateTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes body with the given status. A nil body writes headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError renders err as {"error": envelope}. Errors that do not wrap an
// *ErrorEnvelope are reported as INTERNAL_ERROR without their message.
func WriteError(w http.ResponseWriter, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}
	WriteJSON(w, HTTPStatus(env.Code), errorBody{Error: env})
}

func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}
