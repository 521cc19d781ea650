// Package transport serves the funnel board over HTTP: routing, the
// middleware chain, authentication and the board handlers.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/model"
)

// WriteJSON encodes body with status. A nil body writes headers only.
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

// WriteData writes data wrapped in a successful envelope, the same shape the
// pipeline service answers with.
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, model.OK(data))
}

// WriteMessage writes a successful envelope without data.
func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, model.Envelope[any]{Success: true, Message: msg})
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Store sentinels are translated to their pipeline codes; anything else that
// is not an *ErrorEnvelope becomes a generic 500. The trace id is taken from
// the traceparent response header set by TracingMiddleware.
func WriteError(w http.ResponseWriter, err error) {
	ee := *toEnvelope(err)
	if ee.TraceID == "" {
		ee.TraceID = traceIDFromParent(w.Header().Get("Traceparent"))
	}
	WriteJSON(w, ee.HTTPStatus(), struct {
		Error *model.ErrorEnvelope `json:"error"`
	}{&ee})
}

func toEnvelope(err error) *model.ErrorEnvelope {
	var cause *model.ErrorEnvelope
	hasCause := errors.As(err, &cause)

	switch {
	case errors.Is(err, pipeline.ErrMoveFailed):
		if hasCause {
			return model.NewError(model.ErrMoveFailed, cause.Message)
		}
		return model.NewError(model.ErrMoveFailed, "")
	case errors.Is(err, pipeline.ErrNoLossReason):
		return model.NewError(model.ErrNoLossReason, "")
	case hasCause:
		return cause
	}
	return model.NewInternalError()
}

// traceIDFromParent extracts the trace id from a W3C traceparent value
// ("version-traceid-spanid-flags").
func traceIDFromParent(tp string) string {
	parts := strings.SplitN(tp, "-", 5)
	if len(parts) != 4 || len(parts[1]) != 32 {
		return ""
	}
	return parts[1]
}

func WriteNotFound(w http.ResponseWriter, msg string) { WriteError(w, model.NewNotFoundError(msg)) }

func WriteForbidden(w http.ResponseWriter, msg string) { WriteError(w, model.NewForbiddenError(msg)) }

// WriteValidationError answers 422 listing each offending field.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
