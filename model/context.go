package model

import (
	"context"
	"errors"
	"slices"
)

// Roles recognised by the pipeline service.
const (
	RoleAdmin  = "admin"
	RoleSeller = "vendedor"
)

// ErrNoSubject is returned by Validate for a token without a subject.
var ErrNoSubject = errors.New("model: request has no subject")

// RequestContext is the caller identity resolved from the bearer token,
// plus the ids used to correlate its logs and traces. Treat it as read-only
// once attached to a context.
type RequestContext struct {
	SubjectID string
	Email     string
	Name      string
	Roles     []string

	// Token is forwarded to the pipeline service and never logged.
	Token string

	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate reports ErrNoSubject when SubjectID is empty. Sessions are keyed
// by subject, so a request without one cannot be served.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return ErrNoSubject
	}
	return nil
}

func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// IsAdmin reports whether the caller may delete opportunities and see every
// seller's board.
func (rc *RequestContext) IsAdmin() bool {
	return rc.HasRole(RoleAdmin)
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the context's RequestContext, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// SubjectFrom returns the authenticated subject id. ok is false for
// anonymous contexts.
func SubjectFrom(ctx context.Context) (subjectID string, ok bool) {
	rc := RequestContextFrom(ctx)
	if rc == nil || rc.SubjectID == "" {
		return "", false
	}
	return rc.SubjectID, true
}
