package model

import (
	"context"
	"slices"
)

// RoleAdmin is the default role that holds every capability.
const RoleAdmin = "admin"

// RequestContext identifies who is acting on an RFI during one request.
// Handlers treat it as read-only.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate rejects callers that cannot be attributed on the audit trail. The
// system actor is reserved for sweeps, so no token may claim it.
func (rc *RequestContext) Validate() error {
	switch rc.SubjectID {
	case "":
		return NewUnauthorizedError("token has no subject")
	case SystemActor:
		return NewUnauthorizedError("subject " + SystemActor + " is reserved")
	}
	return nil
}

// HasRole reports whether the caller was granted role.
func (rc *RequestContext) HasRole(role string) bool {
	return rc != nil && slices.Contains(rc.Roles, role)
}

// ActorID is the id written to audit entries. Work without a caller is
// attributed to SystemActor.
func (rc *RequestContext) ActorID() string {
	if rc == nil || rc.SubjectID == "" {
		return SystemActor
	}
	return rc.SubjectID
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom is the audit actor for ctx.
func ActorFrom(ctx context.Context) string {
	return RequestContextFrom(ctx).ActorID()
}
