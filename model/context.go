package model

import (
	"context"
	"errors"
)

// SystemActor is recorded as the actor of transitions made by the engine
// itself (trigger firings, sweeps, frontier expansion).
const SystemActor = "system"

// RequestContext carries the authenticated caller and tenant for the
// lifetime of a request. It is not modified after the auth middleware
// builds it.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// Validate reports a missing subject or tenant. Every transition and audit
// record needs both.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("subject_id is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, errors.New("tenant_id is required"))
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom returns the subject recorded in the context, or SystemActor when
// the call did not originate from an authenticated request.
func ActorFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil && rctx.SubjectID != "" {
		return rctx.SubjectID
	}
	return SystemActor
}

// TenantFrom returns tenantID, falling back to the caller's tenant when it
// is empty. Engine calls without a caller keep the empty value.
func TenantFrom(ctx context.Context, tenantID string) string {
	if tenantID != "" {
		return tenantID
	}
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.TenantID
	}
	return ""
}
