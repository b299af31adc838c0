package model

import "context"

// RequestContext identifies the caller of an admin API request. The
// middleware builds it once per request from the verified token, or as the
// anonymous subject when auth is off.
type RequestContext struct {
	SubjectID string
	TenantID  string
	Roles     []string
	RequestID string
	TraceID   string
}

// Anonymous is the subject recorded when auth is disabled.
const Anonymous = "anonymous"

// Tenant returns the caller's tenant, or fallback when the token carried none.
func (rc *RequestContext) Tenant(fallback string) string {
	if rc == nil || rc.TenantID == "" {
		return fallback
	}
	return rc.TenantID
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the request's RequestContext, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
