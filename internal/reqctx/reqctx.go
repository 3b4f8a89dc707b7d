// Package reqctx carries per-request state accumulated by the pipeline:
// identity, matched route, client address and upstream observations.
package reqctx

import (
	"context"
	"net/http"
	"time"

	"github.com/perimeterhq/perimeter/internal/model"
)

// AuthMethod names how the caller authenticated.
type AuthMethod string

const (
	AuthNone   AuthMethod = ""
	AuthBearer AuthMethod = "bearer"
	AuthAPIKey AuthMethod = "api_key"
)

// Context accumulates request state as pipeline stages run. Stages
// mutate the struct in place; it is request-scoped and never shared.
type Context struct {
	RequestID string
	ClientIP  string
	StartTime time.Time

	User       *model.User
	APIKey     *model.APIKey
	AuthMethod AuthMethod
	CallerTier model.Tier

	Route  *model.APIDefinition
	Policy *model.RateLimitPolicy

	UpstreamStatus int
	UpstreamTime   time.Duration
}

type ctxKey struct{}

// With attaches rc to ctx.
func With(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the request's Context, or an empty one when the parser
// stage has not run (control surfaces, tests).
func From(r *http.Request) *Context {
	if rc, ok := r.Context().Value(ctxKey{}).(*Context); ok {
		return rc
	}
	return &Context{}
}

// FromContext is From for places that only hold a context.Context.
func FromContext(ctx context.Context) *Context {
	if rc, ok := ctx.Value(ctxKey{}).(*Context); ok {
		return rc
	}
	return &Context{}
}

// Identifier returns the string the rate limiter keys on: user id, then
// API key id, then client IP.
func (rc *Context) Identifier() string {
	if rc.User != nil {
		return rc.User.ID
	}
	if rc.APIKey != nil {
		return rc.APIKey.ID
	}
	return rc.ClientIP
}

// Tier returns the caller's tier; unauthenticated callers limit as free.
func (rc *Context) Tier() model.Tier {
	if rc.CallerTier != "" {
		return rc.CallerTier
	}
	if rc.User != nil {
		return rc.User.Tier
	}
	return model.TierFree
}

// Authenticated reports whether any credential was accepted.
func (rc *Context) Authenticated() bool {
	return rc.AuthMethod != AuthNone
}

// UserID returns the authenticated user's id, or "".
func (rc *Context) UserID() string {
	if rc.User != nil {
		return rc.User.ID
	}
	return ""
}
