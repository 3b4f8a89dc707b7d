package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/autoblock"
	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/middleware"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/reqctx"
)

// Middleware is the rate-limiting pipeline stage. Requests without a
// policy pass through untouched. Denials report rate_limit_abuse to
// the auto-blocker. When the shared cache is unreachable the policy's
// failure mode decides: open allows and logs, closed rejects with 503.
func Middleware(l *Limiter, blocker *autoblock.Blocker, defaultMode model.FailureMode) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r)
			policy := rc.Policy
			if policy == nil {
				next.ServeHTTP(w, r)
				return
			}

			decision, release, err := l.Allow(r.Context(), policy, rc.Tier(), rc.Identifier())
			if err != nil {
				mode := policy.FailureMode
				if mode == "" {
					mode = defaultMode
				}
				if mode == model.FailClosed {
					errors.ErrRateLimiter.WithRequestID(rc.RequestID).WriteJSON(w)
					return
				}
				logging.Warn("rate limiter unavailable, failing open",
					zap.String("route", policy.APIDefinitionID),
					zap.String("strategy", string(policy.Strategy)),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, decision)

			if !decision.Allowed {
				blocker.Record(r.Context(), autoblock.KindRateLimitAbuse, rc.ClientIP)
				retrySecs := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retrySecs < 1 {
					retrySecs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
				errors.ErrRateLimited.
					WithDetails(fmt.Sprintf("strategy=%s remaining=%d retry_after=%ds",
						policy.Strategy, decision.Remaining, retrySecs)).
					WithRequestID(rc.RequestID).
					WriteJSON(w)
				return
			}

			// Concurrency slots are returned exactly once, even when a
			// later stage panics.
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d *Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}
