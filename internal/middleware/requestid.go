package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/perimeterhq/perimeter/internal/realip"
	"github.com/perimeterhq/perimeter/internal/reqctx"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-Id"

// Parser is the first pipeline stage: it seeds the request context with
// a request id (inbound header trusted when present, else generated),
// the resolved client IP and the start time.
func Parser(extractor *realip.Extractor) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}

			rc := &reqctx.Context{
				RequestID: requestID,
				ClientIP:  extractor.Extract(r),
				StartTime: time.Now(),
			}

			r.Header.Set(RequestIDHeader, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), rc)))
		})
	}
}
