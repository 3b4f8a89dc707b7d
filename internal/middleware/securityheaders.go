package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/perimeterhq/perimeter/internal/reqctx"
)

// GatewayHeader identifies responses produced or forwarded by the
// gateway.
const GatewayHeader = "X-Gateway"

// SecurityHeaders sets conservative response headers and stamps the
// gateway signature plus total processing time on every response.
func SecurityHeaders(gatewayName string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set(GatewayHeader, gatewayName)

			rw := newResponseWriter(w)
			next.ServeHTTP(&timedWriter{rw, reqctx.From(r)}, r)
		})
	}
}

// timedWriter stamps X-Response-Time just before headers flush, so the
// value covers every stage up to the first byte of the response.
type timedWriter struct {
	*responseWriter
	rc *reqctx.Context
}

func (w *timedWriter) WriteHeader(status int) {
	if !w.wroteHeader && !w.rc.StartTime.IsZero() {
		ms := time.Since(w.rc.StartTime).Milliseconds()
		w.Header().Set("X-Response-Time", strconv.FormatInt(ms, 10)+"ms")
	}
	w.responseWriter.WriteHeader(status)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.responseWriter.Write(b)
}
