package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/reqctx"
)

// AccessLog emits one structured log line per request after the
// response has been written. It wraps the ResponseWriter so later
// stages see the recording writer.
func AccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			rc := reqctx.From(r)
			fields := []zap.Field{
				zap.String("request_id", rc.RequestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("client_ip", rc.ClientIP),
				zap.Int("status", rw.status),
				zap.Int64("bytes", rw.bytes),
				zap.Duration("duration", time.Since(rc.StartTime)),
			}
			if rc.Authenticated() {
				fields = append(fields, zap.String("auth_method", string(rc.AuthMethod)))
			}
			if uid := rc.UserID(); uid != "" {
				fields = append(fields, zap.String("user_id", uid))
			}
			if rc.APIKey != nil {
				fields = append(fields, zap.String("api_key_id", rc.APIKey.ID))
			}
			if rc.Route != nil {
				fields = append(fields, zap.String("route", rc.Route.Name))
			}
			if rc.UpstreamStatus != 0 {
				fields = append(fields,
					zap.Int("upstream_status", rc.UpstreamStatus),
					zap.Duration("upstream_time", rc.UpstreamTime),
				)
			}

			switch {
			case rw.status >= 500:
				logging.Error("request", fields...)
			case rw.status >= 400:
				logging.Warn("request", fields...)
			default:
				logging.Info("request", fields...)
			}
		})
	}
}
