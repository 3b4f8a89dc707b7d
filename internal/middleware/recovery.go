package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/reqctx"
)

// Recovery converts panics in later stages into a 500 response. The
// panic and stack are logged; the client sees only the generic error.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					rc := reqctx.From(r)
					logging.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", rc.RequestID),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					gwErr := errors.ErrInternal.
						WithDetails(fmt.Sprintf("panic: %v", rec)).
						WithRequestID(rc.RequestID)
					gwErr.WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
