// Package gateway assembles the request pipeline and the control
// surfaces into one http.Handler.
package gateway

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/perimeterhq/perimeter/internal/auth"
	"github.com/perimeterhq/perimeter/internal/autoblock"
	"github.com/perimeterhq/perimeter/internal/config"
	"github.com/perimeterhq/perimeter/internal/health"
	"github.com/perimeterhq/perimeter/internal/iprules"
	"github.com/perimeterhq/perimeter/internal/metrics"
	"github.com/perimeterhq/perimeter/internal/middleware"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/proxy"
	"github.com/perimeterhq/perimeter/internal/ratelimit"
	"github.com/perimeterhq/perimeter/internal/realip"
	"github.com/perimeterhq/perimeter/internal/router"
)

// Name identifies the gateway in response headers.
const Name = "perimeter"

// bypassPrefixes route to the control surfaces instead of the
// enforcement pipeline. They still pass the outer stages (parser,
// logging, metrics, response headers) and the IP rules, so a blocked
// address cannot keep hammering the auth surface.
var bypassPrefixes = []string{"/health", "/auth/", "/metrics"}

// Deps are the wired components the pipeline is assembled from.
type Deps struct {
	Config    *config.Config
	Extractor *realip.Extractor
	IPRules   *iprules.Checker
	Auth      *auth.Authenticator
	AuthSvc   *auth.Service
	Matcher   *router.Matcher
	Limiter   *ratelimit.Limiter
	Blocker   *autoblock.Blocker
	Proxy     *proxy.Proxy
	Metrics   *metrics.Registry
	Health    *health.Checker
}

// Gateway is the assembled handler.
type Gateway struct {
	handler http.Handler
}

// New builds the pipeline. Proxied traffic runs the full stage order;
// bypass prefixes go to the control mux after the outer stages.
func New(d Deps) *Gateway {
	ctl := httprouter.New()
	ctl.HandlerFunc(http.MethodPost, "/auth/signup", d.AuthSvc.Signup)
	ctl.HandlerFunc(http.MethodPost, "/auth/login", d.AuthSvc.Login)
	ctl.HandlerFunc(http.MethodPost, "/auth/refresh", d.AuthSvc.Refresh)
	ctl.HandlerFunc(http.MethodPost, "/auth/logout", d.AuthSvc.Logout)
	ctl.HandlerFunc(http.MethodGet, "/health", d.Health.Health)
	ctl.HandlerFunc(http.MethodGet, "/health/detailed", d.Health.Detailed)
	ctl.Handler(http.MethodGet, "/metrics", d.Metrics.Handler())

	proxied := middleware.NewChain(
		d.Auth.Middleware(),
		router.Middleware(d.Matcher),
		auth.RequireScope(),
		ratelimit.Middleware(d.Limiter, d.Blocker,
			model.FailureMode(d.Config.RateLimit.DefaultFailureMode)),
	).Then(d.Proxy)

	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypassed(r.URL.Path) {
			ctl.ServeHTTP(w, r)
			return
		}
		proxied.ServeHTTP(w, r)
	})

	// IP rules sit outside the dispatch so block rules hold on every
	// surface, auth and health included.
	handler := middleware.NewChain(
		middleware.Parser(d.Extractor),
		middleware.Recovery(),
		middleware.SecurityHeaders(Name),
		middleware.CORS(d.Config.CORS.AllowedOrigins),
		d.Metrics.Middleware(),
		middleware.AccessLog(),
		iprules.Middleware(d.IPRules),
	).Then(dispatch)

	return &Gateway{handler: handler}
}

func bypassed(path string) bool {
	for _, prefix := range bypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}
