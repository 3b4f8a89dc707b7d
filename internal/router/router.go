// Package router matches request paths against route definitions and
// selects rate-limit policies. The compiled route table is cached in
// memory and refreshed on TTL expiry or explicit invalidation.
package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/middleware"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/reqctx"
	"github.com/perimeterhq/perimeter/internal/store"
)

// tableTTL bounds route-table staleness across instances; admin writes
// on other instances are visible within this window.
const tableTTL = 5 * time.Minute

const tableKey = "routes"

// Matcher resolves paths to routes using a cached compiled table.
type Matcher struct {
	routes   *store.RouteRepo
	policies *store.PolicyRepo
	cache    *otter.Cache[string, *table]
}

type table struct {
	routes   []compiledRoute
	policies map[string][]model.RateLimitPolicy
}

type compiledRoute struct {
	def      model.APIDefinition
	segments []string
	tailGlob bool
}

func NewMatcher(routes *store.RouteRepo, policies *store.PolicyRepo) (*Matcher, error) {
	cache, err := otter.New(&otter.Options[string, *table]{
		MaximumSize:      4,
		ExpiryCalculator: otter.ExpiryWriting[string, *table](tableTTL),
	})
	if err != nil {
		return nil, err
	}
	return &Matcher{routes: routes, policies: policies, cache: cache}, nil
}

// Invalidate drops the cached table; the next request recompiles it.
// Called after config reload and admin route changes.
func (m *Matcher) Invalidate() {
	m.cache.Invalidate(tableKey)
}

func (m *Matcher) load(ctx context.Context) (*table, error) {
	if t, ok := m.cache.GetIfPresent(tableKey); ok {
		return t, nil
	}

	defs, err := m.routes.List(ctx)
	if err != nil {
		return nil, err
	}
	pols, err := m.policies.List(ctx)
	if err != nil {
		return nil, err
	}

	t := &table{policies: make(map[string][]model.RateLimitPolicy, len(defs))}
	for _, d := range defs {
		t.routes = append(t.routes, compile(d))
	}
	for _, p := range pols {
		t.policies[p.APIDefinitionID] = append(t.policies[p.APIDefinitionID], p)
	}
	m.cache.Set(tableKey, t)
	return t, nil
}

func compile(d model.APIDefinition) compiledRoute {
	pattern := strings.Trim(d.RoutePattern, "/")
	cr := compiledRoute{def: d}
	if pattern == "" {
		return cr
	}
	cr.segments = strings.Split(pattern, "/")
	last := len(cr.segments) - 1
	if cr.segments[last] == "*" {
		cr.segments = cr.segments[:last]
		cr.tailGlob = true
	}
	return cr
}

// match reports whether path hits this route. Pattern segments may be
// literals, ":param" placeholders, or "*" (one segment); a trailing
// "*" swallows the rest of the path.
func (cr *compiledRoute) match(path string) bool {
	path = strings.Trim(path, "/")
	var segs []string
	if path != "" {
		segs = strings.Split(path, "/")
	}

	// A trailing glob swallows at least one segment, so "/a/*" does
	// not match the bare "/a".
	need := len(cr.segments)
	if cr.tailGlob {
		need++
	}
	if len(segs) < need {
		return false
	}
	if len(segs) > len(cr.segments) && !cr.tailGlob {
		return false
	}
	for i, ps := range cr.segments {
		if ps == "*" || strings.HasPrefix(ps, ":") {
			continue
		}
		if ps != segs[i] {
			return false
		}
	}
	return true
}

// Resolve returns the first-registered route matching path, or an error
// from the routing taxonomy. A disabled route matches and then rejects,
// so disabling an API turns requests away with 403, not 404.
func (m *Matcher) Resolve(ctx context.Context, method, path string) (*model.APIDefinition, error) {
	t, err := m.load(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}

	for i := range t.routes {
		cr := &t.routes[i]
		if !cr.match(path) {
			continue
		}
		if !cr.def.Enabled {
			return nil, errors.ErrAPIDisabled
		}
		if !cr.def.AllowedMethods.Allows(method) {
			return nil, errors.ErrRouteNotFound
		}
		return &cr.def, nil
	}
	return nil, errors.ErrRouteNotFound
}

// PolicyFor selects the rate-limit policy for a route and tier: exact
// tier match first, then the default (empty tier) policy, else nil and
// rate limiting is skipped.
func (m *Matcher) PolicyFor(ctx context.Context, routeID string, tier model.Tier) (*model.RateLimitPolicy, error) {
	t, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	var fallback *model.RateLimitPolicy
	pols := t.policies[routeID]
	for i := range pols {
		switch pols[i].Tier {
		case tier:
			return &pols[i], nil
		case "":
			fallback = &pols[i]
		}
	}
	return fallback, nil
}

// Middleware matches the request to a route and records it (and the
// caller's policy) in the request context.
func Middleware(m *Matcher) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r)

			route, err := m.Resolve(r.Context(), r.Method, r.URL.Path)
			if err != nil {
				errors.AsGatewayError(err).WithRequestID(rc.RequestID).WriteJSON(w)
				return
			}
			rc.Route = route

			policy, err := m.PolicyFor(r.Context(), route.ID, rc.Tier())
			if err != nil {
				errors.AsGatewayError(err).WithRequestID(rc.RequestID).WriteJSON(w)
				return
			}
			rc.Policy = policy

			next.ServeHTTP(w, r)
		})
	}
}
