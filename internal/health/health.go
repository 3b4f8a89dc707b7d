// Package health serves the liveness and diagnostic endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/circuitbreaker"
	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/store"
)

const checkTimeout = 2 * time.Second

// Checker probes the gateway's dependencies.
type Checker struct {
	rdb     redis.UniversalClient
	st      *store.Store
	breaker *circuitbreaker.Breaker
	version string
	started time.Time

	now func() time.Time
}

func New(rdb redis.UniversalClient, st *store.Store, breaker *circuitbreaker.Breaker, version string) *Checker {
	return &Checker{
		rdb:     rdb,
		st:      st,
		breaker: breaker,
		version: version,
		started: time.Now(),
		now:     time.Now,
	}
}

type dependency struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Each probe gets its own timeout budget: a dead cache must not eat
// the database check's time and report it down too.
func (c *Checker) checkCache(ctx context.Context) dependency {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := c.now()
	err := c.rdb.Ping(ctx).Err()
	return depResult(start, c.now(), err)
}

func (c *Checker) checkDatabase(ctx context.Context) dependency {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := c.now()
	err := c.st.Ping(ctx)
	return depResult(start, c.now(), err)
}

func depResult(start, end time.Time, err error) dependency {
	d := dependency{
		Status:    "ok",
		LatencyMS: float64(end.Sub(start).Microseconds()) / 1000,
	}
	if err != nil {
		d.Status = "down"
		d.Error = err.Error()
	}
	return d
}

// Health is the liveness endpoint. Returns 200 while every dependency
// answers, 503 otherwise.
func (c *Checker) Health(w http.ResponseWriter, r *http.Request) {
	cache := c.checkCache(r.Context())
	db := c.checkDatabase(r.Context())

	status := "ok"
	code := http.StatusOK
	if cache.Status != "ok" || db.Status != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": map[string]string{
			"cache":    cache.Status,
			"database": db.Status,
		},
	})
}

// Detailed reports per-dependency latency, uptime and the breaker state
// of every registered route.
func (c *Checker) Detailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	cache := c.checkCache(r.Context())
	db := c.checkDatabase(r.Context())

	status := "ok"
	code := http.StatusOK
	if cache.Status != "ok" || db.Status != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	breakers := map[string]string{}
	if db.Status == "ok" {
		routes, err := c.st.Routes.List(ctx)
		if err != nil {
			logging.Warn("health: listing routes failed", zap.Error(err))
		}
		for _, rt := range routes {
			state, err := c.breaker.State(ctx, rt.ID)
			if err != nil {
				state = "unknown"
			}
			breakers[rt.Name] = state
		}
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        c.version,
		"uptime_seconds": int64(c.now().Sub(c.started).Seconds()),
		"dependencies": map[string]dependency{
			"cache":    cache,
			"database": db,
		},
		"circuit_breakers": breakers,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
