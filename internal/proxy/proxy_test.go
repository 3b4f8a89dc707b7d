package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/perimeterhq/perimeter/internal/circuitbreaker"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/reqctx"
)

func newProxy(t *testing.T, cfg Config) (*Proxy, *circuitbreaker.Breaker, *[]time.Duration) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := circuitbreaker.New(rdb, circuitbreaker.Config{})
	p := New(b, cfg)

	slept := &[]time.Duration{}
	p.sleep = func(d time.Duration) { *slept = append(*slept, d) }
	return p, b, slept
}

func routeFor(backendURL string) *model.APIDefinition {
	return &model.APIDefinition{
		ID:           "route-1",
		Name:         "orders",
		RoutePattern: "/api/orders/*",
		BackendURL:   backendURL,
		Enabled:      true,
	}
}

func doProxy(p *Proxy, route *model.APIDefinition, r *http.Request) (*httptest.ResponseRecorder, *reqctx.Context) {
	rc := &reqctx.Context{
		RequestID: "req-123",
		ClientIP:  "198.51.100.9",
		Route:     route,
	}
	r = r.WithContext(reqctx.With(r.Context(), rc))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)
	return w, rc
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("response is not an error envelope: %q", body)
	}
	return env.Error.Code
}

func TestForwardsAllowlistedHeadersOnly(t *testing.T) {
	var got http.Header
	var gotPath, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	p, _, _ := newProxy(t, Config{})
	r := httptest.NewRequest(http.MethodGet, "/api/orders/42?full=1", nil)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Accept-Language", "en")
	r.Header.Set("User-Agent", "test-client/1.0")
	r.Header.Set("X-Request-Id", "req-123")
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("X-API-Key", "pk_secret")
	r.Header.Set("Cookie", "session=abc")

	w, rc := doProxy(p, routeFor(backend.URL), r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if gotPath != "/api/orders/42" || gotQuery != "full=1" {
		t.Errorf("upstream saw %s?%s", gotPath, gotQuery)
	}
	for _, h := range []string{"Content-Type", "Accept", "Accept-Language", "User-Agent", "X-Request-Id"} {
		if got.Get(h) == "" {
			t.Errorf("allowlisted header %s not forwarded", h)
		}
	}
	for _, h := range []string{"Authorization", "X-Api-Key", "Cookie"} {
		if got.Get(h) != "" {
			t.Errorf("header %s leaked upstream", h)
		}
	}
	if got.Get("X-Forwarded-For") != "198.51.100.9" {
		t.Errorf("X-Forwarded-For = %q", got.Get("X-Forwarded-For"))
	}
	if got.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got.Get("X-Forwarded-Proto"))
	}
	if got.Get("X-Forwarded-Host") == "" {
		t.Error("X-Forwarded-Host missing")
	}
	if got.Get("X-User-Id") != "" || got.Get("X-User-Tier") != "" {
		t.Error("identity headers set for unauthenticated request")
	}
	if rc.UpstreamStatus != http.StatusOK {
		t.Errorf("UpstreamStatus = %d", rc.UpstreamStatus)
	}
	if rc.UpstreamTime <= 0 {
		t.Error("UpstreamTime not recorded")
	}
}

func TestForwardsIdentityWhenAuthenticated(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer backend.Close()

	p, _, _ := newProxy(t, Config{})
	rc := &reqctx.Context{
		RequestID:  "req-123",
		ClientIP:   "198.51.100.9",
		Route:      routeFor(backend.URL),
		User:       &model.User{ID: "user-1", Tier: model.TierPro},
		AuthMethod: reqctx.AuthBearer,
		CallerTier: model.TierPro,
	}
	r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	r = r.WithContext(reqctx.With(r.Context(), rc))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	if got.Get("X-User-Id") != "user-1" {
		t.Errorf("X-User-Id = %q", got.Get("X-User-Id"))
	}
	if got.Get("X-User-Tier") != "pro" {
		t.Errorf("X-User-Tier = %q", got.Get("X-User-Tier"))
	}
}

func TestStripsHopByHopFromResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Upgrade", "h2c")
		w.Header().Set("X-Backend-Version", "7")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	p, _, _ := newProxy(t, Config{})
	w, _ := doProxy(p, routeFor(backend.URL), httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if w.Header().Get("Keep-Alive") != "" || w.Header().Get("Upgrade") != "" {
		t.Error("hop-by-hop response headers not stripped")
	}
	if w.Header().Get("X-Backend-Version") != "7" {
		t.Error("end-to-end response header dropped")
	}
}

func TestRetriesOnRetryableStatus(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer backend.Close()

	p, _, sleptPtr := newProxy(t, Config{})
	r := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"n":1}`))
	w, _ := doProxy(p, routeFor(backend.URL), r)

	if w.Code != http.StatusOK || w.Body.String() != "recovered" {
		t.Fatalf("status = %d body = %q", w.Code, w.Body.String())
	}
	if calls != 3 {
		t.Errorf("backend called %d times, want 3", calls)
	}
	slept := *sleptPtr
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("backoff sleeps = %v, want [1s 2s]", slept)
	}
}

func TestRetryReplaysRequestBody(t *testing.T) {
	var bodies []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 64)
		n, _ := r.Body.Read(b)
		bodies = append(bodies, string(b[:n]))
		if len(bodies) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer backend.Close()

	p, _, _ := newProxy(t, Config{})
	r := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("payload"))
	doProxy(p, routeFor(backend.URL), r)

	if len(bodies) != 2 || bodies[0] != "payload" || bodies[1] != "payload" {
		t.Errorf("bodies = %v, want payload twice", bodies)
	}
}

func TestExhaustedRetriesPassThroughFinalStatus(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream says no"))
	}))
	defer backend.Close()

	p, _, _ := newProxy(t, Config{})
	w, rc := doProxy(p, routeFor(backend.URL), httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if calls != 3 {
		t.Errorf("backend called %d times, want 3", calls)
	}
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 passed through", w.Code)
	}
	if w.Body.String() != "upstream says no" {
		t.Errorf("final attempt body not passed through: %q", w.Body.String())
	}
	if rc.UpstreamStatus != http.StatusBadGateway {
		t.Errorf("UpstreamStatus = %d", rc.UpstreamStatus)
	}
}

func TestNonRetryableServerErrorNotRetried(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	p, _, _ := newProxy(t, Config{})
	w, _ := doProxy(p, routeFor(backend.URL), httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if calls != 1 {
		t.Errorf("backend called %d times, want 1 (500 is not retryable)", calls)
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestClientErrorsAreNotBreakerFailures(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	p, b, _ := newProxy(t, Config{})
	for i := 0; i < 10; i++ {
		doProxy(p, routeFor(backend.URL), httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	}

	st, err := b.State(context.Background(), "route-1")
	if err != nil {
		t.Fatal(err)
	}
	if st != circuitbreaker.StateClosed {
		t.Errorf("breaker state %s after 4xx responses, want closed", st)
	}
}

func TestBreakerOpensAndRejects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	p, _, _ := newProxy(t, Config{})
	route := routeFor(backend.URL)

	// Five 500s trip the breaker (one report per attempt, no retries on 500).
	for i := 0; i < 5; i++ {
		doProxy(p, route, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	}

	w, _ := doProxy(p, route, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 from open breaker", w.Code)
	}
	if code := errorCode(t, w.Body.String()); code != "UPSTREAM_ERROR" {
		t.Errorf("code = %s", code)
	}
}

func TestConnectionErrorReturnsUpstreamError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // nothing listening

	p, _, _ := newProxy(t, Config{})
	w, _ := doProxy(p, routeFor(backend.URL), httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if code := errorCode(t, w.Body.String()); code != "UPSTREAM_ERROR" {
		t.Errorf("code = %s", code)
	}
}

func TestAttemptTimeoutReturnsGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	p, _, _ := newProxy(t, Config{AttemptTimeout: 50 * time.Millisecond})
	w, _ := doProxy(p, routeFor(backend.URL), httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
	if code := errorCode(t, w.Body.String()); code != "UPSTREAM_TIMEOUT" {
		t.Errorf("code = %s", code)
	}
}
