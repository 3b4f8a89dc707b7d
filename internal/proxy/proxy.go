// Package proxy forwards matched requests to their route's backend,
// guarded by the circuit breaker and retried on retryable upstream
// statuses.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/circuitbreaker"
	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/middleware"
	"github.com/perimeterhq/perimeter/internal/reqctx"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultMaxRetries     = 2
	defaultBackoff        = time.Second
)

// forwardedHeaders is the allowlist copied from the inbound request.
// Everything else, credentials included, stays at the gateway.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"User-Agent",
	middleware.RequestIDHeader,
}

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// StateRecorder receives breaker state changes, normally the metrics
// gauge.
type StateRecorder interface {
	SetBreakerState(route, state string)
}

// Config holds forwarding parameters.
type Config struct {
	// AttemptTimeout bounds each upstream attempt, not the whole
	// retry sequence. Defaults to 30s.
	AttemptTimeout time.Duration
	// MaxRetries is the number of extra attempts on retryable
	// statuses. Defaults to 2.
	MaxRetries int
	// InitialBackoff is the wait before the first retry; it doubles
	// per attempt. Defaults to 1s.
	InitialBackoff time.Duration
	// Transport overrides the default pooled transport, for tests.
	Transport http.RoundTripper
	// States receives the breaker state after each report. Optional.
	States StateRecorder
}

// Proxy forwards requests for the matched route.
type Proxy struct {
	transport      http.RoundTripper
	breaker        *circuitbreaker.Breaker
	states         StateRecorder
	attemptTimeout time.Duration
	maxRetries     int
	initialBackoff time.Duration

	sleep func(time.Duration)
}

func New(breaker *circuitbreaker.Breaker, cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	timeout := cfg.AttemptTimeout
	if timeout == 0 {
		timeout = defaultAttemptTimeout
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	initial := cfg.InitialBackoff
	if initial == 0 {
		initial = defaultBackoff
	}
	return &Proxy{
		transport:      transport,
		breaker:        breaker,
		states:         cfg.States,
		attemptTimeout: timeout,
		maxRetries:     retries,
		initialBackoff: initial,
		sleep:          time.Sleep,
	}
}

// ServeHTTP forwards the request to the matched route's backend. The
// router stage must have run; an unset route is a pipeline bug.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.From(r)
	route := rc.Route
	if route == nil {
		errors.ErrInternal.WithRequestID(rc.RequestID).WriteJSON(w)
		return
	}

	if err := p.breaker.Allow(r.Context(), route.ID); err != nil {
		writeGatewayError(w, rc, err)
		return
	}

	target, err := url.Parse(route.BackendURL)
	if err != nil {
		logging.Error("route has unparseable backend url",
			zap.String("route", route.Name), zap.Error(err))
		errors.ErrUpstream.WithRequestID(rc.RequestID).WriteJSON(w)
		return
	}

	// Buffer the body so retries can replay it.
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			errors.ErrValidation.WithDetails("failed to read request body").
				WithRequestID(rc.RequestID).WriteJSON(w)
			return
		}
	}

	resp, err := p.forward(r, rc, target, body)
	if err != nil {
		writeGatewayError(w, rc, err)
		return
	}
	defer resp.Body.Close()

	rc.UpstreamStatus = resp.StatusCode

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// forward runs the attempt loop: up to the configured extra attempts
// on retryable statuses, backing off 1s then 2s. Every attempt outcome
// is reported to the breaker exactly once.
func (p *Proxy) forward(r *http.Request, rc *reqctx.Context, target *url.URL, body []byte) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.Reset()

	start := time.Now()
	defer func() { rc.UpstreamTime = time.Since(start) }()

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.sleep(bo.NextBackOff())
		}

		resp, err := p.attempt(r, rc, target, body)
		if err != nil {
			p.report(r.Context(), rc.Route.ID, true)
			// Connection errors and timeouts are not retryable.
			return nil, classifyAttemptError(err)
		}

		if resp.StatusCode >= 500 {
			p.report(r.Context(), rc.Route.ID, true)
			if retryable(resp.StatusCode) && attempt < p.maxRetries {
				lastErr = errors.ErrUpstream.WithDetails(fmt.Sprintf("upstream returned %d", resp.StatusCode))
				resp.Body.Close()
				continue
			}
			// Terminal 5xx responses pass through as-is.
			return resp, nil
		}

		p.report(r.Context(), rc.Route.ID, false)
		return resp, nil
	}
	return nil, lastErr
}

func (p *Proxy) attempt(r *http.Request, rc *reqctx.Context, target *url.URL, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), p.attemptTimeout)

	req := p.buildRequest(ctx, r, rc, target, body)
	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		// Transport errors for an expired attempt surface in varied
		// shapes; the attempt context is authoritative.
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		cancel()
		return nil, err
	}
	// The body must be drained before the attempt context is released.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// buildRequest constructs the upstream request: allowlisted headers,
// forwarding metadata and caller identity, hop-by-hop headers never
// copied.
func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, rc *reqctx.Context, target *url.URL, body []byte) *http.Request {
	u := *target
	u.Path = singleJoiningSlash(target.Path, r.URL.Path)
	u.RawQuery = r.URL.RawQuery

	req := (&http.Request{
		Method:     r.Method,
		URL:        &u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header, len(forwardedHeaders)+5),
		Host:       target.Host,
	}).WithContext(ctx)

	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	req.Header.Set("X-Forwarded-For", rc.ClientIP)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Host", r.Host)

	if rc.Authenticated() {
		if id := rc.UserID(); id != "" {
			req.Header.Set("X-User-Id", id)
		}
		req.Header.Set("X-User-Tier", string(rc.Tier()))
	}

	stripHopHeaders(req.Header)
	return req
}

func (p *Proxy) report(ctx context.Context, routeID string, failure bool) {
	state := p.breaker.Report(ctx, routeID, failure)
	if p.states != nil && state != "" {
		p.states.SetBreakerState(routeID, state)
	}
}

// retryable statuses per the retry policy: transient upstream failures
// only. Other 5xx (500, 501) pass through untouched.
func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func classifyAttemptError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.ErrUpstreamTimeout
	}
	return errors.ErrUpstream.WithDetails(err.Error())
}

func writeGatewayError(w http.ResponseWriter, rc *reqctx.Context, err error) {
	var ge *errors.GatewayError
	if !errors.As(err, &ge) {
		ge = errors.ErrUpstream
	}
	rc.UpstreamStatus = 0
	ge.WithRequestID(rc.RequestID).WriteJSON(w)
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	stripHopHeaders(dst)
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// cancelOnClose ties an attempt's context to its response body so the
// timeout holds until the caller finishes reading.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	}
	return a + b
}
