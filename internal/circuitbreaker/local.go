package circuitbreaker

import (
	"sync"
	"time"
)

// localBreaker mirrors the shared breaker's transitions for one route
// on one instance. It only serves requests while the cache is down, so
// its state may lag the cluster; it re-converges through normal
// traffic once the cache returns.
type localBreaker struct {
	mu  sync.Mutex
	cfg Config

	state       string
	failures    int
	windowStart time.Time
	openedAt    time.Time
}

func newLocalBreaker(cfg Config) *localBreaker {
	return &localBreaker{cfg: cfg, state: StateClosed}
}

func (lb *localBreaker) allow(now time.Time) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	switch lb.state {
	case StateOpen:
		if now.Sub(lb.openedAt) >= lb.cfg.Cooldown {
			lb.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (lb *localBreaker) current() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.state
}

func (lb *localBreaker) report(now time.Time, failure bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.state == StateHalfOpen {
		if failure {
			lb.state = StateOpen
			lb.openedAt = now
		} else {
			lb.state = StateClosed
		}
		lb.failures = 0
		return
	}

	if lb.state != StateClosed {
		return
	}
	if !failure {
		lb.failures = 0
		return
	}
	if lb.failures == 0 || now.Sub(lb.windowStart) > lb.cfg.FailureWindow {
		lb.failures = 0
		lb.windowStart = now
	}
	lb.failures++
	if lb.failures >= lb.cfg.FailureThreshold {
		lb.state = StateOpen
		lb.openedAt = now
		lb.failures = 0
	}
}
