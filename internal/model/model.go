// Package model defines the durable entities the gateway reads and the
// admin surfaces write: users, API keys, route definitions, rate-limit
// policies, IP rules and audit records.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Role is a user's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Tier selects which rate-limit policy applies to a caller.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// User is an authenticated principal. TokenVersion is bumped on password
// change or forced revocation, invalidating every outstanding token.
type User struct {
	ID             string    `db:"id" json:"id"`
	Email          string    `db:"email" json:"email"`
	PasswordDigest string    `db:"password_digest" json:"-"`
	Role           Role      `db:"role" json:"role"`
	Tier           Tier      `db:"tier" json:"tier"`
	TokenVersion   int64     `db:"token_version" json:"token_version"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyActive     KeyStatus = "active"
	KeyRevoked    KeyStatus = "revoked"
	KeyDeprecated KeyStatus = "deprecated"
)

// APIKey is a long-lived credential. Only the digest of the plaintext key
// is stored; the plaintext is shown exactly once at creation.
type APIKey struct {
	ID          string     `db:"id" json:"id"`
	UserID      string     `db:"user_id" json:"user_id"`
	KeyDigest   string     `db:"key_digest" json:"-"`
	Prefix      string     `db:"prefix" json:"prefix"`
	DisplayName string     `db:"display_name" json:"display_name"`
	Scopes      ScopeList  `db:"scopes" json:"scopes"`
	Status      KeyStatus  `db:"status" json:"status"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Usable reports whether the key may authenticate requests right now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.Status != KeyActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// Expired reports whether the key's expiry has passed. Expiry is benign
// for the auto-blocker, unlike an invalid digest.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// ScopeList is a set of "resource:action" grants with wildcard support.
// Stored as a comma-joined string column.
type ScopeList []string

// Grants reports whether any scope in the list covers required.
// "*" on either side of the colon matches anything; a bare "*" grants all.
func (s ScopeList) Grants(required string) bool {
	reqRes, reqAct, _ := strings.Cut(required, ":")
	for _, scope := range s {
		if scope == "*" || scope == required {
			return true
		}
		res, act, ok := strings.Cut(scope, ":")
		if !ok {
			continue
		}
		if (res == "*" || res == reqRes) && (act == "*" || act == reqAct) {
			return true
		}
	}
	return false
}

// APIDefinition is a proxyable route: a path pattern mapped to a backend.
type APIDefinition struct {
	ID             string     `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	RoutePattern   string     `db:"route_pattern" json:"route_pattern"`
	BackendURL     string     `db:"backend_url" json:"backend_url"`
	AllowedMethods MethodList `db:"allowed_methods" json:"allowed_methods"`
	RequiredScope  string     `db:"required_scope" json:"required_scope,omitempty"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// MethodList is a set of allowed HTTP verbs, stored comma-joined.
type MethodList []string

// Allows reports whether the method is permitted. An empty list allows all.
func (m MethodList) Allows(method string) bool {
	if len(m) == 0 {
		return true
	}
	for _, v := range m {
		if strings.EqualFold(v, method) {
			return true
		}
	}
	return false
}

// Validate checks route fields at write time.
func (d *APIDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("route name is required")
	}
	if d.RoutePattern == "" || !strings.HasPrefix(d.RoutePattern, "/") {
		return fmt.Errorf("route_pattern must start with /")
	}
	u, err := url.Parse(d.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend_url must be an absolute http(s) URL")
	}
	for _, m := range d.AllowedMethods {
		switch strings.ToUpper(m) {
		case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS":
		default:
			return fmt.Errorf("unsupported method %q", m)
		}
	}
	return nil
}

// Strategy names a rate-limiting algorithm.
type Strategy string

const (
	TokenBucket   Strategy = "token_bucket"
	LeakyBucket   Strategy = "leaky_bucket"
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	Concurrency   Strategy = "concurrency"
)

// FailureMode decides behavior when the shared cache is unreachable.
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

// RateLimitPolicy binds a strategy and its parameters to a route, either
// for one tier or as the default (Tier empty).
type RateLimitPolicy struct {
	ID              string      `db:"id" json:"id"`
	APIDefinitionID string      `db:"api_definition_id" json:"api_definition_id"`
	Tier            Tier        `db:"tier" json:"tier,omitempty"`
	Strategy        Strategy    `db:"strategy" json:"strategy"`
	Capacity        int         `db:"capacity" json:"capacity"`
	RefillRate      float64     `db:"refill_rate" json:"refill_rate,omitempty"`
	WindowSeconds   int         `db:"window_seconds" json:"window_seconds,omitempty"`
	FailureMode     FailureMode `db:"failure_mode" json:"failure_mode"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
}

// Validate enforces strategy-specific parameter requirements at write time.
func (p *RateLimitPolicy) Validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	switch p.Strategy {
	case TokenBucket, LeakyBucket:
		if p.RefillRate <= 0 {
			return fmt.Errorf("%s requires a positive refill_rate", p.Strategy)
		}
	case FixedWindow, SlidingWindow:
		if p.WindowSeconds <= 0 {
			return fmt.Errorf("%s requires a positive window_seconds", p.Strategy)
		}
	case Concurrency:
	default:
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	switch p.FailureMode {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("failure_mode must be open or closed")
	}
	return nil
}

// RuleType distinguishes block rules from allow (whitelist) rules.
type RuleType string

const (
	RuleBlock RuleType = "block"
	RuleAllow RuleType = "allow"
)

// IPRule blocks or allows a single IP. Auto-blocked rules always expire.
type IPRule struct {
	ID          string     `db:"id" json:"id"`
	IPAddress   string     `db:"ip_address" json:"ip_address"`
	RuleType    RuleType   `db:"rule_type" json:"rule_type"`
	Reason      string     `db:"reason" json:"reason,omitempty"`
	AutoBlocked bool       `db:"auto_blocked" json:"auto_blocked"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Active reports whether the rule is in force at now.
func (r *IPRule) Active(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// AuditEvent is an append-only security/audit record. Deletion is forbidden.
type AuditEvent struct {
	ID           string    `db:"id" json:"id"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	EventType    string    `db:"event_type" json:"event_type"`
	ActorUserID  string    `db:"actor_user_id" json:"actor_user_id,omitempty"`
	ActorIP      string    `db:"actor_ip" json:"actor_ip,omitempty"`
	ResourceType string    `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   string    `db:"resource_id" json:"resource_id,omitempty"`
	Changes      string    `db:"changes" json:"changes,omitempty"`
	Metadata     string    `db:"metadata" json:"metadata,omitempty"`
}
