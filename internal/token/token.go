// Package token issues and verifies signed bearer tokens and manages
// refresh rotation and nonce revocation through the shared cache.
package token

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/model"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

const (
	blacklistPrefix = "blacklist:"
	refreshPrefix   = "refresh:"
)

// Claims is the full claim set carried by both token types.
type Claims struct {
	Type         string     `json:"type"`
	TokenVersion int64      `json:"token_version"`
	Role         model.Role `json:"role"`
	Tier         model.Tier `json:"tier"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair as returned by the auth surface.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Config holds signing settings.
type Config struct {
	Secret          string
	Algorithm       string
	Issuer          string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

// Manager signs, verifies, rotates and revokes tokens. Revocation
// state lives in the shared cache so every gateway instance agrees.
type Manager struct {
	secret     []byte
	method     jwt.SigningMethod
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	rdb        redis.UniversalClient

	now func() time.Time
}

// NewManager creates a Manager. Only HMAC algorithms are supported.
func NewManager(cfg Config, rdb redis.UniversalClient) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token: signing secret is required")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	method := jwt.GetSigningMethod(alg)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("token: unsupported algorithm %q", alg)
	}
	return &Manager{
		secret:     []byte(cfg.Secret),
		method:     method,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessLifetime,
		refreshTTL: cfg.RefreshLifetime,
		rdb:        rdb,
		now:        time.Now,
	}, nil
}

// IssuePair signs a new access/refresh pair for u and tracks the
// refresh nonce in the shared cache.
func (m *Manager) IssuePair(ctx context.Context, u *model.User) (*Pair, error) {
	now := m.now()

	access, _, err := m.sign(u, TypeAccess, now, m.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshJTI, err := m.sign(u, TypeRefresh, now, m.refreshTTL)
	if err != nil {
		return nil, err
	}

	key := refreshPrefix + u.ID + ":" + refreshJTI
	if err := m.rdb.Set(ctx, key, "1", m.refreshTTL).Err(); err != nil {
		return nil, fmt.Errorf("token: track refresh: %w", err)
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.accessTTL.Seconds()),
	}, nil
}

func (m *Manager) sign(u *model.User, typ string, now time.Time, ttl time.Duration) (string, string, error) {
	jti := uuid.NewString()
	claims := Claims{
		Type:         typ,
		TokenVersion: u.TokenVersion,
		Role:         u.Role,
		Tier:         u.Tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return "", "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, jti, nil
}

// Verify parses raw, checks the signature and expiry, enforces the
// expected token type, and rejects blacklisted nonces. Refresh tokens
// must additionally still be tracked in the cache, so dropping the
// tracking entries revokes them in bulk. Failures map to
// distinguishable gateway errors.
func (m *Manager) Verify(ctx context.Context, raw, wantType string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.ErrInvalidToken
	}
	if !parsed.Valid || claims.Type != wantType || claims.ID == "" {
		return nil, errors.ErrInvalidToken
	}

	n, err := m.rdb.Exists(ctx, blacklistPrefix+claims.ID).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	if n > 0 {
		return nil, errors.ErrTokenRevoked
	}

	if wantType == TypeRefresh {
		n, err := m.rdb.Exists(ctx, refreshPrefix+claims.Subject+":"+claims.ID).Result()
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, err)
		}
		if n == 0 {
			return nil, errors.ErrTokenRevoked
		}
	}
	return claims, nil
}

// RevokeAllRefresh drops every tracked refresh nonce for a user, so
// all outstanding refresh tokens stop rotating without a version bump.
// Already-issued access tokens run out on their own lifetime.
func (m *Manager) RevokeAllRefresh(ctx context.Context, userID string) error {
	iter := m.rdb.Scan(ctx, 0, refreshPrefix+userID+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := m.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.Wrap(errors.ErrInternal, err)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}
	return nil
}

// Rotate exchanges a refresh token for a new pair. The presented
// nonce is blacklisted with set-if-not-exists before the new pair is
// issued, so of two concurrent rotations exactly one wins; the loser
// sees TOKEN_REVOKED.
func (m *Manager) Rotate(ctx context.Context, claims *Claims, u *model.User) (*Pair, error) {
	ttl := m.remaining(claims)
	won, err := m.rdb.SetNX(ctx, blacklistPrefix+claims.ID, "1", ttl).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	if !won {
		return nil, errors.ErrTokenRevoked
	}

	m.rdb.Del(ctx, refreshPrefix+claims.Subject+":"+claims.ID)

	return m.IssuePair(ctx, u)
}

// Revoke blacklists a token's nonce for its remaining lifetime.
// Used by logout for the current access token.
func (m *Manager) Revoke(ctx context.Context, claims *Claims) error {
	if err := m.rdb.Set(ctx, blacklistPrefix+claims.ID, "1", m.remaining(claims)).Err(); err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}
	if claims.Type == TypeRefresh {
		m.rdb.Del(ctx, refreshPrefix+claims.Subject+":"+claims.ID)
	}
	return nil
}

// remaining returns the time until the token expires, floored at one
// second so a blacklist entry always outlives the token.
func (m *Manager) remaining(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return time.Second
	}
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
