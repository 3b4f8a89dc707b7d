// Package auth resolves caller identity from bearer tokens or API keys
// and serves the signup/login/refresh/logout surface.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/autoblock"
	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/middleware"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/reqctx"
	"github.com/perimeterhq/perimeter/internal/store"
	"github.com/perimeterhq/perimeter/internal/token"
)

// APIKeyHeader carries the raw API key.
const APIKeyHeader = "X-API-Key"

const (
	apikeyCachePrefix = "apikey:"
	apikeyCacheTTL    = time.Minute
)

// Authenticator verifies credentials against the store and the token
// manager and reports violations to the auto-blocker.
type Authenticator struct {
	users   *store.UserRepo
	keys    *store.APIKeyRepo
	tokens  *token.Manager
	blocker *autoblock.Blocker
	rdb     redis.UniversalClient

	now func() time.Time
}

func NewAuthenticator(st *store.Store, tokens *token.Manager, blocker *autoblock.Blocker, rdb redis.UniversalClient) *Authenticator {
	return &Authenticator{
		users:   st.Users,
		keys:    st.APIKeys,
		tokens:  tokens,
		blocker: blocker,
		rdb:     rdb,
		now:     time.Now,
	}
}

// Middleware is the pipeline stage: bearer tokens are tried first,
// then API keys. Failures are shaped into the 401 taxonomy and, unless
// benign (plain expiry), reported as violations. Successful
// authentication clears the caller IP's violation counters.
func (a *Authenticator) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r)
			if err := a.authenticate(r.Context(), r, rc); err != nil {
				errors.AsGatewayError(err).WithRequestID(rc.RequestID).WriteJSON(w)
				return
			}
			a.blocker.ClearAll(r.Context(), rc.ClientIP)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, r *http.Request, rc *reqctx.Context) error {
	if raw, ok := bearerToken(r); ok {
		return a.authenticateBearer(ctx, raw, rc)
	}
	if raw := r.Header.Get(APIKeyHeader); raw != "" {
		return a.authenticateKey(ctx, raw, rc)
	}
	a.blocker.Record(ctx, autoblock.KindAuthFailure, rc.ClientIP)
	return errors.ErrMissingCredentials
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(h) > len(scheme) && strings.EqualFold(h[:len(scheme)], scheme) {
		return h[len(scheme):], true
	}
	return "", false
}

func (a *Authenticator) authenticateBearer(ctx context.Context, raw string, rc *reqctx.Context) error {
	claims, err := a.tokens.Verify(ctx, raw, token.TypeAccess)
	if err != nil {
		// Plain expiry is benign; everything else counts as abuse.
		if !errors.ErrTokenExpired.Is(err) {
			a.blocker.Record(ctx, autoblock.KindInvalidToken, rc.ClientIP)
		}
		return err
	}

	user, err := a.users.GetByID(ctx, claims.Subject)
	if err != nil {
		a.blocker.Record(ctx, autoblock.KindInvalidToken, rc.ClientIP)
		if errors.Is(err, store.ErrNotFound) {
			return errors.ErrInvalidToken
		}
		return errors.Wrap(errors.ErrInternal, err)
	}
	if claims.TokenVersion != user.TokenVersion {
		a.blocker.Record(ctx, autoblock.KindInvalidToken, rc.ClientIP)
		return errors.ErrTokenVersion
	}

	rc.User = user
	rc.AuthMethod = reqctx.AuthBearer
	rc.CallerTier = user.Tier
	return nil
}

// cachedKey is the shared-cache representation of a resolved API key.
// The owner's tier rides along so the hot path avoids a user read.
type cachedKey struct {
	Key  model.APIKey `json:"key"`
	Tier model.Tier   `json:"tier"`
}

func (a *Authenticator) authenticateKey(ctx context.Context, raw string, rc *reqctx.Context) error {
	digest := DigestKey(raw)

	entry, cached := a.lookupCachedKey(ctx, digest)
	if !cached {
		key, err := a.keys.GetByDigest(ctx, digest)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.blocker.Record(ctx, autoblock.KindInvalidAPIKey, rc.ClientIP)
				return errors.ErrInvalidAPIKey
			}
			return errors.Wrap(errors.ErrInternal, err)
		}
		owner, err := a.users.GetByID(ctx, key.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.blocker.Record(ctx, autoblock.KindInvalidAPIKey, rc.ClientIP)
				return errors.ErrInvalidAPIKey
			}
			return errors.Wrap(errors.ErrInternal, err)
		}
		entry = &cachedKey{Key: *key, Tier: owner.Tier}
		a.storeCachedKey(ctx, digest, entry)
	}

	now := a.now()
	if !entry.Key.Usable(now) {
		if entry.Key.Expired(now) {
			return errors.ErrAPIKeyExpired
		}
		a.blocker.Record(ctx, autoblock.KindInvalidAPIKey, rc.ClientIP)
		return errors.ErrInvalidAPIKey
	}

	// Best-effort: last_used_at is advisory, not transactional.
	if err := a.keys.TouchLastUsed(ctx, entry.Key.ID); err != nil {
		logging.Debug("api key last_used update failed",
			zap.String("key_id", entry.Key.ID), zap.Error(err))
	}

	rc.APIKey = &entry.Key
	rc.AuthMethod = reqctx.AuthAPIKey
	rc.CallerTier = entry.Tier
	return nil
}

func (a *Authenticator) lookupCachedKey(ctx context.Context, digest string) (*cachedKey, bool) {
	raw, err := a.rdb.Get(ctx, apikeyCachePrefix+digest).Bytes()
	if err != nil {
		return nil, false
	}
	var entry cachedKey
	if json.Unmarshal(raw, &entry) != nil {
		return nil, false
	}
	return &entry, true
}

func (a *Authenticator) storeCachedKey(ctx context.Context, digest string, entry *cachedKey) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := a.rdb.Set(ctx, apikeyCachePrefix+digest, raw, apikeyCacheTTL).Err(); err != nil {
		logging.Debug("api key cache write failed", zap.Error(err))
	}
}

// InvalidateKey drops the cached entry for a digest. Called when a key
// is revoked or deleted so the change propagates within one lookup.
func (a *Authenticator) InvalidateKey(ctx context.Context, digest string) error {
	return a.rdb.Del(ctx, apikeyCachePrefix+digest).Err()
}

// RequireScope enforces a route's required scope after route matching.
// Bearer-authenticated users carry full scope; API keys must grant the
// scope explicitly.
func RequireScope() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r)
			if rc.Route != nil && rc.Route.RequiredScope != "" && rc.APIKey != nil {
				if !rc.APIKey.Scopes.Grants(rc.Route.RequiredScope) {
					errors.ErrInsufficientScope.WithRequestID(rc.RequestID).WriteJSON(w)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
