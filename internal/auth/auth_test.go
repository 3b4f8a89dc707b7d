package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/perimeterhq/perimeter/internal/autoblock"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/reqctx"
	"github.com/perimeterhq/perimeter/internal/store"
	"github.com/perimeterhq/perimeter/internal/token"
)

type fixture struct {
	store   *store.Store
	redis   *miniredis.Miniredis
	tokens  *token.Manager
	blocker *autoblock.Blocker
	authn   *Authenticator
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, err := token.NewManager(token.Config{
		Secret:          "test-secret",
		AccessLifetime:  15 * time.Minute,
		RefreshLifetime: 24 * time.Hour,
	}, rdb)
	if err != nil {
		t.Fatal(err)
	}

	blocker := autoblock.New(rdb, st.IPRules, st.Audit)
	return &fixture{
		store:   st,
		redis:   mr,
		tokens:  tokens,
		blocker: blocker,
		authn:   NewAuthenticator(st, tokens, blocker, rdb),
		svc:     NewService(st, tokens, blocker),
	}
}

func (f *fixture) createUser(t *testing.T, email, password string, tier model.Tier) *model.User {
	t.Helper()
	digest, err := HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	u := &model.User{Email: email, PasswordDigest: digest, Tier: tier}
	if err := f.store.Users.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func (f *fixture) createKey(t *testing.T, userID string, scopes model.ScopeList) (string, *model.APIKey) {
	t.Helper()
	plaintext, digest, prefix, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	k := &model.APIKey{
		UserID:      userID,
		KeyDigest:   digest,
		Prefix:      prefix,
		DisplayName: "test key",
		Scopes:      scopes,
	}
	if err := f.store.APIKeys.Create(context.Background(), k); err != nil {
		t.Fatal(err)
	}
	return plaintext, k
}

// serveAuth runs the authenticator middleware and returns the recorder
// plus the request context the inner handler observed.
func (f *fixture) serveAuth(t *testing.T, decorate func(*http.Request)) (*httptest.ResponseRecorder, *reqctx.Context) {
	t.Helper()
	var seen *reqctx.Context
	h := f.authn.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = reqctx.From(r)
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/v1/widgets", nil)
	rc := &reqctx.Context{RequestID: "req-1", ClientIP: "203.0.113.50"}
	r = r.WithContext(reqctx.With(r.Context(), rc))
	if decorate != nil {
		decorate(r)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec, seen
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Error.Code
}

func TestGenerateKeyShape(t *testing.T) {
	plaintext, digest, prefix, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, KeyPrefix) {
		t.Errorf("plaintext %q lacks prefix", plaintext)
	}
	if !strings.HasPrefix(plaintext, prefix) {
		t.Errorf("display prefix %q not a prefix of plaintext", prefix)
	}
	if digest != DigestKey(plaintext) {
		t.Error("digest does not match plaintext")
	}
	if strings.Contains(digest, plaintext) || digest == plaintext {
		t.Error("digest leaks plaintext")
	}

	other, _, _, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if other == plaintext {
		t.Error("two generated keys are identical")
	}
}

func TestPasswordHashing(t *testing.T) {
	digest, err := HashPassword("hunter22-secret")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword(digest, "hunter22-secret") {
		t.Error("correct password rejected")
	}
	if CheckPassword(digest, "wrong-password") {
		t.Error("wrong password accepted")
	}
}

func TestBearerAuthentication(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierPro)

	pair, err := f.tokens.IssuePair(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}

	rec, seen := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if seen.User == nil || seen.User.ID != u.ID {
		t.Fatalf("user not attached: %+v", seen)
	}
	if seen.AuthMethod != reqctx.AuthBearer || seen.Tier() != model.TierPro {
		t.Errorf("method=%s tier=%s", seen.AuthMethod, seen.Tier())
	}
	if seen.Identifier() != u.ID {
		t.Errorf("identifier %q, want user id", seen.Identifier())
	}
}

func TestBearerTokenVersionMismatch(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	pair, err := f.tokens.IssuePair(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Users.BumpTokenVersion(context.Background(), u.ID); err != nil {
		t.Fatal(err)
	}

	rec, _ := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "TOKEN_VERSION_MISMATCH" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
	if !f.redis.Exists("violations:invalid_token:203.0.113.50") {
		t.Error("version mismatch did not record a violation")
	}
}

func TestBearerGarbageRecordsViolation(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer garbage")
	})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "INVALID_TOKEN" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
	if !f.redis.Exists("violations:invalid_token:203.0.113.50") {
		t.Error("invalid token did not record a violation")
	}
}

func TestBearerExpiredIsBenign(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	short, err := token.NewManager(token.Config{
		Secret:          "test-secret",
		AccessLifetime:  -time.Minute, // already expired when issued
		RefreshLifetime: time.Hour,
	}, redis.NewClient(&redis.Options{Addr: f.redis.Addr()}))
	if err != nil {
		t.Fatal(err)
	}
	pair, err := short.IssuePair(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}

	rec, _ := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "TOKEN_EXPIRED" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
	if f.redis.Exists("violations:invalid_token:203.0.113.50") {
		t.Error("plain expiry must not record a violation")
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierEnterprise)
	plaintext, k := f.createKey(t, u.ID, model.ScopeList{"read:widgets"})

	rec, seen := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set(APIKeyHeader, plaintext)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if seen.APIKey == nil || seen.APIKey.ID != k.ID {
		t.Fatalf("key not attached: %+v", seen)
	}
	if seen.User != nil {
		t.Error("api key auth must not attach a user")
	}
	if seen.Tier() != model.TierEnterprise {
		t.Errorf("caller tier %s, want owner's tier", seen.Tier())
	}
	if seen.Identifier() != k.ID {
		t.Errorf("identifier %q, want key id", seen.Identifier())
	}

	// Second request hits the shared-cache entry
	rec, _ = f.serveAuth(t, func(r *http.Request) {
		r.Header.Set(APIKeyHeader, plaintext)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cached auth status %d", rec.Code)
	}

	got, err := f.store.APIKeys.GetByID(context.Background(), k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not touched")
	}
}

func TestAPIKeyInvalidAndRevoked(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	rec, _ := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set(APIKeyHeader, "pk_nonexistent")
	})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "INVALID_API_KEY" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
	if !f.redis.Exists("violations:invalid_api_key:203.0.113.50") {
		t.Error("invalid key did not record a violation")
	}

	plaintext, k := f.createKey(t, u.ID, nil)
	if err := f.store.APIKeys.SetStatus(context.Background(), k.ID, model.KeyRevoked); err != nil {
		t.Fatal(err)
	}
	rec, _ = f.serveAuth(t, func(r *http.Request) {
		r.Header.Set(APIKeyHeader, plaintext)
	})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "INVALID_API_KEY" {
		t.Fatalf("revoked key: status %d code %s", rec.Code, errorCode(t, rec))
	}
}

func TestAPIKeyExpiredIsBenign(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	plaintext, digest, prefix, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	k := &model.APIKey{
		UserID: u.ID, KeyDigest: digest, Prefix: prefix,
		DisplayName: "stale", ExpiresAt: &past,
	}
	if err := f.store.APIKeys.Create(context.Background(), k); err != nil {
		t.Fatal(err)
	}

	rec, _ := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set(APIKeyHeader, plaintext)
	})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "API_KEY_EXPIRED" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
	if f.redis.Exists("violations:invalid_api_key:203.0.113.50") {
		t.Error("expired key must not record a violation")
	}
}

func TestMissingCredentials(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.serveAuth(t, nil)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "MISSING_CREDENTIALS" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
	if !f.redis.Exists("violations:auth_failure:203.0.113.50") {
		t.Error("missing credentials did not record a violation")
	}
}

func TestSuccessfulAuthClearsViolations(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	// Accumulate a violation first
	f.serveAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer garbage")
	})
	if !f.redis.Exists("violations:invalid_token:203.0.113.50") {
		t.Fatal("setup: violation missing")
	}

	pair, err := f.tokens.IssuePair(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}
	f.serveAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if f.redis.Exists("violations:invalid_token:203.0.113.50") {
		t.Error("successful auth did not clear violations")
	}
}

func TestRequireScope(t *testing.T) {
	route := &model.APIDefinition{Name: "widgets", RequiredScope: "write:widgets"}

	run := func(rc *reqctx.Context) *httptest.ResponseRecorder {
		h := RequireScope()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		r := httptest.NewRequest("POST", "/v1/widgets", nil)
		r = r.WithContext(reqctx.With(r.Context(), rc))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	tests := []struct {
		name string
		rc   *reqctx.Context
		want int
	}{
		{"bearer user passes", &reqctx.Context{Route: route, User: &model.User{ID: "u1"}}, 200},
		{"key with scope passes", &reqctx.Context{Route: route, APIKey: &model.APIKey{Scopes: model.ScopeList{"write:widgets"}}}, 200},
		{"key with wildcard passes", &reqctx.Context{Route: route, APIKey: &model.APIKey{Scopes: model.ScopeList{"*"}}}, 200},
		{"key without scope rejected", &reqctx.Context{Route: route, APIKey: &model.APIKey{Scopes: model.ScopeList{"read:widgets"}}}, 403},
		{"unscoped route passes", &reqctx.Context{Route: &model.APIDefinition{Name: "open"}, APIKey: &model.APIKey{}}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := run(tt.rc); rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// --- handler tests ---

func (f *fixture) post(t *testing.T, handler http.HandlerFunc, path string, body any, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest("POST", path, &buf)
	r = r.WithContext(reqctx.With(r.Context(), &reqctx.Context{RequestID: "req-1", ClientIP: "203.0.113.60"}))
	if decorate != nil {
		decorate(r)
	}
	rec := httptest.NewRecorder()
	handler(rec, r)
	return rec
}

func decodePair(t *testing.T, rec *httptest.ResponseRecorder) *token.Pair {
	t.Helper()
	var pair token.Pair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v (%s)", err, rec.Body.String())
	}
	return &pair
}

func TestSignup(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, f.svc.Signup, "/auth/signup",
		credentialsRequest{Email: "new@example.com", Password: "hunter22-secret"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	pair := decodePair(t, rec)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("incomplete pair")
	}

	// Duplicate email
	rec = f.post(t, f.svc.Signup, "/auth/signup",
		credentialsRequest{Email: "New@Example.com", Password: "hunter22-secret"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup status %d", rec.Code)
	}

	// Weak password
	rec = f.post(t, f.svc.Signup, "/auth/signup",
		credentialsRequest{Email: "other@example.com", Password: "short"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password status %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	rec := f.post(t, f.svc.Login, "/auth/login",
		credentialsRequest{Email: "dev@example.com", Password: "hunter22-secret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.post(t, f.svc.Login, "/auth/login",
		credentialsRequest{Email: "dev@example.com", Password: "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "INVALID_CREDENTIALS" {
		t.Fatalf("bad password: status %d code %s", rec.Code, errorCode(t, rec))
	}
	if !f.redis.Exists("violations:auth_failure:203.0.113.60") {
		t.Error("failed login did not record a violation")
	}

	rec = f.post(t, f.svc.Login, "/auth/login",
		credentialsRequest{Email: "ghost@example.com", Password: "whatever1"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown email status %d", rec.Code)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	pair1, err := f.tokens.IssuePair(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}

	rec := f.post(t, f.svc.Refresh, "/auth/refresh", refreshRequest{RefreshToken: pair1.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first refresh status %d: %s", rec.Code, rec.Body.String())
	}
	pair2 := decodePair(t, rec)

	// Replay of the rotated token
	rec = f.post(t, f.svc.Refresh, "/auth/refresh", refreshRequest{RefreshToken: pair1.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "TOKEN_REVOKED" {
		t.Fatalf("replay: status %d code %s", rec.Code, errorCode(t, rec))
	}

	// The new refresh token still rotates
	rec = f.post(t, f.svc.Refresh, "/auth/refresh", refreshRequest{RefreshToken: pair2.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second refresh status %d", rec.Code)
	}
}

func TestRefreshAfterVersionBump(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	pair, err := f.tokens.IssuePair(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Users.BumpTokenVersion(context.Background(), u.ID); err != nil {
		t.Fatal(err)
	}

	rec := f.post(t, f.svc.Refresh, "/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "TOKEN_VERSION_MISMATCH" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "dev@example.com", "hunter22-secret", model.TierFree)

	pair, err := f.tokens.IssuePair(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}

	rec := f.post(t, f.svc.Logout, "/auth/logout", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status %d: %s", rec.Code, rec.Body.String())
	}

	// The revoked access token no longer authenticates
	authRec, _ := f.serveAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if authRec.Code != http.StatusUnauthorized || errorCode(t, authRec) != "TOKEN_REVOKED" {
		t.Fatalf("after logout: status %d code %s", authRec.Code, errorCode(t, authRec))
	}
}
