package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/perimeterhq/perimeter/internal/autoblock"
	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/reqctx"
	"github.com/perimeterhq/perimeter/internal/store"
	"github.com/perimeterhq/perimeter/internal/token"
)

// Service serves the /auth surface.
type Service struct {
	users   *store.UserRepo
	audit   *store.AuditRepo
	tokens  *token.Manager
	blocker *autoblock.Blocker
}

func NewService(st *store.Store, tokens *token.Manager, blocker *autoblock.Blocker) *Service {
	return &Service{users: st.Users, audit: st.Audit, tokens: tokens, blocker: blocker}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Signup registers a user and returns a token pair.
func (s *Service) Signup(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.From(r)

	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, rc, err)
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, rc, errors.ErrValidation.WithDetails("email is not valid"))
		return
	}
	if len(req.Password) < MinPasswordLength {
		writeError(w, rc, errors.ErrValidation.WithDetails("password must be at least 8 characters"))
		return
	}

	digest, err := HashPassword(req.Password)
	if err != nil {
		writeError(w, rc, errors.Wrap(errors.ErrInternal, err))
		return
	}

	user := &model.User{Email: req.Email, PasswordDigest: digest}
	if err := s.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, rc, errors.ErrConflict.WithDetails("email is already registered"))
			return
		}
		writeError(w, rc, errors.Wrap(errors.ErrInternal, err))
		return
	}

	pair, err := s.tokens.IssuePair(r.Context(), user)
	if err != nil {
		writeError(w, rc, err)
		return
	}

	s.audit.Append(r.Context(), &model.AuditEvent{
		EventType:    "user_signup",
		ActorUserID:  user.ID,
		ActorIP:      rc.ClientIP,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	writeJSON(w, http.StatusCreated, pair)
}

// Login verifies credentials and returns a token pair. Failures count
// as generic auth violations; success clears the IP's counters.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.From(r)

	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, rc, err)
		return
	}

	user, err := s.users.GetByEmail(r.Context(), req.Email)
	if err != nil || !CheckPassword(user.PasswordDigest, req.Password) {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, rc, errors.Wrap(errors.ErrInternal, err))
			return
		}
		s.blocker.Record(r.Context(), autoblock.KindAuthFailure, rc.ClientIP)
		writeError(w, rc, errors.ErrBadCredentials)
		return
	}

	pair, err := s.tokens.IssuePair(r.Context(), user)
	if err != nil {
		writeError(w, rc, err)
		return
	}

	s.blocker.ClearAll(r.Context(), rc.ClientIP)
	s.audit.Append(r.Context(), &model.AuditEvent{
		EventType:   "user_login",
		ActorUserID: user.ID,
		ActorIP:     rc.ClientIP,
	})
	writeJSON(w, http.StatusOK, pair)
}

// Refresh rotates a refresh token: the presented nonce is revoked and
// a fresh pair issued. Replays lose the rotation race and get 401.
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.From(r)

	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, rc, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, rc, errors.ErrValidation.WithDetails("refresh_token is required"))
		return
	}

	claims, err := s.tokens.Verify(r.Context(), req.RefreshToken, token.TypeRefresh)
	if err != nil {
		if !errors.ErrTokenExpired.Is(err) {
			s.blocker.Record(r.Context(), autoblock.KindInvalidToken, rc.ClientIP)
		}
		writeError(w, rc, err)
		return
	}

	user, err := s.users.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, rc, errors.ErrInvalidToken)
			return
		}
		writeError(w, rc, errors.Wrap(errors.ErrInternal, err))
		return
	}
	if claims.TokenVersion != user.TokenVersion {
		writeError(w, rc, errors.ErrTokenVersion)
		return
	}

	pair, err := s.tokens.Rotate(r.Context(), claims, user)
	if err != nil {
		writeError(w, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout revokes the presented access token's nonce for its remaining
// lifetime.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.From(r)

	raw, ok := bearerToken(r)
	if !ok {
		writeError(w, rc, errors.ErrMissingCredentials)
		return
	}
	claims, err := s.tokens.Verify(r.Context(), raw, token.TypeAccess)
	if err != nil {
		writeError(w, rc, err)
		return
	}
	if err := s.tokens.Revoke(r.Context(), claims); err != nil {
		writeError(w, rc, err)
		return
	}

	s.audit.Append(r.Context(), &model.AuditEvent{
		EventType:   "user_logout",
		ActorUserID: claims.Subject,
		ActorIP:     rc.ClientIP,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.ErrValidation.WithDetails("request body is not valid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, rc *reqctx.Context, err error) {
	errors.AsGatewayError(err).WithRequestID(rc.RequestID).WriteJSON(w)
}
