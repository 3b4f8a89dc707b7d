package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Is and As re-export the standard library helpers so callers need only
// one errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// GatewayError is an error the gateway may return to clients. Code is the
// stable machine-readable kind; Status is the HTTP status it maps to.
type GatewayError struct {
	Status     int
	Code       string
	Message    string
	Details    string
	RequestID  string
	underlying error
}

// envelope is the JSON wire shape for gateway-generated errors.
// Proxied upstream responses never pass through here.
type envelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Details   string `json:"details,omitempty"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Is makes errors.Is match on the taxonomy code, so wrapped and
// detail-annotated copies compare equal to their singleton.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	return ok && t.Code == e.Code && t.Status == e.Status
}

// WriteJSON writes the error envelope to the response. Base singletons
// (no details/request id) are written from a pre-serialized buffer.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	var env envelope
	env.Error.Code = e.Code
	env.Error.Message = e.Message
	env.Error.Details = e.Details
	env.Error.RequestID = e.RequestID
	json.NewEncoder(w).Encode(&env)
}

// Authentication failures (401).
var (
	ErrMissingCredentials = &GatewayError{Status: http.StatusUnauthorized, Code: "MISSING_CREDENTIALS", Message: "No credentials provided"}
	ErrInvalidToken       = &GatewayError{Status: http.StatusUnauthorized, Code: "INVALID_TOKEN", Message: "Token is invalid"}
	ErrTokenExpired       = &GatewayError{Status: http.StatusUnauthorized, Code: "TOKEN_EXPIRED", Message: "Token has expired"}
	ErrTokenRevoked       = &GatewayError{Status: http.StatusUnauthorized, Code: "TOKEN_REVOKED", Message: "Token has been revoked"}
	ErrTokenVersion       = &GatewayError{Status: http.StatusUnauthorized, Code: "TOKEN_VERSION_MISMATCH", Message: "Token was invalidated by a credential change"}
	ErrInvalidAPIKey      = &GatewayError{Status: http.StatusUnauthorized, Code: "INVALID_API_KEY", Message: "API key is invalid"}
	ErrAPIKeyExpired      = &GatewayError{Status: http.StatusUnauthorized, Code: "API_KEY_EXPIRED", Message: "API key has expired"}
	ErrBadCredentials     = &GatewayError{Status: http.StatusUnauthorized, Code: "INVALID_CREDENTIALS", Message: "Email or password is incorrect"}
)

// Authorization failures (403).
var (
	ErrInsufficientScope = &GatewayError{Status: http.StatusForbidden, Code: "INSUFFICIENT_SCOPE", Message: "API key does not grant the required scope"}
	ErrIPBlocked         = &GatewayError{Status: http.StatusForbidden, Code: "IP_BLOCKED", Message: "Client IP address is blocked"}
	ErrIPNotAllowed      = &GatewayError{Status: http.StatusForbidden, Code: "IP_NOT_ALLOWED", Message: "Client IP address is not on the allow list"}
	ErrAPIDisabled       = &GatewayError{Status: http.StatusForbidden, Code: "API_DISABLED", Message: "API is disabled"}
	ErrAdminRequired     = &GatewayError{Status: http.StatusForbidden, Code: "ADMIN_REQUIRED", Message: "Admin role required"}
)

// Routing, limiting and upstream failures.
var (
	ErrRouteNotFound   = &GatewayError{Status: http.StatusNotFound, Code: "ROUTE_NOT_FOUND", Message: "No route matches the request"}
	ErrRateLimited     = &GatewayError{Status: http.StatusTooManyRequests, Code: "RATE_LIMIT_EXCEEDED", Message: "Rate limit exceeded"}
	ErrRateLimiter     = &GatewayError{Status: http.StatusServiceUnavailable, Code: "RATE_LIMITER_ERROR", Message: "Rate limiter unavailable"}
	ErrUpstream        = &GatewayError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: "Upstream request failed"}
	ErrUpstreamTimeout = &GatewayError{Status: http.StatusGatewayTimeout, Code: "UPSTREAM_TIMEOUT", Message: "Upstream request timed out"}
	ErrCircuitOpen     = &GatewayError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: "Upstream request failed", Details: "circuit breaker is open"}
	ErrValidation      = &GatewayError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: "Request validation failed"}
	ErrConflict        = &GatewayError{Status: http.StatusConflict, Code: "CONFLICT", Message: "Resource already exists"}
	ErrInternal        = &GatewayError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Internal server error"}
)

// preSerialized holds envelope bytes for the base singletons above.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrMissingCredentials, ErrInvalidToken, ErrTokenExpired, ErrTokenRevoked,
		ErrTokenVersion, ErrInvalidAPIKey, ErrAPIKeyExpired, ErrBadCredentials,
		ErrInsufficientScope, ErrIPBlocked, ErrIPNotAllowed, ErrAPIDisabled,
		ErrAdminRequired, ErrRouteNotFound, ErrRateLimited, ErrRateLimiter,
		ErrUpstream, ErrUpstreamTimeout, ErrCircuitOpen,
		ErrValidation, ErrConflict, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		var env envelope
		env.Error.Code = e.Code
		env.Error.Message = e.Message
		env.Error.Details = e.Details
		b, _ := json.Marshal(&env)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a GatewayError outside the fixed taxonomy.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{Status: status, Code: code, Message: message}
}

// Wrap attaches an underlying cause to a taxonomy error without mutating
// the singleton.
func Wrap(base *GatewayError, err error) *GatewayError {
	return &GatewayError{
		Status:     base.Status,
		Code:       base.Code,
		Message:    base.Message,
		Details:    base.Details,
		underlying: err,
	}
}

// WithDetails returns a copy carrying human-readable details.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy carrying the request id.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsGatewayError extracts a *GatewayError from err, unwrapping as needed.
// Unclassified errors surface as INTERNAL_ERROR with the cause attached;
// the caller decides whether details reach the client.
func AsGatewayError(err error) *GatewayError {
	for e := err; e != nil; {
		if ge, ok := e.(*GatewayError); ok {
			return ge
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return Wrap(ErrInternal, err)
}

// Classify buckets an error for metrics: validation, authentication,
// authorization, not_found, rate_limit or server.
func Classify(err error) string {
	switch AsGatewayError(err).Status {
	case http.StatusBadRequest, http.StatusConflict:
		return "validation"
	case http.StatusUnauthorized:
		return "authentication"
	case http.StatusForbidden:
		return "authorization"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limit"
	default:
		return "server"
	}
}
