// Package apperr defines the closed set of failure kinds the service can report
// and maps each of them, in one place, to its HTTP status, public message and
// OAuth callback redirect code.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	ServerError Kind = iota
	InvalidRequest
	InvalidActivityURL
	MethodNotAllowed
	Unauthorized
	OwnershipMismatch
	MalformedState
	InvalidSignature
	StateExpired
	StateReplayed
	OAuthDenied
	AlreadyMirrored
	AthleteRoleConflict
	MissingConnection
	MissingGPSData
	ActivityNotFound
	UpstreamFetchFailed
	TokenRefreshFailed
	TokenExchangeFailed
	UploadFailed
	ConfigurationError
	DatabaseError

	kindCount
)

type kindInfo struct {
	name     string
	status   int
	message  string
	redirect string
}

var kinds = [kindCount]kindInfo{
	ServerError:         {"server_error", http.StatusInternalServerError, "Internal server error", "server_error"},
	InvalidRequest:      {"invalid_request", http.StatusBadRequest, "Invalid request", "invalid_request"},
	InvalidActivityURL:  {"invalid_activity_url", http.StatusBadRequest, "Invalid Strava activity URL", "invalid_request"},
	MethodNotAllowed:    {"method_not_allowed", http.StatusMethodNotAllowed, "Method not allowed", "invalid_request"},
	Unauthorized:        {"unauthorized", http.StatusUnauthorized, "Unauthorized", "invalid_request"},
	OwnershipMismatch:   {"ownership_mismatch", http.StatusForbidden, "Activity does not belong to the connected human account", "server_error"},
	MalformedState:      {"malformed_state", http.StatusBadRequest, "Invalid state", "invalid_state"},
	InvalidSignature:    {"invalid_signature", http.StatusBadRequest, "Invalid state", "invalid_state"},
	StateExpired:        {"state_expired", http.StatusBadRequest, "Invalid state", "invalid_state"},
	StateReplayed:       {"state_replayed", http.StatusBadRequest, "Invalid state", "invalid_state"},
	OAuthDenied:         {"oauth_denied", http.StatusBadRequest, "Authorization was denied", "oauth_denied"},
	AlreadyMirrored:     {"already_mirrored", http.StatusBadRequest, "Activity has already been mirrored", "server_error"},
	AthleteRoleConflict: {"athlete_role_conflict", http.StatusBadRequest, "Strava account is already connected with another role", "athlete_role_conflict"},
	MissingConnection:   {"missing_connection", http.StatusBadRequest, "Both human and pet Strava accounts must be connected", "server_error"},
	MissingGPSData:      {"missing_gps_data", http.StatusBadRequest, "Activity has no GPS data", "server_error"},
	ActivityNotFound:    {"activity_not_found", http.StatusNotFound, "Activity not found", "server_error"},
	UpstreamFetchFailed: {"upstream_fetch_failed", http.StatusInternalServerError, "Failed to fetch activity from Strava", "server_error"},
	TokenRefreshFailed:  {"token_refresh_failed", http.StatusInternalServerError, "Failed to refresh Strava credentials", "server_error"},
	TokenExchangeFailed: {"token_exchange_failed", http.StatusInternalServerError, "Failed to exchange authorization code", "token_exchange_failed"},
	UploadFailed:        {"upload_failed", http.StatusInternalServerError, "Failed to upload activity to Strava", "server_error"},
	ConfigurationError:  {"configuration_error", http.StatusInternalServerError, "Server is not configured", "server_error"},
	DatabaseError:       {"database_error", http.StatusInternalServerError, "Database error", "database_error"},
}

func (k Kind) info() kindInfo {
	if k < 0 || k >= kindCount {
		return kinds[ServerError]
	}
	return kinds[k]
}

// String returns the kind's stable snake_case name, used in logs and metrics.
func (k Kind) String() string { return k.info().name }

// Status is the HTTP status code a JSON endpoint responds with.
func (k Kind) Status() int { return k.info().status }

// Message is the caller-facing message. It never carries the cause.
func (k Kind) Message() string { return k.info().message }

// RedirectCode is the value of the error query parameter on callback redirects.
func (k Kind) RedirectCode() string { return k.info().redirect }

// Error is a classified failure. Err holds the cause for server-side logging,
// Details holds context that is safe to hand back to the caller.
type Error struct {
	Kind    Kind
	Err     error
	Details map[string]any
}

// New returns an Error of the given kind wrapping err, which may be nil.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithDetail adds caller-visible context and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or ServerError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ServerError
}

// DetailsOf returns the caller-visible details of err, if any.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
