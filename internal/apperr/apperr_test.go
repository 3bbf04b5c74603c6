package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestEveryKindIsMapped(t *testing.T) {
	seen := map[string]bool{}
	for k := Kind(0); k < kindCount; k++ {
		info := kinds[k]
		if info.name == "" || info.status == 0 || info.message == "" || info.redirect == "" {
			t.Errorf("kind %d is missing mapping: %+v", k, info)
		}
		if seen[info.name] {
			t.Errorf("kind name %q is used twice", info.name)
		}
		seen[info.name] = true
	}
}

func TestStateFailuresCollapse(t *testing.T) {
	for _, k := range []Kind{MalformedState, InvalidSignature, StateExpired, StateReplayed} {
		if k.RedirectCode() != "invalid_state" {
			t.Errorf("expected %s to redirect with invalid_state, got %s", k, k.RedirectCode())
		}
		if k.Message() != "Invalid state" {
			t.Errorf("expected %s to share the public message, got %q", k, k.Message())
		}
	}
}

func TestStatuses(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidRequest, http.StatusBadRequest},
		{InvalidActivityURL, http.StatusBadRequest},
		{Unauthorized, http.StatusUnauthorized},
		{OwnershipMismatch, http.StatusForbidden},
		{ActivityNotFound, http.StatusNotFound},
		{MethodNotAllowed, http.StatusMethodNotAllowed},
		{AlreadyMirrored, http.StatusBadRequest},
		{UploadFailed, http.StatusInternalServerError},
		{Kind(-1), http.StatusInternalServerError},
		{kindCount, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := tc.kind.Status(); got != tc.want {
			t.Errorf("%s: expected status %d, got %d", tc.kind, tc.want, got)
		}
	}
}

func TestKindOfAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("mirroring: %w", New(UploadFailed, cause))

	if KindOf(err) != UploadFailed {
		t.Errorf("expected upload_failed, got %s", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable with errors.Is")
	}
	if !errors.Is(err, New(UploadFailed, nil)) {
		t.Error("expected errors.Is to match on kind")
	}
	if errors.Is(err, New(UpstreamFetchFailed, nil)) {
		t.Error("expected errors.Is not to match a different kind")
	}
	if KindOf(cause) != ServerError {
		t.Errorf("expected unclassified errors to be server_error, got %s", KindOf(cause))
	}
}

func TestDetails(t *testing.T) {
	err := New(AthleteRoleConflict, nil).WithDetail("athlete_id", int64(42))
	got := DetailsOf(fmt.Errorf("wrapped: %w", err))
	if got["athlete_id"] != int64(42) {
		t.Errorf("expected athlete_id 42, got %v", got["athlete_id"])
	}
	if DetailsOf(errors.New("plain")) != nil {
		t.Error("expected nil details for a plain error")
	}
}
