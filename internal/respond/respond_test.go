package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/logger"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusCreated, map[string]string{"url": "https://example.com/?a=1&b=2"})

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "a=1&b=2") {
		t.Errorf("expected unescaped ampersand, got %s", rec.Body.String())
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		wantKeys   []string
	}{
		{
			"unclassified error",
			errors.New("dial tcp 10.0.0.1:5432: secret-host refused"),
			http.StatusInternalServerError,
			"Internal server error",
			nil,
		},
		{
			"wrapped kind",
			fmt.Errorf("mirroring: %w", apperr.New(apperr.MissingGPSData, errors.New("no latlng"))),
			http.StatusBadRequest,
			"Activity has no GPS data",
			nil,
		},
		{
			"details",
			apperr.New(apperr.AlreadyMirrored, nil).WithDetail("mirror", map[string]any{"id": 1}),
			http.StatusBadRequest,
			"Activity has already been mirrored",
			[]string{"mirror"},
		},
		{
			"database",
			apperr.New(apperr.DatabaseError, errors.New(`pq: relation "connections" does not exist`)),
			http.StatusInternalServerError,
			"Database error",
			nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Error(rec, logger.Discard(), tc.err)

			if rec.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["error"] != tc.wantError {
				t.Errorf("expected error %q, got %v", tc.wantError, body["error"])
			}
			for _, k := range tc.wantKeys {
				if _, ok := body[k]; !ok {
					t.Errorf("expected key %q in %v", k, body)
				}
			}
			for _, leak := range []string{"secret-host", "no latlng", "pq:"} {
				if strings.Contains(rec.Body.String(), leak) {
					t.Errorf("response leaked cause %q: %s", leak, rec.Body.String())
				}
			}
		})
	}
}
