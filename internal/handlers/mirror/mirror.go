// Package mirror implements the handler that mirrors an activity to the pet account.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/middleware"
	"github.com/lildude/pawmirror/internal/mirror"
	"github.com/lildude/pawmirror/internal/respond"
	"github.com/sirupsen/logrus"
)

const maxBody = 1 << 16

type Mirrorer interface {
	Mirror(ctx context.Context, userID, activityURL string) (*mirror.Result, error)
}

type Handler struct {
	svc Mirrorer
	log logrus.FieldLogger
}

func New(svc Mirrorer, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

type request struct {
	ActivityURL string `json:"activityUrl"`
}

type response struct {
	Success bool `json:"success"`
	*mirror.Result
}

// MirrorHandler answers POST /api/mirror with body {"activityUrl": "..."}.
func (h *Handler) MirrorHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respond.Error(w, h.log, apperr.New(apperr.Unauthorized, errors.New("no authenticated user")))
		return
	}

	if r.Body == nil {
		respond.Error(w, h.log, apperr.New(apperr.InvalidRequest, errors.New("empty body")))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		respond.Error(w, h.log, apperr.New(apperr.InvalidRequest, err))
		return
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		respond.Error(w, h.log, apperr.New(apperr.InvalidRequest, fmt.Errorf("decoding body: %w", err)))
		return
	}

	res, err := h.svc.Mirror(r.Context(), userID, req.ActivityURL)
	if err != nil {
		respond.Error(w, h.log.WithField("user_id", userID), err)
		return
	}
	respond.JSON(w, http.StatusOK, response{Success: true, Result: res})
}
