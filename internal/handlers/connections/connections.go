// Package connections lets a user see and remove their linked Strava accounts.
package connections

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/middleware"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/respond"
	"github.com/sirupsen/logrus"
)

type Store interface {
	ListConnections(ctx context.Context, userID string) ([]model.Connection, error)
	DeleteConnection(ctx context.Context, userID string, role model.Role) (bool, error)
}

type Handler struct {
	store Store
	log   logrus.FieldLogger
}

func New(store Store, log logrus.FieldLogger) *Handler {
	return &Handler{store: store, log: log}
}

type listResponse struct {
	Human *model.Connection `json:"humanConnection"`
	Pet   *model.Connection `json:"petConnection"`
}

// List answers GET /api/connections. Credentials are never serialised.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respond.Error(w, h.log, apperr.New(apperr.Unauthorized, errors.New("no authenticated user")))
		return
	}

	cs, err := h.store.ListConnections(r.Context(), userID)
	if err != nil {
		respond.Error(w, h.log, apperr.New(apperr.DatabaseError, err))
		return
	}

	var res listResponse
	for i := range cs {
		switch cs[i].Role {
		case model.RoleHuman:
			res.Human = &cs[i]
		case model.RolePet:
			res.Pet = &cs[i]
		}
	}
	respond.JSON(w, http.StatusOK, res)
}

// Delete answers DELETE /api/connections?role=HUMAN|PET.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respond.Error(w, h.log, apperr.New(apperr.Unauthorized, errors.New("no authenticated user")))
		return
	}
	role, ok := model.ParseRole(r.URL.Query().Get("role"))
	if !ok {
		respond.Error(w, h.log, apperr.New(apperr.InvalidRequest, errors.New("role must be HUMAN or PET")))
		return
	}

	deleted, err := h.store.DeleteConnection(r.Context(), userID, role)
	if err != nil {
		respond.Error(w, h.log, apperr.New(apperr.DatabaseError, err))
		return
	}
	if !deleted {
		respond.JSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("No %s connection", role)})
		return
	}

	h.log.WithFields(logrus.Fields{"user_id": userID, "role": role}).Info("disconnected strava account")
	respond.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
