// Package auth implements the handler that starts connecting a Strava account.
package auth

import (
	"errors"
	"net/http"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/config"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/respond"
	"github.com/lildude/pawmirror/internal/state"
	"github.com/lildude/pawmirror/internal/strava"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type Handler struct {
	cfg   *config.Config
	codec *state.Codec
	log   logrus.FieldLogger
}

func New(cfg *config.Config, codec *state.Codec, log logrus.FieldLogger) *Handler {
	return &Handler{cfg: cfg, codec: codec, log: log}
}

// AuthHandler answers GET /api/strava/authorize?role=&userId= with the Strava
// consent URL for role. The PKCE verifier travels inside the signed state.
func (h *Handler) AuthHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role, ok := model.ParseRole(q.Get("role"))
	if !ok {
		respond.Error(w, h.log, apperr.New(apperr.InvalidRequest, errors.New("role must be HUMAN or PET")))
		return
	}
	userID := q.Get("userId")
	if userID == "" {
		respond.Error(w, h.log, apperr.New(apperr.InvalidRequest, errors.New("userId is required")))
		return
	}
	if h.cfg.StravaClientID == "" {
		respond.Error(w, h.log, apperr.New(apperr.ConfigurationError, errors.New("STRAVA_CLIENT_ID is not set")))
		return
	}

	verifier := oauth2.GenerateVerifier()
	st, err := h.codec.Encode(h.codec.NewPayload(userID, role, verifier))
	if err != nil {
		respond.Error(w, h.log, apperr.New(apperr.ServerError, err))
		return
	}

	oc := strava.OauthConfig(h.cfg.StravaClientID, h.cfg.StravaClientSecret, h.cfg.StravaRedirectURI, role)
	u := oc.AuthCodeURL(st, oauth2.S256ChallengeOption(verifier))

	h.log.WithFields(logrus.Fields{"user_id": userID, "role": role}).Info("starting strava authorization")
	respond.JSON(w, http.StatusOK, map[string]string{"authUrl": u})
}
