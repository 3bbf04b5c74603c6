// Package callback implements the OAuth callback that completes connecting a
// Strava account. It always answers with a redirect to the application.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/cache"
	"github.com/lildude/pawmirror/internal/config"
	"github.com/lildude/pawmirror/internal/database"
	"github.com/lildude/pawmirror/internal/metrics"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/state"
	"github.com/lildude/pawmirror/internal/strava"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/text/unicode/norm"
)

const noncePrefix = "state:nonce:"

type Store interface {
	GetConnectionByAthlete(ctx context.Context, userID string, athleteID int64) (*model.Connection, error)
	UpsertConnection(ctx context.Context, c *model.Connection) error
}

type Handler struct {
	cfg     *config.Config
	codec   *state.Codec
	nonces  cache.Cache
	store   Store
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

func New(cfg *config.Config, codec *state.Codec, nonces cache.Cache, store Store, m *metrics.Metrics, log logrus.FieldLogger) *Handler {
	return &Handler{cfg: cfg, codec: codec, nonces: nonces, store: store, metrics: m, log: log}
}

// CallbackHandler answers GET /api/strava/callback?code=&state=&error=.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	c, err := h.connect(r.Context(), r.URL.Query())
	if err != nil {
		kind := apperr.KindOf(err)
		h.log.WithError(err).WithField("kind", kind.String()).Warn("strava callback failed")

		q := url.Values{"error": {kind.RedirectCode()}}
		for k, v := range apperr.DetailsOf(err) {
			q.Set(k, fmt.Sprint(v))
		}
		h.metrics.Callback(kind.RedirectCode())
		http.Redirect(w, r, h.cfg.RedirectURL(q), http.StatusFound)
		return
	}

	h.log.WithFields(logrus.Fields{
		"user_id":    c.UserID,
		"role":       c.Role,
		"athlete_id": c.AthleteID,
	}).Info("connected strava account")
	h.metrics.Callback("oauth_success")
	q := url.Values{"oauth_success": {"true"}, "role": {string(c.Role)}}
	http.Redirect(w, r, h.cfg.RedirectURL(q), http.StatusFound)
}

func (h *Handler) connect(ctx context.Context, q url.Values) (*model.Connection, error) {
	if e := q.Get("error"); e != "" {
		return nil, apperr.New(apperr.OAuthDenied, fmt.Errorf("provider returned %q", e))
	}
	code, raw := q.Get("code"), q.Get("state")
	if code == "" || raw == "" {
		return nil, apperr.New(apperr.InvalidRequest, errors.New("missing code or state"))
	}

	// Checked before the nonce is spent so the state survives a fixed deployment.
	if h.cfg.StravaClientID == "" {
		return nil, apperr.New(apperr.ConfigurationError, errors.New("STRAVA_CLIENT_ID is not set"))
	}

	p, err := h.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	fresh, err := h.nonces.Claim(ctx, noncePrefix+p.Nonce, h.codec.Remaining(p))
	if err != nil {
		return nil, apperr.New(apperr.ServerError, err)
	}
	if !fresh {
		return nil, apperr.New(apperr.StateReplayed, errors.New("state nonce already used"))
	}

	oc := strava.OauthConfig(h.cfg.StravaClientID, h.cfg.StravaClientSecret, h.cfg.StravaRedirectURI, p.Role)
	tok, err := oc.Exchange(ctx, code, oauth2.VerifierOption(p.CodeVerifier))
	if err != nil {
		return nil, apperr.New(apperr.TokenExchangeFailed, err)
	}
	athlete, err := strava.AthleteFromToken(tok)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, err)
	}

	existing, err := h.store.GetConnectionByAthlete(ctx, p.UserID, athlete.ID)
	if err != nil {
		return nil, apperr.New(apperr.DatabaseError, err)
	}
	if existing != nil && existing.Role != p.Role {
		return nil, roleConflict(athlete.ID,
			fmt.Errorf("athlete %d is already connected as %s", athlete.ID, existing.Role))
	}

	c := &model.Connection{
		UserID:       p.UserID,
		Role:         p.Role,
		AthleteID:    athlete.ID,
		Username:     athlete.Username,
		DisplayName:  DisplayName(athlete),
		AvatarURL:    AvatarURL(athlete),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    strava.ExpiresAt(tok),
	}
	if err := h.store.UpsertConnection(ctx, c); err != nil {
		// A concurrent callback linked the athlete after the lookup above.
		if errors.Is(err, database.ErrAthleteConnected) {
			return nil, roleConflict(athlete.ID, err)
		}
		return nil, apperr.New(apperr.DatabaseError, err)
	}
	return c, nil
}

func roleConflict(athleteID int64, err error) error {
	return apperr.New(apperr.AthleteRoleConflict, err).
		WithDetail("athlete_id", strconv.FormatInt(athleteID, 10))
}

// DisplayName joins the athlete's first and last names in NFC form.
func DisplayName(a *strava.Athlete) string {
	return norm.NFC.String(strings.TrimSpace(a.FirstName + " " + a.LastName))
}

// AvatarURL prefers the large profile picture over the medium one.
func AvatarURL(a *strava.Athlete) *string {
	for _, u := range []string{a.Profile, a.ProfileMedium} {
		if u != "" {
			return &u
		}
	}
	return nil
}
