// Package refresh keeps stored Strava credentials usable.
package refresh

import (
	"context"
	"time"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/metrics"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/strava"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Margin is how close to expiry a stored access token may be and still be used.
const Margin = 5 * time.Minute

type TokenStore interface {
	UpdateConnectionTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt int64) error
}

type Refresher struct {
	oauth   *oauth2.Config
	store   TokenStore
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	now     func() time.Time
}

func New(oauth *oauth2.Config, store TokenStore, m *metrics.Metrics, log logrus.FieldLogger) *Refresher {
	return &Refresher{oauth: oauth, store: store, metrics: m, log: log, now: time.Now}
}

// WithClock returns a copy of r that reads the time from now.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	cp := *r
	cp.now = now
	return &cp
}

// AccessToken returns a usable access token for c. A stored token that is valid
// for longer than Margin is returned as is. Otherwise a single refresh grant is
// made, the new credentials are persisted and c is updated in place.
func (r *Refresher) AccessToken(ctx context.Context, c *model.Connection) (string, error) {
	if c.ExpiresAt > r.now().Add(Margin).Unix() {
		return c.AccessToken, nil
	}

	log := r.log.WithFields(logrus.Fields{"connection_id": c.ID, "role": c.Role})

	ts := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		r.metrics.Refresh(metrics.ResultFailure)
		return "", apperr.New(apperr.TokenRefreshFailed, err)
	}
	r.metrics.Refresh(metrics.ResultSuccess)

	expiresAt := strava.ExpiresAt(tok)
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = c.RefreshToken
	}
	if err := r.store.UpdateConnectionTokens(ctx, c.ID, tok.AccessToken, refreshToken, expiresAt); err != nil {
		return "", apperr.New(apperr.DatabaseError, err)
	}
	log.WithField("expires_at", expiresAt).Info("refreshed strava token")

	c.AccessToken = tok.AccessToken
	c.RefreshToken = refreshToken
	c.ExpiresAt = expiresAt
	return c.AccessToken, nil
}
