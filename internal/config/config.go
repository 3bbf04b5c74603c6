// Package config loads the process configuration from the environment once at
// start-up. The resulting Config is treated as immutable and passed explicitly to
// every component that needs it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
)

const minStateSecretLen = 32

type Config struct {
	Env      string `env:"ENV" envDefault:"production"`
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	AppBaseURL        string `env:"APP_BASE_URL"`
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`
	AppDisplayName    string `env:"APP_DISPLAY_NAME" envDefault:"Pawmirror"`
	MirrorTitlePrefix string `env:"MIRROR_TITLE_PREFIX" envDefault:"🐾 "`

	StravaClientID     string `env:"STRAVA_CLIENT_ID"`
	StravaClientSecret string `env:"STRAVA_CLIENT_SECRET"`
	StravaRedirectURI  string `env:"STRAVA_REDIRECT_URI"`

	StateSecret       string `env:"STATE_SECRET"`
	IdentityJWTSecret string `env:"IDENTITY_JWT_SECRET"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every setting the service cannot start without. The Strava
// client credentials are checked per request instead, so a misconfigured
// deployment still serves a clear configuration error.
func (c *Config) Validate() error {
	var errs []error
	if c.AppBaseURL == "" {
		errs = append(errs, errors.New("APP_BASE_URL is required"))
	} else if u, err := url.Parse(c.AppBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("APP_BASE_URL %q is not an absolute URL", c.AppBaseURL))
	}
	if c.StravaRedirectURI == "" {
		errs = append(errs, errors.New("STRAVA_REDIRECT_URI is required"))
	}
	if len(c.StateSecret) < minStateSecretLen {
		errs = append(errs, fmt.Errorf("STATE_SECRET must be at least %d bytes", minStateSecretLen))
	}
	if c.IdentityJWTSecret == "" {
		errs = append(errs, errors.New("IDENTITY_JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

// RedirectURL returns the application base URL with query appended, for the
// browser to land on after the OAuth callback.
func (c *Config) RedirectURL(query url.Values) string {
	return strings.TrimRight(c.AppBaseURL, "/") + "/?" + query.Encode()
}
