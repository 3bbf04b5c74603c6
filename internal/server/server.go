// Package server wires the handlers into the HTTP router.
package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/cache"
	"github.com/lildude/pawmirror/internal/config"
	"github.com/lildude/pawmirror/internal/database"
	"github.com/lildude/pawmirror/internal/handlers/auth"
	"github.com/lildude/pawmirror/internal/handlers/callback"
	"github.com/lildude/pawmirror/internal/handlers/connections"
	mirrorhandler "github.com/lildude/pawmirror/internal/handlers/mirror"
	"github.com/lildude/pawmirror/internal/metrics"
	"github.com/lildude/pawmirror/internal/middleware"
	"github.com/lildude/pawmirror/internal/mirror"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/refresh"
	"github.com/lildude/pawmirror/internal/respond"
	"github.com/lildude/pawmirror/internal/state"
	"github.com/lildude/pawmirror/internal/strava"
	"github.com/sirupsen/logrus"
)

type Deps struct {
	Config  *config.Config
	Store   *database.Store
	Nonces  cache.Cache
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
}

// New returns the service's HTTP handler.
func New(d Deps) http.Handler {
	cfg, log := d.Config, d.Log
	codec := state.NewCodec([]byte(cfg.StateSecret))

	// The refresh grant does not depend on the scopes, so one config serves both roles.
	oc := strava.OauthConfig(cfg.StravaClientID, cfg.StravaClientSecret, cfg.StravaRedirectURI, model.RoleHuman)
	tokens := refresh.New(oc, d.Store, d.Metrics, log)
	svc := mirror.New(d.Store, tokens, mirror.Options{
		TitlePrefix: cfg.MirrorTitlePrefix,
		AppName:     cfg.AppDisplayName,
	}, d.Metrics, log)

	ah := auth.New(cfg, codec, log)
	cb := callback.New(cfg, codec, d.Nonces, d.Store, d.Metrics, log)
	mh := mirrorhandler.New(svc, log)
	ch := connections.New(d.Store, log)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(middleware.CORS(cfg.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, log, apperr.New(apperr.MethodNotAllowed, errors.New(r.Method+" "+r.URL.Path)))
	})

	r.Get("/", indexHandler(cfg.AppDisplayName, log))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/strava/authorize", ah.AuthHandler)
		r.Get("/strava/callback", cb.CallbackHandler)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuthentication([]byte(cfg.IdentityJWTSecret), log))
			r.Post("/mirror", mh.MirrorHandler)
			r.Get("/connections", ch.List)
			r.Delete("/connections", ch.Delete)
		})
	})

	return r
}

func indexHandler(name string, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte(name)); err != nil {
			log.WithError(err).Warn("writing index")
		}
	}
}
