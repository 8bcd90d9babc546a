// Package server wires the HTTP API: routing, middleware and handlers.
package server

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"ispadmin/internal/auth/hash"
	"ispadmin/internal/backup"
	"ispadmin/internal/config"
	"ispadmin/internal/observability"
	"ispadmin/internal/pppoe"
	"ispadmin/internal/ratelimit"
	"ispadmin/internal/routeros"
	"ispadmin/internal/settings"
	"ispadmin/internal/users"
	"ispadmin/pkg/auth"
)

// Logger builds the root logger from config.
func Logger(cfg config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stderr).Level(cfg.LogLevel).With().Timestamp().Logger()
}

// Deps are the collaborators NewRouter wires into handlers. Metrics, Limiter,
// Host, HashPassword and NeedsRehash are optional. NeedsRehash must agree
// with HashPassword or every login rewrites the stored hash.
type Deps struct {
	Config  config.Config
	Logger  zerolog.Logger
	Version string

	Users   *users.Store
	Codec   auth.TokenCodec
	App     *settings.AppStore
	Billing *settings.BillingStore
	Backups *backup.Manager
	Router  routeros.Dialer
	Limiter *ratelimit.Limiter
	Metrics *observability.Metrics
	Host    HostProbe

	HashPassword func(string) (string, error)
	NeedsRehash  func(string) bool
}

func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	log := d.Logger
	if d.HashPassword == nil {
		d.HashPassword = hash.HashPassword
	}
	if d.NeedsRehash == nil {
		d.NeedsRehash = hash.NeedsRehash
	}
	if d.Host == nil {
		d.Host = gopsutilProbe{}
	}

	var authOpts []auth.AuthenticatorOption
	if d.Metrics != nil {
		authOpts = append(authOpts, auth.WithObserver(d.Metrics))
	}
	authn := auth.NewAuthenticator(d.Codec, authOpts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(zerologMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	if d.Metrics != nil {
		r.Use(metricsMiddleware(d.Metrics))
	}
	if len(cfg.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           600,
		})
		r.Use(c.Handler)
	}

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": d.Version})
	})
	if cfg.MetricsEnabled && d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	ah := &AuthHandler{
		verifier: auth.NewVerifier(d.Users, !cfg.Production),
		codec:    d.Codec,
		authn:    authn,
		users:    d.Users,
		hash:     d.HashPassword,
		stale:    d.NeedsRehash,
		limiter:  d.Limiter,
		metrics:  d.Metrics,
		secure:   cfg.Production,
		log:      log.With().Str("component", "auth").Logger(),
	}
	r.Post("/api/auth/login", ah.Login)
	r.Get("/api/auth/me", ah.Me)
	r.Post("/api/auth/logout", ah.Logout)

	uh := &UsersHandler{store: d.Users, hash: d.HashPassword, ttl: cfg.TokenTTL, log: log.With().Str("component", "users").Logger()}
	ph := &PPPoEHandler{svc: pppoe.NewService(d.Router, log), metrics: d.Metrics, log: log.With().Str("component", "pppoe-api").Logger()}
	sh := &SettingsHandler{app: d.App, billing: d.Billing, log: log.With().Str("component", "settings").Logger()}
	bh := &BackupsHandler{mgr: d.Backups, metrics: d.Metrics, log: log.With().Str("component", "backups-api").Logger()}
	sys := &SystemHandler{host: d.Host, router: d.Router, version: d.Version, log: log.With().Str("component", "system").Logger()}

	viewer := requireRole(auth.RoleViewer)
	operator := requireRole(auth.RoleOperator)
	admin := requireRole(auth.RoleAdministrator)

	r.Group(func(pr chi.Router) {
		pr.Use(requireIdentity(authn))

		pr.With(admin).Get("/api/users", uh.List)
		pr.With(admin).Post("/api/users", uh.Create)
		pr.With(admin).Put("/api/users/{id}", uh.Update)
		pr.With(admin).Delete("/api/users/{id}", uh.Delete)

		pr.With(viewer).Get("/api/pppoe/active", ph.ListActive)
		pr.With(operator).Post("/api/pppoe/active/{id}/disconnect", ph.Disconnect)
		pr.With(viewer).Get("/api/pppoe/secrets", ph.ListSecrets)
		pr.With(operator).Post("/api/pppoe/secrets", ph.AddSecret)
		pr.With(operator).Patch("/api/pppoe/secrets/{id}", ph.SetSecret)
		pr.With(operator).Delete("/api/pppoe/secrets/{id}", ph.RemoveSecret)
		pr.With(viewer).Get("/api/pppoe/profiles", ph.ListProfiles)

		pr.With(admin).Get("/api/settings/app", sh.GetApp)
		pr.With(admin).Put("/api/settings/app", sh.PutApp)
		pr.With(viewer).Get("/api/settings/billing", sh.GetBilling)
		pr.With(admin).Put("/api/settings/billing", sh.PutBilling)

		pr.With(operator).Get("/api/backups", bh.List)
		pr.With(admin).Post("/api/backups", bh.Create)
		pr.With(admin).Get("/api/backups/{name}", bh.Download)

		pr.With(viewer).Get("/api/system/status", sys.Status)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}
