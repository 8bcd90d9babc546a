package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ispadmin/internal/auth/hash"
	"ispadmin/internal/backup"
	"ispadmin/internal/config"
	"ispadmin/internal/observability"
	"ispadmin/internal/ratelimit"
	"ispadmin/internal/routeros"
	"ispadmin/internal/server"
	"ispadmin/internal/settings"
	"ispadmin/internal/users"
	"ispadmin/pkg/auth"
)

// Version is set at build time.
var Version = "dev"

// daemon holds what main needs to serve and to shut down cleanly.
type daemon struct {
	handler   http.Handler
	limiter   *ratelimit.Limiter
	scheduler *backup.Scheduler
}

func main() {
	cfg := config.FromEnv()
	log := server.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg, log, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	srv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if d.scheduler != nil {
		d.scheduler.Start()
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("version", Version).Msgf("ispadmin listening on http://%s", cfg.Bind)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server exited")
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if d.scheduler != nil {
		d.scheduler.Stop(shutdownCtx)
	}
	if d.limiter != nil {
		if err := d.limiter.Flush(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("flush rate limit state")
		}
	}
	log.Info().Msg("ispadmin stopped")
}

// build opens every store and wires the router. Every step that can fail
// runs before the bootstrap, so a first-start administrator password is
// written to out only when startup is going to succeed.
func build(ctx context.Context, cfg config.Config, log zerolog.Logger, out io.Writer) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secret, err := auth.ResolveSecret(ctx, cfg.TokenSecret, cfg.TokenSecretPath)
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	codec, err := auth.NewCodec(cfg.TokenFormat, secret, auth.CodecOptions{TTL: cfg.TokenTTL, Issuer: cfg.TokenIssuer})
	if err != nil {
		return nil, err
	}

	us, err := users.Open(cfg.UsersPath)
	if err != nil {
		return nil, err
	}
	app, err := settings.OpenApp(cfg.AppSettingsPath)
	if err != nil {
		return nil, err
	}
	billing, err := settings.OpenBilling(cfg.BillingSettingsPath)
	if err != nil {
		return nil, err
	}
	dialer := routeros.NewDeviceDialer(app.RouterTarget)

	var limiter *ratelimit.Limiter
	if cfg.RateLoginPerWindow > 0 {
		limiter = ratelimit.New(cfg.RateStatePath, cfg.RateLoginPerWindow,
			time.Duration(cfg.RateLoginWindowSec)*time.Second,
			ratelimit.WithLogger(log.With().Str("component", "ratelimit").Logger()))
	}
	metrics := observability.New()

	opts := []backup.Option{backup.WithRouter(dialer), backup.WithVersion(Version)}
	if cfg.S3.Enabled() {
		up, err := backup.NewS3Uploader(ctx, backup.S3Options{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, backup.WithUploader(up))
	}
	backupLog := log.With().Str("component", "backups").Logger()
	mgr := backup.NewManager(cfg.BackupDir, []backup.Source{
		{Name: "users.json", Path: cfg.UsersPath},
		{Name: "settings/app.json", Path: app.Path()},
		{Name: "settings/billing.json", Path: billing.Path()},
	}, cfg.BackupRetain, backupLog, opts...)
	// A lowered retention takes effect now rather than at the next backup.
	if removed, err := mgr.Prune(); err != nil {
		backupLog.Warn().Err(err).Msg("prune backups")
	} else if len(removed) > 0 {
		backupLog.Info().Strs("removed", removed).Msg("pruned backups beyond retention")
	}

	d := &daemon{limiter: limiter}
	if cfg.BackupSchedule != "" {
		d.scheduler, err = backup.NewScheduler(mgr, cfg.BackupSchedule, log)
		if err != nil {
			return nil, err
		}
	}

	name, pw, created, err := users.EnsureAdministrator(ctx, us, hash.HashPassword)
	if err != nil {
		return nil, fmt.Errorf("bootstrap administrator: %w", err)
	}
	if created {
		log.Warn().Str("username", name).Msg("created initial administrator")
		fmt.Fprintf(out, "Initial administrator %q created with password: %s\nChange it after the first login.\n", name, pw)
	}

	d.handler = server.NewRouter(server.Deps{
		Config:  cfg,
		Logger:  log,
		Version: Version,
		Users:   us,
		Codec:   codec,
		App:     app,
		Billing: billing,
		Backups: mgr,
		Router:  dialer,
		Limiter: limiter,
		Metrics: metrics,
	})
	return d, nil
}
