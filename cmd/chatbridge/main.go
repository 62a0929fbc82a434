// Package main implements chatbridge, a daemon that keeps one authenticated
// chat bridge session alive, persists its credentials, and forwards
// matching group messages to a webhook.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/chatbridge/pkg/api"
	"github.com/codeGROOVE-dev/chatbridge/pkg/backoff"
	"github.com/codeGROOVE-dev/chatbridge/pkg/bridge"
	"github.com/codeGROOVE-dev/chatbridge/pkg/config"
	"github.com/codeGROOVE-dev/chatbridge/pkg/delivery"
	"github.com/codeGROOVE-dev/chatbridge/pkg/lifecycle"
	"github.com/codeGROOVE-dev/chatbridge/pkg/logger"
	"github.com/codeGROOVE-dev/chatbridge/pkg/router"
	"github.com/codeGROOVE-dev/chatbridge/pkg/secrets"
	"github.com/codeGROOVE-dev/chatbridge/pkg/session"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 120 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("chatbridge exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := os.Getenv("CHATBRIDGE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	log := logger.New(os.Stderr, logger.Options{Level: logger.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON, Source: true})
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GCPProject != "" {
		if err := resolveSecrets(ctx, cfg, log); err != nil {
			return err
		}
	}
	if cfg.WebhookURL == "" {
		log.Warn("no webhook URL configured, incoming messages will not be forwarded")
	} else if cfg.WebhookSecret == "" {
		log.Warn("no webhook secret configured, deliveries will not be signed")
	}

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("failed to close session store", "error", err)
		}
	}()
	store := session.NewGuard(backend, log)

	sender := delivery.New(delivery.Config{
		Logger: log,
		URL:    cfg.WebhookURL,
		Secret: cfg.WebhookSecret,
		Limits: delivery.Limits{
			TextLimit:  cfg.TextLimit,
			ReplyLimit: cfg.ReplyLimit,
			Marker:     cfg.TruncateMarker,
		},
		Backoff:        backoff.Policy{Initial: cfg.DeliveryInitial, Max: cfg.DeliveryMax},
		MaxBytes:       cfg.MaxBytes,
		MaxAttempts:    cfg.MaxAttempts,
		RequestTimeout: cfg.RequestTimeout,
	})

	mgr, err := lifecycle.New(lifecycle.Config{
		Logger:             log,
		Store:              store,
		Factory:            bridgeFactory(cfg, log),
		SessionID:          cfg.SessionID,
		Reconnect:          backoff.Policy{Initial: cfg.ReconnectInitial, Max: cfg.ReconnectMax},
		RetryOnInitFailure: cfg.RetryOnInitFailure,
	})
	if err != nil {
		return fmt.Errorf("connection manager: %w", err)
	}
	rt := router.New(mgr, sender, router.Config{Logger: log, Keywords: cfg.Keywords})
	mgr.SetMessageHandler(rt)

	wd := lifecycle.NewWatchdog(mgr, lifecycle.WatchdogConfig{
		Logger:      log,
		Interval:    cfg.WatchdogInterval,
		IgnoreError: cfg.WatchdogIgnoreError,
	})

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewHandler(mgr, api.Config{
			Logger:            log,
			AdminToken:        cfg.AdminToken,
			WebhookConfigured: sender.Enabled(),
			RateLimit:         cfg.RateLimit,
		}),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(server, cfg, log) })
	g.Go(func() error {
		if err := mgr.Start(gctx); err != nil {
			log.Error("initial connection failed; use POST /restart once the cause is fixed", "error", err)
		}
		return nil
	})
	g.Go(func() error { return wd.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Warn("shutting down gracefully", "timeout", cfg.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("connection shutdown: %w", err))
		}
		if err := rt.Wait(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("pending deliveries: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("chatbridge stopped")
	return nil
}

func bridgeFactory(cfg *config.Config, log *slog.Logger) lifecycle.Factory {
	return func(_ context.Context, prior *session.Session) (lifecycle.Instance, error) {
		opts := bridge.Options{
			Logger:    log,
			URL:       cfg.BridgeURL,
			Token:     cfg.BridgeToken,
			SessionID: cfg.SessionID,
		}
		if prior != nil {
			opts.Session = prior.Data
		}
		c, err := bridge.New(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (session.Backend, error) {
	switch cfg.Store {
	case config.StoreRedis:
		b, err := session.NewRedis(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis session store: %w", err)
		}
		return b, nil
	case config.StorePostgREST:
		b, err := session.NewPostgREST(session.PostgRESTConfig{
			Logger: log,
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseKey,
			Table:  cfg.SupabaseTable,
		})
		if err != nil {
			return nil, fmt.Errorf("postgrest session store: %w", err)
		}
		return b, nil
	case config.StoreSQLite:
		b, err := session.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite session store: %w", err)
		}
		return b, nil
	default:
		log.Warn("using in-memory session store, credentials will not survive a restart")
		return session.NewMemory(), nil
	}
}

func resolveSecrets(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	sm, err := secrets.New(ctx, cfg.GCPProject, cfg.GCPCredentials, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sm.Close(); err != nil {
			log.Warn("failed to close secret manager client", "error", err)
		}
	}()

	targets := map[string]*string{"WEBHOOK_SECRET": &cfg.WebhookSecret}
	switch cfg.Store {
	case config.StorePostgREST:
		targets["SUPABASE_ANON_KEY"] = &cfg.SupabaseKey
	case config.StoreRedis:
		targets["REDIS_PASSWORD"] = &cfg.RedisPassword
	}
	if err := secrets.Fill(ctx, sm, targets); err != nil {
		// A missing store key surfaces when the store is opened.
		log.Warn("some secrets could not be resolved", "error", err)
	}
	return nil
}

func serve(server *http.Server, cfg *config.Config, log *slog.Logger) error {
	var err error
	if cfg.LetsEncrypt {
		if err := os.MkdirAll(cfg.LECacheDir, 0o700); err != nil {
			return fmt.Errorf("create Let's Encrypt cache directory: %w", err)
		}
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.LEDomains...),
			Cache:      autocert.DirCache(cfg.LECacheDir),
			Email:      cfg.LEEmail,
		}
		server.Addr = ":443"
		server.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		go func() {
			log.Info("starting HTTP server on :80 for Let's Encrypt ACME challenges")
			acme := &http.Server{
				Addr:              ":80",
				Handler:           certManager.HTTPHandler(nil),
				ReadHeaderTimeout: readTimeout,
			}
			if err := acme.ListenAndServe(); err != nil {
				log.Warn("ACME challenge server stopped, certificate renewal may fail", "error", err)
			}
		}()

		log.Info("starting HTTPS server with Let's Encrypt", "domains", cfg.LEDomains)
		err = server.ListenAndServeTLS("", "")
	} else {
		log.Info("starting HTTP server", "addr", cfg.Addr)
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
