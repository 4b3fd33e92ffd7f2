package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidahmann/dealledger/internal/api"
	"github.com/davidahmann/dealledger/internal/config"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/outbox"
	"github.com/davidahmann/dealledger/internal/projection"
	"github.com/davidahmann/dealledger/internal/telemetry"
)

var version = "dev"

type listenFn func(*http.Server) error

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, listenAndServe)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, listen listenFn) error {
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	authn, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	views := projection.NewCache(a.svc.Reader(), 5*time.Second)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	if cfg.Outbox.Enabled {
		pub, closePub, err := newPublisher(cfg.Outbox, logger)
		if err != nil {
			return err
		}
		defer closePub()
		invalidate := outbox.PublisherFunc(func(_ context.Context, rec ledger.OutboxRecord) error {
			views.Invalidate(rec.DealID)
			return nil
		})
		go outbox.RunWorker(workerCtx, a.store, outbox.Fanout(invalidate, pub), cfg.Outbox.PollInterval, logger)
	}

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Options{
			Service:   a.svc,
			Views:     views,
			Auth:      authn,
			Logger:    logger,
			Limiter:   api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
			Telemetry: tel,
			Idem:      api.NewInMemoryIdemStore(24 * time.Hour),

			IngestRole: cfg.Auth.IngestRole,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	logger.InfoContext(ctx, "dealledger listening", "addr", cfg.ListenAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("dealledger stopped")
	return nil
}

func newPublisher(cfg config.OutboxConfig, logger *slog.Logger) (outbox.Publisher, func(), error) {
	switch cfg.Publisher {
	case "", "log":
		return outbox.LogPublisher{Logger: logger}, func() {}, nil
	case "nats":
		pub, err := outbox.NewNATSPublisher(outbox.NATSConfig{
			URL:           cfg.NATSURL,
			Name:          "dealledger-outbox",
			SubjectPrefix: cfg.SubjectPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("nats publisher: %w", err)
		}
		return pub, pub.Close, nil
	case "webhook":
		return outbox.NewWebhookPublisher(cfg.WebhookURL, 10*time.Second), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported outbox.publisher %q", cfg.Publisher)
	}
}
