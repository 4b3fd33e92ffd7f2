package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/davidahmann/dealledger/internal/auth"
	"github.com/davidahmann/dealledger/internal/authority"
	"github.com/davidahmann/dealledger/internal/config"
	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/ledger/pgstore"
	"github.com/davidahmann/dealledger/internal/ledger/sqlstore"
	"github.com/davidahmann/dealledger/internal/lock"
	"github.com/davidahmann/dealledger/internal/policy"
)

// app is the wired service plus everything that must be closed with it.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   ledger.Store
	svc     *authority.Service
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log.format %q", cfg.Format)
	}
}

func openStore(ctx context.Context, cfg config.DBConfig) (ledger.Store, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewInMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := ledger.Migrate(ctx, s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, s.Close, nil
	case "postgres":
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ledger.Migrate(ctx, s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported db.driver %q", cfg.Driver)
	}
}

func openLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func() error, error) {
	switch cfg.Driver {
	case "", "local":
		return lock.NewLocal(), func() error { return nil }, nil
	case "redis":
		r := lock.NewRedis(lock.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			LeaseTTL: cfg.LeaseTTL,
		})
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("redis lock: %w", err)
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock.driver %q", cfg.Driver)
	}
}

func newAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	a := &auth.MultiAuthenticator{
		DevToken:   cfg.DevToken,
		DevSubject: cfg.DevSubject,
		DevRoles:   cfg.DevRoles,
	}
	if cfg.JWTSecret != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		a.JWT = jwtAuth
	}
	return a, nil
}

// openApp wires the ledger service from cfg. The caller closes the app.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	loaded, err := policy.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	locker, closeLocker, err := openLocker(ctx, cfg.Lock)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)

	opts := authority.Options{
		Store:  store,
		Policy: loaded.Engine,
		Locker: locker,
		Logger: logger,

		IngestRole: cfg.Auth.IngestRole,
	}
	if cfg.SigningKey.PrivateKeyPath != "" {
		signer, err := crypto.LoadKeySigner(cfg.SigningKey.KeyID, cfg.SigningKey.PrivateKeyPath)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("signing key: %w", err)
		}
		opts.Signer = signer
	}

	a.svc, err = authority.New(opts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.svc.RegisterSigningKey(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("register signing key: %w", err)
	}

	logger.InfoContext(ctx, "ledger opened",
		"db_driver", cfg.DB.Driver,
		"lock_driver", cfg.Lock.Driver,
		"policy_id", loaded.Policy.PolicyID,
		"policy_hash", loaded.Hash,
	)
	return a, nil
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config %s: %w", flags.configPath, err)
	}
	return cfg, nil
}
