// Package app assembles the engine and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rpattn/journaled/internal/activity"
	"github.com/rpattn/journaled/internal/config"
	"github.com/rpattn/journaled/internal/db"
	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/export"
	"github.com/rpattn/journaled/internal/journal"
	"github.com/rpattn/journaled/internal/repository"
	"github.com/rpattn/journaled/internal/repository/memory"
	"github.com/rpattn/journaled/internal/repository/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App holds the wired engine. Close releases every resource it opened.
type App struct {
	Config   config.Config
	Store    repository.Store
	Engine   *journal.Engine
	Exports  *export.Service
	Registry *prometheus.Registry

	logger  *slog.Logger
	closers []func()
}

// New opens the configured store, builds per-kind profiles and the activity
// notifier, and returns the assembled App.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, closeStore, err := OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	notifier, closeNotifier, err := NewNotifier(cfg.Activity, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeNotifier)

	a.Engine = journal.NewEngine(store,
		journal.WithLogger(logger),
		journal.WithMetrics(journal.NewMetrics(a.Registry)),
		journal.WithNotifier(notifier),
		journal.WithMaxRetries(cfg.Journal.MaxRetries),
		journal.WithDefaultProfile(Profile(cfg.Journal)),
	)
	for _, kind := range domain.KnownKinds() {
		if err := a.Engine.Register(kind, Profile(cfg.Journal)); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Exports = export.NewService(a.Engine.Journal(), cfg.FormatterRegistry())
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Profile builds the detector described by the journal section.
func Profile(cfg config.JournalConfig) journal.Profile {
	opts := []journal.DetectorOption{journal.WithExcludedFields(cfg.ExcludedFields...)}
	for _, c := range cfg.Collections {
		if c.Key == "" {
			opts = append(opts, journal.WithCollection(journal.SetExtractor(c.Name)))
			continue
		}
		opts = append(opts, journal.WithCollection(journal.KeyValueExtractor(c.Name, c.Key, c.Value)))
	}
	return journal.Profile{Detector: journal.NewDetector(opts...)}
}

// OpenStore opens the repository selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (repository.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, journal is lost on exit")
		return memory.NewStore(), func() {}, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("opened sqlite store", "path", store.Path())
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing sqlite store", "error", err)
			}
		}, nil
	case config.DriverPostgres:
		if cfg.Migrate {
			if err := db.RunMigrations(cfg.Postgres); err != nil {
				return nil, nil, err
			}
		}
		conn, err := db.NewConnection(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.DBName)
		return repository.NewPostgresStore(conn), conn.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown database driver %q", domain.ErrValidation, cfg.Driver)
}

// NewNotifier always logs activity and, when brokers are configured, also
// publishes it to Kafka through a buffered queue.
func NewNotifier(cfg config.ActivityConfig, logger *slog.Logger) (journal.Notifier, func(), error) {
	logNotifier := activity.NewLogNotifier(logger)
	if len(cfg.Brokers) == 0 {
		return logNotifier, func() {}, nil
	}

	publisher, err := activity.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, nil, err
	}
	async := activity.NewAsync(publisher,
		activity.WithBufferSize(cfg.BufferSize),
		activity.WithAsyncLogger(logger),
	)
	logger.Info("publishing journal activity", "brokers", cfg.Brokers, "topic", publisher.Topic())
	closeAll := func() {
		async.Close()
		publisher.Close()
	}
	return activity.Fanout{logNotifier, async}, closeAll, nil
}

// IsConfigError reports whether err came from invalid configuration.
func IsConfigError(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}
