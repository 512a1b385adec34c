// Package client wires the offline-first sync client: the durable mutation
// log and record store on SQLite, the connectivity monitor, the conflict
// resolver and the sync engine, all driven from one configuration.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/objectql/sync/internal/client/config"
	"github.com/objectql/sync/internal/client/connectivity"
	"github.com/objectql/sync/internal/client/engine"
	"github.com/objectql/sync/internal/client/mutlog"
	"github.com/objectql/sync/internal/client/resolver"
	"github.com/objectql/sync/internal/client/storage"
	"github.com/objectql/sync/internal/client/transport"
	"github.com/objectql/sync/internal/logging"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	engine  *engine.Engine
	monitor *connectivity.Monitor
}

// NewApp opens the client database, runs migrations and assembles the sync
// engine with the given conflict strategy and callbacks.
func NewApp(ctx context.Context, c *config.Config, strategy resolver.Strategy, callbacks engine.Callbacks) (*App, error) {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	db, err := storage.OpenDatabase(ctx, c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	pusher := transport.NewHTTPClient(c.ServerAddr, c.AuthToken, c.RequestTimeout)
	monitor := connectivity.NewMonitor(pusher, c.OnlineCheckInterval, logger)
	log := mutlog.NewSQLiteLogger(db, c.ClientID)
	store := storage.NewSQLiteStore(db)
	res := resolver.New(strategy, logger)

	eng := engine.New(engine.Config{
		ClientID:       c.ClientID,
		BatchSize:      c.BatchSize,
		SyncInterval:   c.SyncInterval,
		RequestTimeout: c.RequestTimeout,
		MaxRetries:     c.MaxRetries,
		BackoffBase:    c.BackoffBase,
	}, log, log, store, pusher, res, monitor, logger, callbacks)

	return &App{config: c, logger: logger, engine: eng, monitor: monitor}, nil
}

// Engine exposes the sync engine for recording mutations and resolving
// manual conflicts.
func (app *App) Engine() *engine.Engine {
	return app.engine
}

// Run starts the connectivity monitor and the sync loop until an OS signal
// or context cancellation stops them.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigs
		cancelFunc()
	}()

	app.logger.Info(ctx, "starting sync client", "client_id", app.config.ClientID)

	go app.monitor.Run(ctx)
	app.engine.Run(ctx)
}
