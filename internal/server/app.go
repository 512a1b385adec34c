// Package server initializes and runs the sync server: it opens the change
// log store, runs migrations, and serves the HTTP sync endpoint until an OS
// signal asks for shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/objectql/sync/internal/logging"
	"github.com/objectql/sync/internal/server/changelog"
	"github.com/objectql/sync/internal/server/config"
	"github.com/objectql/sync/internal/server/httpapi"
	"github.com/objectql/sync/internal/server/migrations"
	"github.com/objectql/sync/internal/server/pipeline"
)

type App struct {
	config *config.Config
	logger logging.Logger
	store  changelog.Store
	db     *sql.DB
}

func NewApp(c *config.Config) (*App, error) {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	app := &App{config: c, logger: logger}

	if c.UseMemoryStore {
		app.store = changelog.NewMemStore(pipeline.AllowAll{})
		return app, nil
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := runMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	app.db = db
	app.store = changelog.NewPostgresStore(db, pipeline.AllowAll{})
	return app, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting sync server")
	app.initSignalHandler(cancelFunc)

	handler := httpapi.NewHandler(app.store, app.logger, []byte(app.config.SecretKey), app.config.TokenValidityDuration)
	srv := httpapi.NewServer(app.config.EndpointAddr, handler.Routes(), app.logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	wg.Wait()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, err.Error())
		}
	}
}
