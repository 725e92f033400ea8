// File: cmd/components.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/automation"
	"github.com/xkilldash9x/certidao-cli/internal/browser"
	"github.com/xkilldash9x/certidao-cli/internal/config"
	"github.com/xkilldash9x/certidao-cli/internal/definition"
	"github.com/xkilldash9x/certidao-cli/internal/registry"
	"github.com/xkilldash9x/certidao-cli/internal/store"
)

const componentShutdownTimeout = 30 * time.Second

// components holds the initialized services of one command invocation.
type components struct {
	Registry   *registry.Registry
	Browser    *browser.Manager
	Runner     *automation.Runner
	Recorder   schemas.RunRecorder
	DataSource schemas.DataSource

	pool   *pgxpool.Pool
	sqlite *store.SQLiteStore
	logger *zap.Logger
}

// Shutdown stops the runner first so that sessions close before the browser.
func (c *components) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), componentShutdownTimeout)
	defer cancel()

	if c.Runner != nil {
		if err := c.Runner.Shutdown(ctx); err != nil {
			c.logger.Warn("Error during runner shutdown", zap.Error(err))
		}
	}
	if c.Browser != nil {
		if err := c.Browser.Shutdown(ctx); err != nil {
			c.logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if c.sqlite != nil {
		if err := c.sqlite.Close(); err != nil {
			c.logger.Warn("Error closing run store", zap.Error(err))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
}

// loadRegistry registers the built-in definitions and those found in
// automation.definitions_dir, then seals the registry.
func loadRegistry(cfg config.AutomationConfig, logger *zap.Logger) (*registry.Registry, error) {
	reg := registry.New(logger)

	builtins, err := definition.Builtins()
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in definitions: %w", err)
	}
	extra, err := definition.LoadDir(cfg.DefinitionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions from %s: %w", cfg.DefinitionsDir, err)
	}
	for _, def := range append(builtins, extra...) {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}

// openStores connects the configured run store. The Postgres store is also
// the brokerage data source.
func openStores(ctx context.Context, c *components, dbCfg config.DatabaseConfig) error {
	switch dbCfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, dbCfg.URL)
		if err != nil {
			return fmt.Errorf("failed to create database connection pool: %w", err)
		}
		c.pool = pool
		pg, err := store.New(ctx, pool, c.logger)
		if err != nil {
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		c.Recorder = pg
		c.DataSource = pg
		c.logger.Info("Database connection established successfully.")
	case config.DriverSQLite:
		lite, err := store.OpenSQLite(ctx, dbCfg.SQLitePath, c.logger)
		if err != nil {
			return err
		}
		c.sqlite = lite
		c.Recorder = lite
	default:
		c.logger.Debug("Run persistence disabled.")
	}
	return nil
}

// initializeComponents wires registry, store, browser and runner. On error
// everything already started is shut down.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts ...automation.Option) (_ *components, err error) {
	c := &components{logger: logger}
	defer func() {
		if err != nil {
			c.Shutdown()
		}
	}()

	if c.Registry, err = loadRegistry(cfg.Automation(), logger); err != nil {
		return nil, err
	}
	if err = openStores(ctx, c, cfg.Database()); err != nil {
		return nil, err
	}
	if c.Browser, err = browser.NewManager(cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize browser manager: %w", err)
	}

	if c.Recorder != nil {
		opts = append([]automation.Option{automation.WithRecorder(c.Recorder)}, opts...)
	}
	if c.Runner, err = automation.New(cfg.Automation(), c.Registry, c.Browser, logger, opts...); err != nil {
		return nil, fmt.Errorf("failed to initialize runner: %w", err)
	}
	return c, nil
}

// openRecorder opens only the run store, for commands that read history.
func openRecorder(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}
	if err := openStores(ctx, c, cfg.Database()); err != nil {
		c.Shutdown()
		return nil, err
	}
	if c.Recorder == nil {
		return nil, errors.New("run history requires database.driver postgres or sqlite")
	}
	return c, nil
}
