package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/labforge/pkg/archive"
	"github.com/openfroyo/labforge/pkg/config"
	"github.com/openfroyo/labforge/pkg/configmgmt"
	"github.com/openfroyo/labforge/pkg/labs"
	"github.com/openfroyo/labforge/pkg/objectstore"
	"github.com/openfroyo/labforge/pkg/pipeline"
	"github.com/openfroyo/labforge/pkg/policy"
	"github.com/openfroyo/labforge/pkg/process"
	"github.com/openfroyo/labforge/pkg/provisioning"
	"github.com/openfroyo/labforge/pkg/stores"
	"github.com/openfroyo/labforge/pkg/telemetry"
	"github.com/openfroyo/labforge/pkg/workspace"
	"github.com/rs/zerolog"
)

// app holds the wired collaborators shared by commands.
type app struct {
	cfg        *config.AppConfig
	tel        *telemetry.Telemetry
	store      *stores.SQLiteStore
	workspaces *workspace.Manager
	labs       *labs.Service
	policy     *policy.Engine
	pipeline   *pipeline.Pipeline
	archiver   *archive.Archiver
	logger     zerolog.Logger
}

// resolveConfigPath returns --config or labforge.yaml in the data directory.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	dir := os.Getenv(config.EnvDataDir)
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	return filepath.Join(dir, "labforge.yaml")
}

func openStore(ctx context.Context, cfg *config.AppConfig) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// openApp loads the configuration and wires every component.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	a := &app{cfg: cfg, tel: tel, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.store = store

	a.workspaces, err = workspace.NewManager(cfg.Workspace.Root, logger)
	if err != nil {
		return fmt.Errorf("failed to create workspace manager: %w", err)
	}

	a.policy, err = policy.NewEngine(logger, policy.WithLimits(cfg.Policy.Limits))
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
		return err
	}

	exec := process.NewLocalExecutor(logger, process.WithRecorder(a.tel.Metrics))
	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:              store,
		Workspaces:         a.workspaces,
		Provisioning:       provisioning.NewGenerator(a.workspaces, logger),
		ProvisioningRunner: provisioning.NewRunner(exec, a.workspaces, cfg.ProvisioningRunner(), logger),
		Config:             configmgmt.NewGenerator(a.workspaces, logger),
		ConfigRunner:       configmgmt.NewRunner(exec, a.workspaces, cfg.ConfigRunner(), logger),
		Policy:             a.policy,
		Telemetry:          a.tel,
		Logger:             logger,
	}, pipeline.Options{GenerateKeys: cfg.Pipeline.GenerateKeys})
	if err != nil {
		return err
	}

	opts := []archive.Option{archive.WithTelemetry(a.tel), archive.WithLogger(logger)}
	if cfg.Archive.Mirror.Enabled() {
		mirror, err := objectstore.NewClient(ctx, cfg.Archive.Mirror, logger)
		if err != nil {
			return err
		}
		opts = append(opts, archive.WithMirror(mirror))
	}
	a.archiver, err = archive.New(store, a.workspaces, cfg.Archive.Dir, opts...)
	if err != nil {
		return err
	}

	a.labs = labs.NewService(store, a.workspaces, labs.WithRuns(a.pipeline), labs.WithLogger(logger))
	return nil
}

// close waits for background runs, then flushes telemetry and closes the store.
func (a *app) close() {
	if a.pipeline != nil {
		a.pipeline.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
