package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepwise/internal/backend"
	"github.com/petrijr/stepwise/internal/config"
	"github.com/petrijr/stepwise/internal/engine"
	"github.com/petrijr/stepwise/internal/logging"
	"github.com/petrijr/stepwise/pkg/api"
	"github.com/petrijr/stepwise/pkg/otelobserver"
	"github.com/petrijr/stepwise/pkg/travel"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "stepwise",
		Short:         "Durable sequential workflow engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(a),
		newSubmitCmd(a),
		newDrainCmd(a),
		newStatusCmd(a),
		newListCmd(a),
		newRecoverCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// runtime is an engine wired to the configured store, the travel planner
// and its handlers.
type runtime struct {
	engine api.Engine
	otel   *otelobserver.Observer
	close  backend.CloseFunc
}

func (a *app) open(ctx context.Context) (*runtime, error) {
	store, closeStore, err := backend.Open(ctx, backend.Settings{
		Driver:   a.cfg.Store.Driver,
		DSN:      a.cfg.Store.DSN,
		Database: a.cfg.Store.Database,
		Prefix:   a.cfg.Store.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Store.Driver, err)
	}

	otelObs, err := otelobserver.New(nil, nil)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	eng := engine.NewEngineWithConfig(engine.Config{
		Store:    store,
		Planner:  travel.Planner{HoldBeforeBudget: a.cfg.Planner.Hold},
		Observer: api.NewCompositeObserver(api.NewLoggingObserver(a.logger), otelObs),
		Logger:   a.logger,
	})
	if err := travel.Register(eng, &travel.Handlers{
		Origin:   a.cfg.Planner.Origin,
		Currency: a.cfg.Planner.Currency,
	}); err != nil {
		_ = closeStore()
		return nil, err
	}

	return &runtime{engine: eng, otel: otelObs, close: closeStore}, nil
}

func (r *runtime) Close() error {
	r.otel.Abandon()
	return r.close()
}
