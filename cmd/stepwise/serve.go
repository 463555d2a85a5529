package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepwise/internal/httpapi"
	"github.com/petrijr/stepwise/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var noHTTP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers and the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, !noHTTP)
		},
	}
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "run workers only")
	return cmd
}

func (a *app) serve(ctx context.Context, withHTTP bool) error {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			a.logger.Error("store close failed", "error", err)
		}
	}()

	// Recover once, before any worker claims.
	n, err := rt.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	a.logger.Info("store recovered", "steps", n, "driver", a.cfg.Store.Driver)

	// Workers run on their own context: a signal stops them between steps
	// instead of cancelling the step in flight.
	workerCtx := context.WithoutCancel(ctx)
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Count)
	for i := 0; i < a.cfg.Worker.Count; i++ {
		w := worker.NewWithConfig(rt.engine, worker.Config{
			PollInterval: a.cfg.Worker.PollInterval,
			ErrorBackoff: a.cfg.Worker.ErrorBackoff,
			SkipRecover:  true,
			Logger:       a.logger,
		})
		if err := w.Start(workerCtx); err != nil {
			return err
		}
		workers = append(workers, w)
	}
	stopWorkers := func() {
		for _, w := range workers {
			w.Stop()
		}
	}
	notify := func() {
		for _, w := range workers {
			w.Notify()
		}
	}

	if !withHTTP {
		<-ctx.Done()
		a.logger.Info("shutdown signal received")
		stopWorkers()
		return nil
	}

	srv := httpapi.NewServer(rt.engine, notify, a.logger)
	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      srv.Echo(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("http server starting", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown failed", "error", err)
			_ = server.Close()
		}
	}

	stopWorkers()
	a.logger.Info("stopped gracefully")
	return runErr
}
