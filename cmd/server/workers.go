package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// runWorkers starts the settlement workers and the periodic sweeps. The
// returned func stops both.
func runWorkers(ctx context.Context, a *app) (func(), error) {
	w, err := a.workers()
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	sched, err := startSweeps(ctx, a)
	if err != nil {
		w.Shutdown()
		return nil, err
	}
	return func() {
		if err := sched.Shutdown(); err != nil {
			a.log.WithError(err).Warn("sweep scheduler shutdown failed")
		}
		w.Shutdown()
	}, nil
}

func workersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "start settlement workers and sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if a.mockMode() {
				a.log.Warn("workers running against the in-memory ledger only see matches created by this process")
			}

			stopWorkers, err := runWorkers(ctx, a)
			if err != nil {
				return err
			}
			<-ctx.Done()
			a.log.Info("stopping workers")
			stopWorkers()
			return nil
		},
	}
}
