package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/playmatatu/wordduel/internal/api"
	"github.com/playmatatu/wordduel/internal/api/handlers"
	"github.com/playmatatu/wordduel/internal/ws"
)

func serveCommand() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP API and websocket fan-out",
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

			if withWorkers || a.mockMode() {
				stopWorkers, err := runWorkers(ctx, a)
				if err != nil {
					return err
				}
				defer stopWorkers()
			}

			hub := ws.NewHub(a.log)
			sub := ws.NewSubscriber(a.rdb, hub, a.log)
			go func() {
				if err := sub.Run(ctx); err != nil {
					a.log.WithError(err).Error("event subscriber stopped")
				}
			}()

			if cfg.IsProduction() {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(gin.Recovery())

			api.SetupRoutes(router, api.Deps{
				Config:    cfg,
				Logger:    a.log,
				Queue:     a.queue,
				Matches:   a.mgr,
				Deposits:  a.jobs,
				Jobs:      a.inspector,
				Operators: a.operators,
				WS:        ws.NewHandler(hub, a.mgr, allowedOrigin(cfg.IsProduction(), cfg.FrontendURL), a.log),
				Health:    healthChecks(a),
			})

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.WithField("port", cfg.Port).Info("starting wordduel server")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			a.log.Info("shutting down server")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "with-workers", false, "also run settlement workers and sweeps in this process")
	return cmd
}

func allowedOrigin(production bool, frontend string) string {
	if production {
		return frontend
	}
	return ""
}

func healthChecks(a *app) map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{
		"redis": func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
	}
	if a.db != nil {
		checks["database"] = a.db.PingContext
	}
	return checks
}
