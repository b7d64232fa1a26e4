package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"giftledger/internal/common/middleware"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	serveCmd.Flags().Bool("no-scheduler", false, "Do not run the maintenance jobs in this process")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the API gateway and the portal",
	Long: `Serve the partner API gateway under /api/v1 and the merchant portal under
/portal/v1. Unless disabled, the maintenance jobs run on their schedules in
the same process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if doMigrate, _ := cmd.Flags().GetBool("migrate"); doMigrate {
		if err := migrateUp(0); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
	if cfg.Scheduler.Enabled && !noScheduler {
		s, err := a.scheduler(ctx, cfg, logger)
		if err != nil {
			return err
		}
		s.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				logger.Error("scheduler shutdown error", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      a.router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting giftledger",
			"port", cfg.HTTP.Port,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.HTTP.AllowedOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.ready(r.Context()); err != nil {
			logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", a.metrics.Handler())

	r.Mount("/api/v1", a.gateway.Routes())
	r.Mount("/portal/v1", a.portal.Routes())
	return r
}

func (a *app) ready(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.HealthCheck(ctx); err != nil {
			return err
		}
	}
	if a.nats != nil {
		if err := a.nats.HealthCheck(); err != nil {
			return err
		}
	}
	return nil
}
