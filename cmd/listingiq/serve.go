package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/listingiq/listingiq/internal/api"
	"github.com/listingiq/listingiq/internal/config"
	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/metrics"
	"github.com/listingiq/listingiq/internal/queue"
	"github.com/listingiq/listingiq/internal/report"
	"github.com/listingiq/listingiq/internal/webhook"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the analysis workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg())
		},
	}
}

// openReports picks Postgres when a database URL is configured and SQLite otherwise.
func openReports(ctx context.Context, cfg *config.Config) (report.Repository, error) {
	if cfg.DatabaseURL != "" {
		slog.Info("saved analyses in postgres")
		return report.NewPgRepository(ctx, cfg.DatabaseURL)
	}
	slog.Info("saved analyses in sqlite", "path", cfg.DBPath)
	return report.NewSQLiteRepository(cfg.DBPath)
}

func serve(ctx context.Context, cfg *config.Config) error {
	gw, backend, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}

	reports, err := openReports(ctx, cfg)
	if err != nil {
		return fmt.Errorf("reports: %w", err)
	}
	defer reports.Close()

	var (
		m     *metrics.Metrics
		qopts []queue.Option
	)
	if cfg.MetricsEnabled {
		m = metrics.New()
		qopts = append(qopts, queue.WithRecorder(m))
	}

	// Workers and webhooks outlive the signal context so shutdown can drain them in order.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	q := queue.New(cfg, job.NewMemoryStore(), gw, qopts...)
	if m != nil {
		m.ObserveQueue(q)
	}
	q.Start(workCtx)
	q.StartCleanup(workCtx, cfg.JobTTL(), cfg.CleanupInterval())

	notifier := webhook.NewNotifier(workCtx)

	if !cfg.DisableKeepalive {
		startKeepalive(ctx, backend, cfg.KeepaliveInterval)
	}

	mux := http.NewServeMux()
	h := api.NewHandler(api.Deps{Queue: q, Reports: reports, Notifier: notifier, Model: gw}, cfg)
	h.RegisterRoutes(mux)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	middlewares := []api.Middleware{api.Recover, api.RequestID, api.Logging}
	if m != nil {
		middlewares = append(middlewares, m.Instrument)
	}
	middlewares = append(middlewares,
		api.SecurityHeaders(cfg.IsProduction()),
		api.CORS(cfg.CORSOrigins),
		api.MaxBytes(cfg.MaxBodyBytes),
		api.RateLimit(ctx, api.RateLimitOptions{
			PerMinute:  cfg.RateLimitPerMinute,
			Burst:      cfg.RateLimitBurst,
			TrustProxy: cfg.TrustProxy,
		}),
		api.Auth(api.NewAuthenticator(cfg)),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Chain(mux, middlewares...),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listingiq listening", "addr", cfg.ListenAddr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	q.Stop()
	cancelWork()
	notifier.Wait()
	return nil
}
