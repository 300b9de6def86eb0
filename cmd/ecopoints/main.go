// Package main запускает HTTP-сервер сервиса ecopoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ecopoints-system/internal/config"
	"github.com/mmeshcher/ecopoints-system/internal/handler"
	"github.com/mmeshcher/ecopoints-system/internal/metrics"
	"github.com/mmeshcher/ecopoints-system/internal/middleware"
	"github.com/mmeshcher/ecopoints-system/internal/payout"
	"github.com/mmeshcher/ecopoints-system/internal/repository"
	"github.com/mmeshcher/ecopoints-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var payoutClient *payout.Client
	if cfg.PayoutGatewayAddress != "" {
		payoutClient = payout.NewClient(cfg.PayoutGatewayAddress)
	}

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.NewEngineMetrics(registry)

	svc := service.NewService(repo, payoutClient, engineMetrics, logger)
	defer svc.Close()

	authSecret := cfg.AuthSecret
	if authSecret == "" {
		authSecret = "ecopoints-secret"
	}
	authMiddleware := middleware.NewAuthMiddleware(authSecret)

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	h := handler.NewHandler(svc, logger, authMiddleware, metricsHandler)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting ecopoints server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
