package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcall/internal/core/ports"
	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/internal/infrastructure/repositories"
	signalserver "rillcall/internal/infrastructure/signal"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, loadedFrom, err := config.Discover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rillcall-signal: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom == "" {
		log.Info("no config file found, using defaults")
	} else {
		log.Infow("loaded config", "path", loadedFrom)
	}

	tp, err := tracing.Init(cfg.Tracing, "rillcall-signal")
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer repoFactory.Close()
	channelRepo := repoFactory.CreateChannelRepository()

	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	var verifier ports.TokenService
	if cfg.Signal.RequireAuth {
		verifier = tokens
	}

	wsServer := signalserver.NewWebSocketServer(
		channelRepo,
		verifier,
		signalserver.NewMetrics(prometheus.DefaultRegisterer),
		signalserver.OptionsFromConfig(cfg),
		log,
	)

	healthChecker := monitoring.NewHealthChecker().WithMetrics(prometheus.DefaultRegisterer)
	healthChecker.AddRepositoryCheck(channelRepo, 10*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, true, 10*time.Second, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))

	api := router.Group("/")
	api.Use(middleware.TracingMiddleware())
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewTokenHandler(tokens, cfg.Auth.TokenTTL).SetupRoutes(api)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/health", gin.WrapF(wsServer.HealthCheck))
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := healthChecker.CheckAll(ctx)
		c.JSON(status.HTTPCode(), gin.H{
			"status":    status.Status,
			"checks":    status.Checks,
			"timestamp": status.Timestamp,
			"uptime":    time.Since(startTime).String(),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server",
			"address", cfg.Signal.Address,
			"require_auth", cfg.Signal.RequireAuth,
			"storage", repoFactory.Backend(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	wsServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer", "error", err)
	}

	log.Info("signaling server stopped")
}
