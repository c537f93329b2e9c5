package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/distributed"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/internal/infrastructure/provider/memory"
	webrtcprovider "rillcall/internal/infrastructure/provider/webrtc"
	"rillcall/internal/infrastructure/repositories"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func newProvider(cfg *config.Config, log *zap.SugaredLogger) (ports.MediaProvider, func(), error) {
	switch cfg.Provider.Kind {
	case config.ProviderMemory:
		p := memory.NewProvider(memory.NewNetwork(log), log)
		return p, p.Close, nil
	case config.ProviderWebRTC:
		p, err := webrtcprovider.NewProvider(webrtcprovider.ConfigFromSettings(cfg), nil, log)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

func main() {
	startTime := time.Now()
	cfg, loadedFrom, err := config.Discover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rillcall-participant: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	log.Infow("configuration ready", "path", loadedFrom, "provider", cfg.Provider.Kind)

	tp, err := tracing.Init(cfg.Tracing, "rillcall-participant")
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	provider, closeProvider, err := newProvider(cfg, log)
	if err != nil {
		log.Fatalw("failed to create media provider", "error", err, "kind", cfg.Provider.Kind)
	}
	defer closeProvider()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	coordinator := services.NewSessionCoordinator(provider, log,
		services.NewLoggingObserver(log),
		collector,
	)
	hub := httphandlers.NewObserveHub(coordinator, log)
	coordinator.AddObserver(hub)

	// the redis client only carries the event bus here
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer repoFactory.Close()

	var eventBus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = distributed.NewEventBus(client, uuid.New().String(), cfg.Participant.ChannelName, log)
		coordinator.AddObserver(eventBus)
	}

	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	startDefaults := ports.StartConfig{
		ChannelName:       cfg.Participant.ChannelName,
		ScreenChannelName: cfg.Participant.ScreenChannelName,
		CaptureSource:     cfg.Participant.CaptureSource,
		Credentials:       services.NewTokenCredentialSource(tokens, domain.UID(cfg.Participant.PreferredUID)),
		InitialToggles: domain.ToggleState{
			ShareVideo:  cfg.Participant.InitialToggles.Video,
			ShareAudio:  cfg.Participant.InitialToggles.Audio,
			ShareScreen: cfg.Participant.InitialToggles.Screen,
		},
	}

	healthChecker := monitoring.NewHealthChecker().WithMetrics(prometheus.DefaultRegisterer)
	healthChecker.AddCoordinatorCheck(coordinator, 10*time.Second, time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, false, 10*time.Second, 2*time.Second)
	}
	checksCtx, stopChecks := context.WithCancel(context.Background())
	defer stopChecks()
	healthChecker.StartBackgroundChecks(checksCtx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	controlHandler := httphandlers.NewControlHandler(coordinator, startDefaults, cfg.Participant.StartTimeout, log).
		WithStartRecorder(collector)

	api := router.Group("/api/v1")
	if cfg.Control.RequireAuth {
		api.Use(middleware.TokenAuthMiddleware(tokens, cfg.Participant.ChannelName))
	}
	controlHandler.SetupRoutes(api)
	router.GET("/ws/observe", hub.Handle)

	router.GET("/health", func(c *gin.Context) {
		last := healthChecker.LastStatus()
		c.JSON(last.HTTPCode(), gin.H{
			"status":    last.Status,
			"timestamp": last.Timestamp,
			"uptime":    time.Since(startTime).String(),
			"phase":     coordinator.Status().Phase,
			"observers": hub.Count(),
			"checks":    last.Checks,
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := healthChecker.CheckAll(ctx)
		c.JSON(status.HTTPCode(), status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting participant control API",
			"address", cfg.Control.Address,
			"provider", cfg.Provider.Kind,
			"channel", cfg.Participant.ChannelName,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Participant.AutoStart {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Participant.StartTimeout)
			defer cancel()
			started := time.Now()
			err := coordinator.Start(ctx, startDefaults)
			collector.RecordStart(time.Since(started), err)
			if err != nil {
				log.Errorw("automatic start failed", "error", err)
				return
			}
			log.Infow("automatic start completed", "channel", startDefaults.ChannelName)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer shutdownCancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.Warnw("error stopping call", "error", err)
	}
	coordinator.Close()
	if eventBus != nil {
		eventBus.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer", "error", err)
	}

	log.Info("participant stopped")
}
