package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarmcast/internal/core/ports"
	"swarmcast/internal/infrastructure/middleware"
	"swarmcast/internal/infrastructure/monitoring"
	"swarmcast/internal/infrastructure/repositories/memory"
	redisrepo "swarmcast/internal/infrastructure/repositories/redis"
	signalinfra "swarmcast/internal/infrastructure/signal"
	"swarmcast/pkg/config"
	"swarmcast/pkg/logger"
	"swarmcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/relay.yaml",
		"./configs/relay.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Tracing (optional)
	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName,
			JaegerURL:   cfg.Tracing.JaegerURL,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Errorw("failed to initialize tracing, continuing without", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					log.Errorw("error shutting down tracer provider", "error", err)
				}
			}()
			log.Info("tracing enabled")
		}
	}

	// Room registry: redis when enabled, in-memory otherwise
	var registry ports.RoomRegistry
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisrepo.NewRedisClient(
			cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()
		registry = redisrepo.NewRedisRoomRegistry(redisClient)
		log.Infow("using redis room registry", "address", cfg.Redis.Address)
	} else {
		registry = memory.NewMemoryRoomRegistry()
	}

	collector := monitoring.NewPrometheusCollector()
	relayServer := signalinfra.NewRelayServer(registry, collector, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewRateLimitMiddleware(cfg))

	// WebSocket endpoint, optionally behind join-token auth
	ws := router.Group("")
	if cfg.Auth.Enabled {
		validator := middleware.NewJoinTokenValidator(cfg.Auth.JWTSecret)
		ws.Use(middleware.JoinTokenMiddleware(validator))
		log.Info("join-token auth enabled")
	}
	ws.GET(cfg.Relay.Path, gin.WrapF(relayServer.HandleWebSocket))

	router.GET("/health", gin.WrapF(relayServer.HealthCheck))
	router.GET("/ready", func(c *gin.Context) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				c.JSON(503, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{
			"status": "ready",
			"uptime": time.Since(startTime).String(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting Swarmcast relay on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down Swarmcast relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	log.Info("Swarmcast relay stopped")
}
