package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/services"
	httphandlers "swarmcast/internal/handlers/http"
	"swarmcast/internal/infrastructure/middleware"
	"swarmcast/internal/infrastructure/monitoring"
	signalinfra "swarmcast/internal/infrastructure/signal"
	"swarmcast/internal/infrastructure/storage"
	"swarmcast/pkg/config"
	"swarmcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.3.0"

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/agent.yaml",
		"./configs/agent.yaml",
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

	// Persisted settings override the static config where set
	settingsPath := filepath.Join(filepath.Dir(cfg.Cache.Path), "agent-settings.json")
	settingsStore := httphandlers.NewSettingsStore(settingsPath, log)
	settings := settingsStore.Load()

	maxCacheSize := settings.EffectiveMaxCacheSize(cfg.Cache.MaxSize)
	relayAddress := settings.EffectiveRelayAddress(cfg.Relay.Address)
	participant := settings.EffectiveParticipantID(cfg.Cache.Participant)

	collector := monitoring.NewPrometheusCollector()

	store := storage.NewBoltSegmentStore(cfg.Cache.Path, log)
	cache := services.NewSegmentCache(store, maxCacheSize, cfg.Cache.MaxAge, collector, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache.Initialize(ctx)
	defer store.Close()

	// A persisted autoConnect=false keeps the agent offline even when
	// the config enables the relay; the API stays up either way.
	client := signalinfra.NewRelayClient(signalinfra.ClientConfig{
		Enabled:           cfg.Relay.Enabled && settings.AutoConnect,
		Address:           relayAddress,
		Origin:            cfg.Relay.Origin,
		Path:              cfg.Relay.Path,
		AgentMode:         cfg.Relay.AgentMode,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		ReconnectDelay:    cfg.Relay.ReconnectDelay,
	}, collector, log)

	var peerCount atomic.Int64
	client.On(signalinfra.TypePeerList, func(env signalinfra.Envelope) {
		var payload signalinfra.PeerListPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Warnw("malformed peer list", "error", err)
			return
		}
		peerCount.Store(int64(len(payload.Peers)))
		log.Infow("room peers updated", "count", len(payload.Peers))
	})
	client.On(signalinfra.TypeError, func(env signalinfra.Envelope) {
		var payload signalinfra.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		log.Warnw("relay reported error", "message", payload.Message)
	})

	statsDone := make(chan struct{})
	if settings.AutoConnect {
		client.Connect(ctx, "")
		if cfg.Cache.VideoCID != "" {
			client.JoinRoom(domain.VideoCID(cfg.Cache.VideoCID), participant)
		}

		// Periodic delivery stats, informational only
		go func() {
			ticker := time.NewTicker(cfg.Relay.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-statsDone:
					return
				case <-ticker.C:
					stats := cache.Stats()
					client.UpdateStats(domain.DeliveryStats{
						SegmentsShared: int64(stats.SegmentCount),
						PeersConnected: int(peerCount.Load()),
					})
				}
			}
		}()
	} else {
		log.Info("autoConnect disabled, staying offline until re-enabled")
	}

	handler := httphandlers.NewAgentHandler(cache, client, settingsStore, version, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	handler.SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting Swarmcast agent API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Agent API failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down Swarmcast agent...")

	close(statsDone)
	client.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	log.Info("Swarmcast agent stopped")
}
