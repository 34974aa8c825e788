package http

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignalStatus is the narrow view of the relay client the status endpoint
// reports from.
type SignalStatus interface {
	State() signal.ClientState
	PeerID() domain.PeerID
}

// AgentHandler serves the localhost API the dashboard uses to detect and
// control a running delivery agent.
type AgentHandler struct {
	cache     ports.SegmentCacheService
	status    SignalStatus
	settings  *SettingsStore
	version   string
	startedAt time.Time
	logger    *zap.SugaredLogger
}

func NewAgentHandler(
	cache ports.SegmentCacheService,
	status SignalStatus,
	settings *SettingsStore,
	version string,
	logger *zap.SugaredLogger,
) *AgentHandler {
	return &AgentHandler{
		cache:     cache,
		status:    status,
		settings:  settings,
		version:   version,
		startedAt: time.Now(),
		logger:    logger,
	}
}

func (h *AgentHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/config", h.GetConfig)
		api.POST("/config", h.UpdateConfig)
		api.GET("/cache", h.GetCache)
		api.POST("/cache/purge", h.PurgeVideo)
		api.POST("/challenge", h.HandleChallenge)
	}
}

func (h *AgentHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":         true,
		"version":         h.version,
		"peerId":          h.status.PeerID(),
		"connectionState": h.status.State(),
		"cache":           h.cache.Stats(),
		"uptime":          int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *AgentHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Load())
}

func (h *AgentHandler) UpdateConfig(c *gin.Context) {
	var req struct {
		ParticipantID *string `json:"participantId"`
		RelayAddress  *string `json:"relayAddress"`
		MaxCacheSize  *int64  `json:"maxCacheSize"`
		AutoConnect   *bool   `json:"autoConnect"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxCacheSize != nil && *req.MaxCacheSize <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "maxCacheSize must be > 0"})
		return
	}

	settings := h.settings.Load()
	if req.ParticipantID != nil {
		settings.ParticipantID = *req.ParticipantID
	}
	if req.RelayAddress != nil {
		settings.RelayAddress = *req.RelayAddress
	}
	if req.MaxCacheSize != nil {
		settings.MaxCacheSize = *req.MaxCacheSize
	}
	if req.AutoConnect != nil {
		settings.AutoConnect = *req.AutoConnect
	}

	if err := h.settings.Save(settings); err != nil {
		h.logger.Errorw("failed to save agent settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"config":  settings,
	})
}

func (h *AgentHandler) GetCache(c *gin.Context) {
	stats := h.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"videos":         h.cache.Videos(),
		"segmentCount":   stats.SegmentCount,
		"totalSize":      stats.TotalSize,
		"totalSizeHuman": stats.TotalSizeHuman,
	})
}

// HandleChallenge answers a storage proof: the verifier names cached
// segments and a salt, and the agent proves it still holds the bytes by
// hashing salt plus payloads in the requested order.
func (h *AgentHandler) HandleChallenge(c *gin.Context) {
	started := time.Now()

	var req struct {
		VideoCID    domain.VideoCID     `json:"videoCid" binding:"required"`
		Salt        string              `json:"salt" binding:"required"`
		SegmentKeys []domain.SegmentKey `json:"segmentKeys" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hasher := sha256.New()
	hasher.Write([]byte(req.Salt))
	for _, key := range req.SegmentKeys {
		payload, ok := h.cache.GetSegment(c.Request.Context(), key)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"success":   false,
				"error":     fmt.Sprintf("segment %s not cached", key),
				"proof":     "",
				"latencyMs": time.Since(started).Milliseconds(),
			})
			return
		}
		hasher.Write(payload)
	}

	proof := hex.EncodeToString(hasher.Sum(nil))
	latency := time.Since(started).Milliseconds()
	h.logger.Infow("answered storage challenge",
		"video_cid", req.VideoCID,
		"segments", len(req.SegmentKeys),
		"latency_ms", latency,
	)

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"proof":     proof,
		"latencyMs": latency,
	})
}

func (h *AgentHandler) PurgeVideo(c *gin.Context) {
	var req struct {
		VideoCID domain.VideoCID `json:"videoCid" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed := h.cache.RemoveVideo(c.Request.Context(), req.VideoCID)
	h.logger.Infow("purged cached video", "video_cid", req.VideoCID, "segments", removed)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"removed": removed,
	})
}
