package http

import (
	"context"
	"net/http"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StartRecorder observes the outcome of every start request
type StartRecorder interface {
	RecordStart(duration time.Duration, err error)
}

// ControlHandler exposes the call coordinator over HTTP
type ControlHandler struct {
	coordinator  ports.CallCoordinator
	defaults     ports.StartConfig
	startTimeout time.Duration
	recorder     StartRecorder
	logger       *zap.SugaredLogger
}

var _ ports.ControlHandler = (*ControlHandler)(nil)

// NewControlHandler uses defaults for every start request field the body
// leaves empty.
func NewControlHandler(coordinator ports.CallCoordinator, defaults ports.StartConfig, startTimeout time.Duration, logger *zap.SugaredLogger) *ControlHandler {
	return &ControlHandler{
		coordinator:  coordinator,
		defaults:     defaults,
		startTimeout: startTimeout,
		logger:       logger,
	}
}

// WithStartRecorder sets the recorder told about every start attempt
func (h *ControlHandler) WithStartRecorder(r StartRecorder) *ControlHandler {
	h.recorder = r
	return h
}

func (h *ControlHandler) SetupRoutes(api *gin.RouterGroup) {
	call := api.Group("/call")
	{
		call.POST("/start", h.Start)
		call.POST("/stop", h.Stop)
		call.GET("/status", h.GetStatus)
		call.GET("/roster", h.GetRoster)
		call.GET("/toggles", h.GetToggles)
		call.POST("/toggles/video", h.ToggleVideo)
		call.POST("/toggles/audio", h.ToggleAudio)
		call.POST("/toggles/screen", h.ToggleScreen)
	}
}

type StartRequest struct {
	ChannelName       string `json:"channel_name" binding:"max=64"`
	ScreenChannelName string `json:"screen_channel_name" binding:"max=64"`
	CaptureSource     string `json:"capture_source" binding:"max=16"`
	InitialToggles    *struct {
		Video  bool `json:"video"`
		Audio  bool `json:"audio"`
		Screen bool `json:"screen"`
	} `json:"initial_toggles"`
}

func (h *ControlHandler) Start(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	cfg := h.defaults
	if req.ChannelName != "" {
		if err := validation.ValidateChannelName(req.ChannelName); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		cfg.ChannelName = req.ChannelName
	}
	if req.ScreenChannelName != "" {
		cfg.ScreenChannelName = req.ScreenChannelName
	}
	if req.CaptureSource != "" {
		cfg.CaptureSource = req.CaptureSource
	}
	if req.InitialToggles != nil {
		cfg.InitialToggles = domain.ToggleState{
			ShareVideo:  req.InitialToggles.Video,
			ShareAudio:  req.InitialToggles.Audio,
			ShareScreen: req.InitialToggles.Screen,
		}
	}

	ctx := c.Request.Context()
	if h.startTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.startTimeout)
		defer cancel()
	}

	started := time.Now()
	err := h.coordinator.Start(ctx, cfg)
	if h.recorder != nil {
		h.recorder.RecordStart(time.Since(started), err)
	}
	if err != nil {
		c.Error(err)
		return
	}
	h.logger.Infow("call started",
		"channel", cfg.ChannelName,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	c.JSON(http.StatusOK, gin.H{
		"status": h.coordinator.Status(),
	})
}

func (h *ControlHandler) Stop(c *gin.Context) {
	if err := h.coordinator.Stop(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": h.coordinator.Status(),
	})
}

func (h *ControlHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": h.coordinator.Status(),
	})
}

func (h *ControlHandler) GetRoster(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"roster": h.coordinator.Roster(),
	})
}

func (h *ControlHandler) GetToggles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"toggles": h.coordinator.ToggleState(),
	})
}

func (h *ControlHandler) ToggleVideo(c *gin.Context)  { h.toggle(c, h.coordinator.ToggleVideo) }
func (h *ControlHandler) ToggleAudio(c *gin.Context)  { h.toggle(c, h.coordinator.ToggleAudio) }
func (h *ControlHandler) ToggleScreen(c *gin.Context) { h.toggle(c, h.coordinator.ToggleScreenShare) }

func (h *ControlHandler) toggle(c *gin.Context, fn func(context.Context) (domain.ToggleState, error)) {
	state, err := fn(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"toggles": state,
	})
}
