package http

import (
	"net/http"
	"strings"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// TokenHandler issues channel-scoped join tokens for the signaling server
type TokenHandler struct {
	tokens ports.TokenService
	ttl    time.Duration
}

func NewTokenHandler(tokens ports.TokenService, ttl time.Duration) *TokenHandler {
	return &TokenHandler{
		tokens: tokens,
		ttl:    ttl,
	}
}

func (h *TokenHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/tokens")
	{
		api.POST("", h.IssueToken)
		api.POST("/validate", h.ValidateToken)
	}
}

type IssueTokenRequest struct {
	ChannelName string `json:"channel_name" binding:"required,max=64"`
	UID         uint32 `json:"uid"`
}

type ValidateTokenRequest struct {
	Token string `json:"token" binding:"required,max=2048"`
}

func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.ChannelName = strings.TrimSpace(req.ChannelName)
	if err := validation.ValidateChannelName(req.ChannelName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.tokens.IssueToken(req.ChannelName, domain.UID(req.UID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":        token,
		"channel_name": req.ChannelName,
		"uid":          req.UID,
		"expires_in":   int(h.ttl / time.Second),
	})
}

func (h *TokenHandler) ValidateToken(c *gin.Context) {
	var req ValidateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.tokens.ValidateToken(req.Token)
	if err != nil {
		c.Error(errors.NewUnauthorizedError(err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":        true,
		"channel_name": claims.ChannelName,
		"uid":          uint32(claims.UID),
	})
}
