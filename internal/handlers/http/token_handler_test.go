package http

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	"rillcall/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTokenHandler_IssueAndValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService("secret", time.Hour)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewTokenHandler(tokens, time.Hour).SetupRoutes(router)

	w := perform(router, http.MethodPost, "/api/v1/tokens", `{"channel_name":"Test","uid":42}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var issued struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, 3600, issued.ExpiresIn)

	claims, err := tokens.ValidateToken(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "Test", claims.ChannelName)
	assert.Equal(t, domain.UID(42), claims.UID)

	w = perform(router, http.MethodPost, "/api/v1/tokens/validate", `{"token":"`+issued.Token+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"channel_name":"Test"`)

	w = perform(router, http.MethodPost, "/api/v1/tokens/validate", `{"token":"garbage"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenHandler_RejectsBadChannel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewTokenHandler(services.NewTokenService("secret", time.Hour), time.Hour).SetupRoutes(router)

	w := perform(router, http.MethodPost, "/api/v1/tokens", `{"channel_name":"bad/channel"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(router, http.MethodPost, "/api/v1/tokens", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
