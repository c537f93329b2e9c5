package middleware

import (
	"strings"

	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// TokenAuthMiddleware requires a bearer join token for the given channel.
// The validated claims are stored under "claims".
func TokenAuthMiddleware(tokens ports.TokenService, channel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Error(errors.NewUnauthorizedError("authorization header required"))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.Error(errors.NewUnauthorizedError("invalid authorization header format"))
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(parts[1])
		if err != nil {
			c.Error(errors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}
		if claims.ChannelName != channel {
			c.Error(errors.NewUnauthorizedError("token is not valid for this call"))
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
