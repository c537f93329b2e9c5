package ports

import (
	"github.com/gin-gonic/gin"
)

type ControlHandler interface {
	Start(c *gin.Context)
	Stop(c *gin.Context)
	GetRoster(c *gin.Context)
	GetToggles(c *gin.Context)
	ToggleVideo(c *gin.Context)
	ToggleAudio(c *gin.Context)
	ToggleScreen(c *gin.Context)
	GetStatus(c *gin.Context)
}
