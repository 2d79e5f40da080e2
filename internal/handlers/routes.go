package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webcam-relay/config"
	"github.com/mossy-p/webcam-relay/internal/relay"
)

// Deps are the collaborators the HTTP surface is built from
type Deps struct {
	Config     *config.Config
	Router     *relay.Router
	Interfaces InterfaceLister
	// Presence is optional
	Presence PresenceReader
}

// Register mounts every relay route on router
func Register(router *gin.Engine, deps Deps) {
	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(deps.Config.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.GET("/turn-config", TurnConfig(deps.Config.Turn, deps.Interfaces))
	router.GET("/network-info", NetworkInfo(deps.Interfaces))
	router.GET("/join-link", JoinLink(deps.Interfaces))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/broadcasters", ListBroadcasters(deps.Router.Registry()))
		apiGroup.GET("/broadcasters/:broadcasterId", GetBroadcaster(deps.Router.Registry()))
		if deps.Presence != nil {
			apiGroup.GET("/presence", Presence(deps.Presence))
		}
	}

	// WebSocket signal channel
	router.GET("/ws", HandleSignaling(deps.Router))
}
