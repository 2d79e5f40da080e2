package main

import (
	"log"

	"github.com/mossy-p/webcam-relay/config"
	"github.com/mossy-p/webcam-relay/internal/handlers"
	"github.com/mossy-p/webcam-relay/internal/netinfo"
	"github.com/mossy-p/webcam-relay/internal/redis"
	"github.com/mossy-p/webcam-relay/internal/relay"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	registry := relay.NewRegistry()
	var routerOpts []relay.RouterOption

	// Redis only mirrors presence, the relay works without it
	var presence handlers.PresenceReader
	if cfg.Redis.Enabled {
		p, err := redis.Connect(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer p.Close()
		presence = p
		routerOpts = append(routerOpts, relay.WithPresence(p))
		log.Println("Redis connection established")
	}

	relayRouter := relay.NewRouter(registry, routerOpts...)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handlers.Register(router, handlers.Deps{
		Config:     cfg,
		Router:     relayRouter,
		Interfaces: netinfo.SystemInterfaces,
		Presence:   presence,
	})

	// Start server
	log.Printf("Starting webcam signaling relay on port %s", cfg.Port)
	if ifaces, err := netinfo.SystemInterfaces(); err == nil {
		ip := netinfo.LocalIP(ifaces)
		log.Printf("Share this link with viewers: http://%s:%s/viewer.html?id=default", ip, cfg.Port)
		log.Printf("TURN server expected at %s:%s", ip, cfg.Turn.Port)
	}
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
