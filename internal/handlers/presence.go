package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webcam-relay/internal/models"
)

// PresenceReader is the read side of the Redis presence mirror
type PresenceReader interface {
	LiveBroadcasters(ctx context.Context) ([]string, error)
	ViewerCount(ctx context.Context, broadcasterID string) (int64, error)
}

// Presence serves the mirrored view of live broadcasters
func Presence(reader PresenceReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		ids, err := reader.LiveBroadcasters(ctx)
		if err != nil {
			log.Printf("Failed to read presence: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Presence unavailable"})
			return
		}

		out := make([]models.BroadcasterInfo, 0, len(ids))
		for _, id := range ids {
			n, err := reader.ViewerCount(ctx, id)
			if err != nil {
				log.Printf("Failed to read viewer count for %s: %v", id, err)
			}
			out = append(out, models.BroadcasterInfo{ID: id, Viewers: int(n)})
		}
		c.JSON(http.StatusOK, out)
	}
}
