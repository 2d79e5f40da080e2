// Package redis mirrors relay membership into Redis so dashboards and other
// processes can see which broadcasters are live. The in-process registry
// stays authoritative; Redis failures are logged and otherwise ignored.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mossy-p/webcam-relay/config"
	"github.com/redis/go-redis/v9"
)

const (
	broadcastersKey = "broadcasters"
	presenceTTL     = 24 * time.Hour
	opTimeout       = 2 * time.Second
)

// Presence records live broadcasters and their viewers
type Presence struct {
	client *redis.Client
}

// Connect initializes the Redis client
func Connect(cfg config.RedisConfig) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Presence{client: client}, nil
}

// Close closes the Redis connection
func (p *Presence) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Presence) BroadcasterOnline(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, broadcastersKey, id)
	pipe.Expire(ctx, broadcastersKey, presenceTTL)
	pipe.Del(ctx, viewersKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Failed to record broadcaster %s in Redis: %v", id, err)
	}
}

func (p *Presence) BroadcasterOffline(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := p.client.TxPipeline()
	pipe.SRem(ctx, broadcastersKey, id)
	pipe.Del(ctx, viewersKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Failed to remove broadcaster %s from Redis: %v", id, err)
	}
}

func (p *Presence) ViewerAttached(broadcasterID, viewerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := viewersKey(broadcasterID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, viewerID)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Failed to record viewer %s in Redis: %v", viewerID, err)
	}
}

func (p *Presence) ViewerDetached(broadcasterID, viewerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := p.client.SRem(ctx, viewersKey(broadcasterID), viewerID).Err(); err != nil {
		log.Printf("Failed to remove viewer %s from Redis: %v", viewerID, err)
	}
}

// ViewerCount returns how many viewers Redis holds for broadcasterID
func (p *Presence) ViewerCount(ctx context.Context, broadcasterID string) (int64, error) {
	return p.client.SCard(ctx, viewersKey(broadcasterID)).Result()
}

// LiveBroadcasters returns the broadcaster ids Redis holds
func (p *Presence) LiveBroadcasters(ctx context.Context) ([]string, error) {
	return p.client.SMembers(ctx, broadcastersKey).Result()
}

func viewersKey(broadcasterID string) string {
	return "broadcaster:" + broadcasterID + ":viewers"
}
