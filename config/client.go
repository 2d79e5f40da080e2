package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultTurnPort       = "3478"
	DefaultTurnUsername   = "webcamuser"
	DefaultTurnCredential = "webcamsecret"
	DefaultStunURL        = "stun:stun.l.google.com:19302"
)

// Duration lets TOML files spell intervals as "5s"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ClientConfig configures one broadcaster or viewer endpoint
type ClientConfig struct {
	ServerURL     string
	Role          string
	BroadcasterID string

	// HeartbeatInterval is how often a heartbeat envelope is sent to keep the
	// signal channel alive through idle proxies. Zero disables it.
	HeartbeatInterval Duration

	PionLogLevel string

	// MediaFile is an IVF (VP8) file a broadcaster loops as its video track.
	// Empty sends an idle track.
	MediaFile string
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL:         "http://localhost:8080",
		Role:              "viewer",
		BroadcasterID:     "default",
		HeartbeatInterval: Duration{25 * time.Second},
		PionLogLevel:      "error",
	}
}

// LoadClient reads confPath over the defaults. A missing file is not an error.
func LoadClient(confPath string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if confPath == "" {
		return cfg, nil
	}

	_, err := toml.DecodeFile(confPath, cfg)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("WARN: %s not found. use default settings.", confPath)
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", confPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that can also come from flags
func (c *ClientConfig) Validate() error {
	switch c.Role {
	case "broadcaster", "viewer":
	default:
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	return nil
}
