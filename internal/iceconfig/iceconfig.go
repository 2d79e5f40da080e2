// Package iceconfig fetches the ICE server list an endpoint hands to every
// peer connection it creates.
package iceconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mossy-p/webcam-relay/config"
	"github.com/mossy-p/webcam-relay/internal/models"
	"github.com/pion/webrtc/v4"
)

const fetchTimeout = 5 * time.Second

// Provider resolves the ICE servers from the relay's /turn-config endpoint
type Provider struct {
	serverURL string
	client    *http.Client
}

func NewProvider(serverURL string, client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Provider{serverURL: serverURL, client: client}
}

// Fetch returns the public STUN server followed by the relay's TURN server.
// It never fails: any error yields the fallback TURN entry on the relay host.
func (p *Provider) Fetch(ctx context.Context) []webrtc.ICEServer {
	turn, err := p.fetchTurn(ctx)
	if err != nil {
		log.Printf("Failed to fetch TURN config, using fallback: %v", err)
		turn = Fallback(p.serverURL)
	}
	return []webrtc.ICEServer{
		{URLs: []string{config.DefaultStunURL}},
		turn,
	}
}

func (p *Provider) fetchTurn(ctx context.Context) (webrtc.ICEServer, error) {
	endpoint, err := url.JoinPath(p.serverURL, "turn-config")
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return webrtc.ICEServer{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return webrtc.ICEServer{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body models.TurnConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return webrtc.ICEServer{}, fmt.Errorf("decode turn config: %w", err)
	}
	if body.TurnServer == nil || body.TurnServer.URLs == "" {
		return webrtc.ICEServer{}, fmt.Errorf("turn config has no server")
	}

	return webrtc.ICEServer{
		URLs:       []string{body.TurnServer.URLs},
		Username:   body.TurnServer.Username,
		Credential: body.TurnServer.Credential,
	}, nil
}

// Fallback is the TURN entry assumed to run next to the relay at serverURL
func Fallback(serverURL string) webrtc.ICEServer {
	host := "localhost"
	if u, err := url.Parse(serverURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return webrtc.ICEServer{
		URLs:       []string{"turn:" + net.JoinHostPort(host, config.DefaultTurnPort)},
		Username:   config.DefaultTurnUsername,
		Credential: config.DefaultTurnCredential,
	}
}
