// Package signal is the endpoint side of the signal channel: one websocket
// to the relay that is redialed on a fixed interval whenever it drops,
// unless the relay handed the endpoint's id to a newer connection.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/webcam-relay/internal/models"
	"github.com/mossy-p/webcam-relay/internal/session"
	"golang.org/x/sync/errgroup"
)

const (
	// ReconnectInterval is the fixed wait between dial attempts
	ReconnectInterval = 5 * time.Second

	writeWait = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("signal channel not connected")
	// ErrReplaced is returned by Run once the relay evicted this channel in
	// favor of a newer broadcaster with the same id.
	ErrReplaced = errors.New("replaced by a newer connection")
)

// Handler receives channel events on the endpoint's event loop
type Handler interface {
	ChannelOpened()
	ChannelClosed()
	HandleEnvelope(env models.Envelope)
}

type Option func(*Channel)

// WithReconnectInterval overrides ReconnectInterval
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Channel) { c.reconnect = d }
}

// WithHeartbeat sends a heartbeat envelope every d while connected
func WithHeartbeat(d time.Duration) Option {
	return func(c *Channel) { c.heartbeat = d }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// Channel is the endpoint's connection to the relay. Send is safe for
// concurrent use; handler callbacks are posted to exec.
type Channel struct {
	url       string
	dialer    *websocket.Dialer
	exec      session.Executor
	handler   Handler
	reconnect time.Duration
	heartbeat time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(serverURL string, exec session.Executor, opts ...Option) (*Channel, error) {
	wsURL, err := WebSocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		url:       wsURL,
		dialer:    websocket.DefaultDialer,
		exec:      exec,
		reconnect: ReconnectInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WebSocketURL maps the relay's http(s) base URL to its signal endpoint
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", serverURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", serverURL)
	}
	return u.JoinPath("ws").String(), nil
}

// Run keeps the channel connected until ctx is done, reporting to handler.
// It returns ErrReplaced without redialing when the relay evicts the channel.
func (c *Channel) Run(ctx context.Context, handler Handler) error {
	c.handler = handler
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Failed to connect to %s: %v", c.url, err)
		} else {
			log.Printf("Connected to signaling server")
			err := c.serve(ctx, conn)
			if errors.Is(err, ErrReplaced) {
				log.Printf("Signaling server handed our ID to a newer connection, not reconnecting")
				return err
			}
			log.Printf("Disconnected from signaling server")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnect):
		}
	}
}

// Send writes env to the relay
func (c *Channel) Send(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// Connected reports whether a relay connection is currently open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.exec.Post(c.handler.ChannelOpened)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Unblocks the reader on shutdown or when the heartbeat fails.
		<-gctx.Done()
		conn.Close()
		return nil
	})
	var readErr error
	g.Go(func() error {
		readErr = c.readLoop(conn)
		return readErr
	})
	if c.heartbeat > 0 {
		g.Go(func() error {
			return c.heartbeatLoop(gctx)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Printf("Signal channel closed: %v", err)
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.exec.Post(c.handler.ChannelClosed)

	if websocket.IsCloseError(readErr, models.CloseCodeReplaced) {
		return ErrReplaced
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}
		c.exec.Post(func() { c.handler.HandleEnvelope(env) })
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Send(models.Envelope{Type: models.SignalTypeHeartbeat}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}
