package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/webcam-relay/config"
	"github.com/mossy-p/webcam-relay/internal/iceconfig"
	"github.com/mossy-p/webcam-relay/internal/peer"
	"github.com/mossy-p/webcam-relay/internal/session"
	signalch "github.com/mossy-p/webcam-relay/internal/signal"

	"golang.org/x/sync/errgroup"
)

func main() {
	confPath := flag.String("config", "webcam.toml", "config file path")
	serverURL := flag.String("server", "", "relay base URL, e.g. http://192.168.1.20:8080")
	role := flag.String("role", "", "broadcaster or viewer")
	broadcasterID := flag.String("id", "", "broadcaster id to publish as or watch")
	mediaFile := flag.String("media", "", "IVF (VP8) file to loop as the broadcast video")
	flag.Parse()

	cfg, err := config.LoadClient(*confPath)
	if err != nil {
		log.Fatal(err)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *broadcasterID != "" {
		cfg.BroadcasterID = *broadcasterID
	}
	if *mediaFile != "" {
		cfg.MediaFile = *mediaFile
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, signalch.ErrReplaced):
		log.Printf("Another broadcaster registered as %s, stopping", cfg.BroadcasterID)
	default:
		log.Fatal(err)
	}
	log.Println("Bye")
}

// handler is what the signal channel drives; both managers satisfy it
type handler interface {
	signalch.Handler
	Shutdown()
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	iceServers := iceconfig.NewProvider(cfg.ServerURL, nil).Fetch(ctx)
	for _, s := range iceServers {
		log.Printf("Using ICE server %v", s.URLs)
	}

	api, err := peer.NewAPI(cfg.PionLogLevel)
	if err != nil {
		return err
	}

	loop := session.NewLoop()
	var opts []signalch.Option
	if cfg.HeartbeatInterval.Duration > 0 {
		opts = append(opts, signalch.WithHeartbeat(cfg.HeartbeatInterval.Duration))
	}
	channel, err := signalch.New(cfg.ServerURL, loop, opts...)
	if err != nil {
		return err
	}

	hooks := session.Hooks{
		Status: func(status string) { log.Printf("Status: %s", status) },
		Alert:  func(msg string) { log.Printf("ALERT: %s", msg) },
		SessionState: func(peerID string, st session.State) {
			log.Printf("Peer %s is %s", peerID, st)
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	var h handler
	switch cfg.Role {
	case "broadcaster":
		track, err := peer.NewVideoTrack()
		if err != nil {
			return err
		}
		factory := peer.NewBroadcasterFactory(api, iceServers, track)
		m := session.NewBroadcasterManager(cfg.BroadcasterID, loop, channel, factory.New, hooks)
		loop.Post(m.Start)
		h = broadcaster{m}

		if cfg.MediaFile != "" {
			g.Go(func() error {
				return peer.PlayIVF(gctx, cfg.MediaFile, track)
			})
		}
		log.Printf("Broadcasting as %q via %s", cfg.BroadcasterID, cfg.ServerURL)

	default:
		factory := peer.NewViewerFactory(api, iceServers, nil)
		m := session.NewViewerManager(cfg.BroadcasterID, loop, channel, factory.New, hooks)
		h = viewer{m}
		log.Printf("Watching %q via %s", cfg.BroadcasterID, cfg.ServerURL)
	}

	// The loop outlives the channel so the managers can release their peer
	// connections on the way out.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	g.Go(func() error {
		// Only stopLoop ends it, so its error says nothing about the run.
		loop.Run(loopCtx)
		return nil
	})
	g.Go(func() error {
		err := channel.Run(gctx, h)
		done := make(chan struct{})
		loop.Post(func() {
			h.Shutdown()
			close(done)
		})
		<-done
		stopLoop()
		return err
	})
	return g.Wait()
}

type broadcaster struct{ *session.BroadcasterManager }

func (b broadcaster) Shutdown() { b.Stop() }

type viewer struct{ *session.ViewerManager }

func (v viewer) Shutdown() { v.Close() }
