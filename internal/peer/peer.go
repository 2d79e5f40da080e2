// Package peer adapts pion peer connections to the session.Transport
// interface.
package peer

import (
	"fmt"
	"log"
	"strings"

	"github.com/mossy-p/webcam-relay/internal/session"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds the pion API every transport of an endpoint is created from
func NewAPI(logLevel string) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = ParseLogLevel(logLevel)

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// ParseLogLevel maps a config string to a pion log level. Unknown values
// mean errors only.
func ParseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logging.LogLevelDisabled
	case "warn", "warning":
		return logging.LogLevelWarn
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelError
	}
}

// Factory creates transports for one endpoint role
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	role       session.Role
	tracks     []webrtc.TrackLocal
	onTrack    func(peerID string, track *webrtc.TrackRemote)
}

// NewBroadcasterFactory sends tracks to every viewer
func NewBroadcasterFactory(api *webrtc.API, iceServers []webrtc.ICEServer, tracks ...webrtc.TrackLocal) *Factory {
	return &Factory{api: api, iceServers: iceServers, role: session.RoleBroadcaster, tracks: tracks}
}

// NewViewerFactory receives video only. onTrack may be nil.
func NewViewerFactory(api *webrtc.API, iceServers []webrtc.ICEServer, onTrack func(peerID string, track *webrtc.TrackRemote)) *Factory {
	return &Factory{api: api, iceServers: iceServers, role: session.RoleViewer, onTrack: onTrack}
}

// New satisfies session.TransportFactory
func (f *Factory) New(peerID string) (session.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	switch f.role {
	case session.RoleBroadcaster:
		for _, track := range f.tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add track %s: %w", track.ID(), err)
			}
			go drainRTCP(sender)
		}

	case session.RoleViewer:
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add transceiver: %w", err)
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Printf("[%s] Receiving %s track (%s)", peerID, track.Kind(), track.Codec().MimeType)
			if f.onTrack != nil {
				f.onTrack(peerID, track)
				return
			}
			drainTrack(track)
		})
	}

	return &Transport{pc: pc}, nil
}

// drainRTCP keeps interceptors fed until the sender is closed
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// Transport is a session.Transport backed by a pion PeerConnection
type Transport struct {
	pc *webrtc.PeerConnection
}

func (t *Transport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// OnLocalCandidate reports gathered candidates; the end-of-gathering marker is dropped
func (t *Transport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.pc.OnICEConnectionStateChange(fn)
}

func (t *Transport) Close() error {
	return t.pc.Close()
}
