// Package session drives the per-peer connection state machine that both
// endpoints run while negotiating and keeping a peer-to-peer link alive, and
// the managers that own those sessions.
//
// Nothing here is safe for concurrent use. Every method runs on the
// endpoint's event loop (see Loop); transport callbacks are posted onto it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mossy-p/webcam-relay/internal/models"
	"github.com/pion/webrtc/v4"
)

const (
	// RecoveryGracePeriod is how long a disconnected transport gets to come
	// back on its own, and how long an ICE restart round gets to succeed.
	RecoveryGracePeriod = 5 * time.Second

	// OfferRetryDelay is how long a viewer waits before asking again for an
	// offer from a broadcaster that is not there yet.
	OfferRetryDelay = 5 * time.Second
)

// State is the negotiation state of a PeerSession
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role is the side of the pairing a session sits on
type Role int

const (
	RoleBroadcaster Role = iota
	RoleViewer
)

func (r Role) String() string {
	if r == RoleBroadcaster {
		return "broadcaster"
	}
	return "viewer"
}

var (
	ErrNegotiation     = errors.New("negotiation failed")
	ErrTransportFailed = errors.New("transport failed")
	ErrRecoveryFailed  = errors.New("connection not restored after ICE restart")
	ErrPeerGone        = errors.New("peer left the relay")
	ErrStopped         = errors.New("session stopped")
	ErrReplaced        = errors.New("session replaced")
	ErrChannelLost     = errors.New("signal channel lost")
)

// Transport is the peer-to-peer connection a session drives. Callbacks may
// fire on any goroutine.
type Transport interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.ICEConnectionState))
	Close() error
}

// TransportFactory creates the transport for a new session with peerID.
// A broadcaster's factory attaches the local media tracks.
type TransportFactory func(peerID string) (Transport, error)

// Signaler sends envelopes to the relay
type Signaler interface {
	Send(env models.Envelope) error
}

// PeerSession is one endpoint's view of one broadcaster/viewer pairing
type PeerSession struct {
	role      Role
	peerID    string
	transport Transport
	exec      Executor
	signaler  Signaler

	state     State
	remoteSet bool
	// awaitingAnswer is set between a local offer and its answer
	awaitingAnswer bool
	pending        []webrtc.ICECandidateInit
	// relayCandidates gates forwarding of locally gathered candidates
	relayCandidates bool
	restarted       bool
	recovery        Timer

	onClose func(*PeerSession, error)
	onState func(*PeerSession, State)
}

func newPeerSession(role Role, peerID string, transport Transport, exec Executor, signaler Signaler) *PeerSession {
	s := &PeerSession{
		role:            role,
		peerID:          peerID,
		transport:       transport,
		exec:            exec,
		signaler:        signaler,
		state:           StateIdle,
		relayCandidates: true,
	}

	transport.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		exec.Post(func() { s.handleLocalCandidate(c) })
	})
	transport.OnConnectionStateChange(func(st webrtc.ICEConnectionState) {
		exec.Post(func() { s.handleTransportState(st) })
	})
	return s
}

func (s *PeerSession) PeerID() string { return s.peerID }
func (s *PeerSession) Role() Role     { return s.role }
func (s *PeerSession) State() State   { return s.state }

// PendingCandidates is the number of remote candidates waiting for a remote description
func (s *PeerSession) PendingCandidates() int { return len(s.pending) }

// Offer creates and sends a local offer. With iceRestart set the transport
// gathers fresh credentials for the same session.
func (s *PeerSession) Offer(iceRestart bool) error {
	if s.state == StateClosed {
		return ErrStopped
	}

	desc, err := s.transport.CreateOffer(iceRestart)
	if err != nil {
		return s.fail(fmt.Errorf("%w: create offer: %w", ErrNegotiation, err))
	}
	if err := s.transport.SetLocalDescription(desc); err != nil {
		return s.fail(fmt.Errorf("%w: set local description: %w", ErrNegotiation, err))
	}
	if iceRestart {
		// Candidates for the new round must wait for the new answer.
		s.remoteSet = false
	}
	s.awaitingAnswer = true

	raw, err := json.Marshal(desc)
	if err != nil {
		return s.fail(fmt.Errorf("%w: encode offer: %w", ErrNegotiation, err))
	}
	if err := s.signaler.Send(models.Envelope{
		Type:     models.SignalTypeOffer,
		Offer:    raw,
		ViewerID: s.peerID,
	}); err != nil {
		log.Printf("[%s] Failed to send offer: %v", s.peerID, err)
	}

	s.enterNegotiating()
	return nil
}

// HandleOffer applies a remote offer and answers it
func (s *PeerSession) HandleOffer(desc webrtc.SessionDescription) error {
	if s.state == StateClosed {
		return ErrStopped
	}
	if err := s.applyRemote(desc); err != nil {
		return err
	}

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return s.fail(fmt.Errorf("%w: create answer: %w", ErrNegotiation, err))
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return s.fail(fmt.Errorf("%w: set local description: %w", ErrNegotiation, err))
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		return s.fail(fmt.Errorf("%w: encode answer: %w", ErrNegotiation, err))
	}
	if err := s.signaler.Send(models.Envelope{
		Type:          models.SignalTypeAnswer,
		Answer:        raw,
		BroadcasterID: s.peerID,
	}); err != nil {
		log.Printf("[%s] Failed to send answer: %v", s.peerID, err)
	}

	s.enterNegotiating()
	return nil
}

// HandleAnswer applies the remote answer to an outstanding offer
func (s *PeerSession) HandleAnswer(desc webrtc.SessionDescription) error {
	if s.state == StateClosed {
		return ErrStopped
	}
	if !s.awaitingAnswer {
		log.Printf("[%s] Ignoring answer, no offer outstanding", s.peerID)
		return nil
	}
	if err := s.applyRemote(desc); err != nil {
		return err
	}
	s.awaitingAnswer = false
	return nil
}

// AddRemoteCandidate applies c now, or holds it until a remote description exists
func (s *PeerSession) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	switch {
	case s.state == StateClosed:
		return
	case !s.remoteSet:
		s.pending = append(s.pending, c)
	default:
		s.applyCandidate(c)
	}
}

// Close releases the transport and moves to CLOSED. reason is reported to
// the owning manager. Closing twice is a no-op.
func (s *PeerSession) Close(reason error) {
	if s.state == StateClosed {
		return
	}
	s.stopRecovery()
	s.relayCandidates = false
	s.pending = nil
	s.setState(StateClosed)

	if err := s.transport.Close(); err != nil {
		log.Printf("[%s] Failed to close transport: %v", s.peerID, err)
	}
	log.Printf("[%s] Session closed: %v", s.peerID, reason)
	if s.onClose != nil {
		s.onClose(s, reason)
	}
}

func (s *PeerSession) applyRemote(desc webrtc.SessionDescription) error {
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		return s.fail(fmt.Errorf("%w: set remote description: %w", ErrNegotiation, err))
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if s.state == StateClosed {
			return nil
		}
		s.applyCandidate(c)
	}
	return nil
}

func (s *PeerSession) applyCandidate(c webrtc.ICECandidateInit) {
	if err := s.transport.AddICECandidate(c); err != nil && !isBenignCandidateError(err) {
		log.Printf("[%s] Error adding remote ICE candidate: %v", s.peerID, err)
	}
}

func (s *PeerSession) handleLocalCandidate(c webrtc.ICECandidateInit) {
	if !s.relayCandidates || s.state == StateClosed {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		log.Printf("[%s] Failed to encode local candidate: %v", s.peerID, err)
		return
	}

	env := models.Envelope{Type: models.SignalTypeICECandidate, Candidate: raw}
	if s.role == RoleBroadcaster {
		env.Target = models.TargetViewer
		env.ViewerID = s.peerID
	} else {
		env.Target = models.TargetBroadcaster
		env.BroadcasterID = s.peerID
	}
	if err := s.signaler.Send(env); err != nil {
		log.Printf("[%s] Failed to send ICE candidate: %v", s.peerID, err)
	}
}

// handleTransportState maps one transport report to at most one transition.
// Reports that make no sense for the current state are ignored.
func (s *PeerSession) handleTransportState(st webrtc.ICEConnectionState) {
	if s.state == StateClosed {
		return
	}
	log.Printf("[%s] ICE connection state: %s", s.peerID, st)

	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.stopRecovery()
		s.restarted = false
		s.setState(StateConnected)

	case webrtc.ICEConnectionStateDisconnected:
		if s.state != StateConnected {
			return
		}
		s.setState(StateRecovering)
		s.armRecovery()

	case webrtc.ICEConnectionStateFailed:
		s.Close(ErrTransportFailed)

	case webrtc.ICEConnectionStateClosed:
		s.Close(ErrTransportFailed)
	}
}

func (s *PeerSession) armRecovery() {
	s.stopRecovery()
	s.recovery = s.exec.AfterFunc(RecoveryGracePeriod, s.recoveryExpired)
}

func (s *PeerSession) stopRecovery() {
	if s.recovery != nil {
		s.recovery.Stop()
		s.recovery = nil
	}
}

// recoveryExpired runs when a grace period ends without reaching CONNECTED.
// A broadcaster gets one ICE restart per outage; a viewer waits for the
// broadcaster's replacement offer or for its own transport to fail.
func (s *PeerSession) recoveryExpired() {
	s.recovery = nil
	if s.state == StateClosed || s.state == StateConnected {
		return
	}
	if s.role != RoleBroadcaster {
		return
	}
	if s.restarted {
		s.Close(ErrRecoveryFailed)
		return
	}

	s.restarted = true
	log.Printf("[%s] Connection not restored, attempting ICE restart", s.peerID)
	if err := s.Offer(true); err != nil {
		return
	}
	s.armRecovery()
}

func (s *PeerSession) enterNegotiating() {
	// A renegotiation on a live link does not take it down.
	if s.state == StateConnected {
		return
	}
	s.setState(StateNegotiating)
}

func (s *PeerSession) setState(st State) {
	if s.state == st {
		return
	}
	log.Printf("[%s] %s session %s -> %s", s.peerID, s.role, s.state, st)
	s.state = st
	if s.onState != nil {
		s.onState(s, st)
	}
}

func (s *PeerSession) fail(err error) error {
	log.Printf("[%s] %v", s.peerID, err)
	s.Close(err)
	return err
}

// isBenignCandidateError reports whether a rejected candidate is a duplicate
// or arrived after the transport shut down.
func isBenignCandidateError(err error) bool {
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") || strings.Contains(msg, "invalid state") ||
		strings.Contains(msg, "invalidstateerror")
}
