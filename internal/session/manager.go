package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/mossy-p/webcam-relay/internal/models"
	"github.com/pion/webrtc/v4"
)

// Hooks surface what an endpoint's user should see. All fields are optional.
type Hooks struct {
	// Status reports a change of the status indicator
	Status func(status string)
	// Alert reports a failure the user has to act on
	Alert func(message string)
	// SessionState reports every PeerSession transition
	SessionState func(peerID string, state State)
}

func (h Hooks) status(s string) {
	if h.Status != nil {
		h.Status(s)
	}
}

func (h Hooks) alert(msg string) {
	if h.Alert != nil {
		h.Alert(msg)
	}
}

func (h Hooks) sessionState(peerID string, st State) {
	if h.SessionState != nil {
		h.SessionState(peerID, st)
	}
}

// BroadcasterManager owns one PeerSession per viewer
type BroadcasterManager struct {
	broadcasterID string
	exec          Executor
	signaler      Signaler
	newTransport  TransportFactory
	hooks         Hooks

	broadcasting bool
	sessions     map[string]*PeerSession
}

func NewBroadcasterManager(broadcasterID string, exec Executor, signaler Signaler, newTransport TransportFactory, hooks Hooks) *BroadcasterManager {
	if broadcasterID == "" {
		broadcasterID = models.DefaultBroadcasterID
	}
	return &BroadcasterManager{
		broadcasterID: broadcasterID,
		exec:          exec,
		signaler:      signaler,
		newTransport:  newTransport,
		hooks:         hooks,
		sessions:      make(map[string]*PeerSession),
	}
}

func (m *BroadcasterManager) BroadcasterID() string { return m.broadcasterID }
func (m *BroadcasterManager) Broadcasting() bool    { return m.broadcasting }

// Session returns the live session for viewerID
func (m *BroadcasterManager) Session(viewerID string) (*PeerSession, bool) {
	s, ok := m.sessions[viewerID]
	return s, ok
}

// Viewers returns the viewer ids with a live session, sorted
func (m *BroadcasterManager) Viewers() []string {
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start lets the manager answer create-offer requests
func (m *BroadcasterManager) Start() {
	if m.broadcasting {
		return
	}
	m.broadcasting = true
	m.hooks.status("broadcasting")
}

// Stop closes every session and ignores further create-offer requests
func (m *BroadcasterManager) Stop() {
	if !m.broadcasting {
		return
	}
	m.broadcasting = false
	m.closeAll(ErrStopped)
	m.hooks.status("stopped")
}

// ChannelOpened registers with the relay on a fresh signal channel
func (m *BroadcasterManager) ChannelOpened() {
	log.Printf("Registering broadcaster with ID: %s", m.broadcasterID)
	if err := m.signaler.Send(models.Envelope{
		Type:          models.SignalTypeRegisterBroadcaster,
		BroadcasterID: m.broadcasterID,
	}); err != nil {
		log.Printf("Failed to register broadcaster: %v", err)
	}
	m.hooks.status("connected to server")
}

// ChannelClosed drops every session; viewers will have to ask again once
// the channel is back and the broadcaster has re-registered.
func (m *BroadcasterManager) ChannelClosed() {
	m.closeAll(ErrChannelLost)
	m.hooks.status("disconnected from server")
}

// HandleEnvelope reacts to one envelope from the relay
func (m *BroadcasterManager) HandleEnvelope(env models.Envelope) {
	switch env.Type {
	case models.SignalTypeBroadcasterRegistered:
		log.Printf("Registered as broadcaster with ID: %s", env.BroadcasterID)
		if env.BroadcasterID != "" {
			m.broadcasterID = env.BroadcasterID
		}
		m.hooks.status("registered as broadcaster")

	case models.SignalTypeCreateOffer:
		if env.ViewerID == "" {
			return
		}
		if !m.broadcasting {
			log.Printf("Received create-offer request for %s but not streaming", env.ViewerID)
			return
		}
		log.Printf("Server requested offer for new viewer: %s", env.ViewerID)
		m.createSession(env.ViewerID)

	case models.SignalTypeAnswer:
		s, ok := m.sessions[env.ViewerID]
		if !ok {
			log.Printf("Received answer for unknown or closed viewer ID: %s", env.ViewerID)
			return
		}
		desc, err := decodeDescription(env.Answer)
		if err != nil {
			log.Printf("Dropping malformed answer from %s: %v", env.ViewerID, err)
			return
		}
		s.HandleAnswer(desc)

	case models.SignalTypeICECandidate:
		s, ok := m.sessions[env.ViewerID]
		if !ok {
			return
		}
		c, err := decodeCandidate(env.Candidate)
		if err != nil {
			log.Printf("Dropping malformed candidate from %s: %v", env.ViewerID, err)
			return
		}
		s.AddRemoteCandidate(c)

	case models.SignalTypeViewerDisconnected:
		if s, ok := m.sessions[env.ViewerID]; ok {
			log.Printf("Server indicated viewer disconnected: %s", env.ViewerID)
			s.Close(ErrPeerGone)
		}

	case models.SignalTypeError:
		log.Printf("Error from server: %s", env.Message)
		m.hooks.alert(env.Message)

	default:
		log.Printf("Unknown message type received: %s", env.Type)
	}
}

func (m *BroadcasterManager) createSession(viewerID string) {
	if prev, ok := m.sessions[viewerID]; ok {
		log.Printf("Session for viewer %s already exists. Closing old one.", viewerID)
		prev.Close(ErrReplaced)
	}

	transport, err := m.newTransport(viewerID)
	if err != nil {
		log.Printf("Error creating transport for viewer %s: %v", viewerID, err)
		return
	}

	s := newPeerSession(RoleBroadcaster, viewerID, transport, m.exec, m.signaler)
	s.onState = func(s *PeerSession, st State) { m.hooks.sessionState(s.peerID, st) }
	s.onClose = m.sessionClosed
	m.sessions[viewerID] = s
	m.viewerCountChanged()

	log.Printf("Creating SDP offer for viewer %s", viewerID)
	s.Offer(false)
}

func (m *BroadcasterManager) sessionClosed(s *PeerSession, reason error) {
	if m.sessions[s.peerID] == s {
		delete(m.sessions, s.peerID)
		m.viewerCountChanged()
	}
	if errors.Is(reason, ErrNegotiation) {
		m.hooks.alert(fmt.Sprintf("Connection to viewer %s failed: %v", s.peerID, reason))
	}
}

func (m *BroadcasterManager) closeAll(reason error) {
	for _, s := range m.sessions {
		s.Close(reason)
	}
}

func (m *BroadcasterManager) viewerCountChanged() {
	if n := len(m.sessions); n > 0 {
		m.hooks.status(fmt.Sprintf("active viewers: %d", n))
	} else {
		m.hooks.status("no active viewers")
	}
}

// maxEarlyCandidates bounds candidates held between request-offer and the
// offer. A broadcaster gathers a few per network interface, so hitting it
// means the peer is misbehaving.
const maxEarlyCandidates = 64

// ViewerManager owns the single PeerSession of a viewer endpoint
type ViewerManager struct {
	broadcasterID string
	exec          Executor
	signaler      Signaler
	newTransport  TransportFactory
	hooks         Hooks

	viewerID string
	session  *PeerSession
	// awaitingOffer is set while a request-offer is outstanding; early
	// candidates are only held then.
	awaitingOffer bool
	early         []webrtc.ICECandidateInit
	retry         Timer
}

func NewViewerManager(broadcasterID string, exec Executor, signaler Signaler, newTransport TransportFactory, hooks Hooks) *ViewerManager {
	if broadcasterID == "" {
		broadcasterID = models.DefaultBroadcasterID
	}
	return &ViewerManager{
		broadcasterID: broadcasterID,
		exec:          exec,
		signaler:      signaler,
		newTransport:  newTransport,
		hooks:         hooks,
	}
}

func (m *ViewerManager) BroadcasterID() string { return m.broadcasterID }
func (m *ViewerManager) ViewerID() string      { return m.viewerID }

// Session returns the active session, if any
func (m *ViewerManager) Session() *PeerSession { return m.session }

// ChannelOpened registers as a viewer on a fresh signal channel
func (m *ViewerManager) ChannelOpened() {
	m.hooks.status("connecting to server")
	if err := m.signaler.Send(models.Envelope{Type: models.SignalTypeRegisterViewer}); err != nil {
		log.Printf("Failed to register viewer: %v", err)
	}
}

// ChannelClosed forgets the relay-minted id; the next channel gets a new one
func (m *ViewerManager) ChannelClosed() {
	m.stopRetry()
	m.viewerID = ""
	m.awaitingOffer = false
	m.early = nil
	if m.session != nil {
		m.session.Close(ErrChannelLost)
	}
	m.hooks.status("disconnected")
}

// Close tears everything down for good
func (m *ViewerManager) Close() {
	m.stopRetry()
	m.viewerID = ""
	if m.session != nil {
		m.session.Close(ErrStopped)
	}
}

// HandleEnvelope reacts to one envelope from the relay
func (m *ViewerManager) HandleEnvelope(env models.Envelope) {
	switch env.Type {
	case models.SignalTypeViewerRegistered:
		log.Printf("Registered as viewer with ID: %s", env.ViewerID)
		m.viewerID = env.ViewerID
		m.requestOffer()

	case models.SignalTypeOffer:
		desc, err := decodeDescription(env.Offer)
		if err != nil {
			log.Printf("Dropping malformed offer: %v", err)
			return
		}
		log.Printf("Received offer from broadcaster")
		m.stopRetry()
		if m.session == nil {
			if !m.createSession() {
				return
			}
		}
		m.session.HandleOffer(desc)

	case models.SignalTypeICECandidate:
		c, err := decodeCandidate(env.Candidate)
		if err != nil {
			log.Printf("Dropping malformed candidate: %v", err)
			return
		}
		switch {
		case m.session != nil:
			m.session.AddRemoteCandidate(c)
		case !m.awaitingOffer:
			log.Printf("Dropping ICE candidate, no offer requested")
		case len(m.early) >= maxEarlyCandidates:
			log.Printf("Dropping ICE candidate, %d already waiting for the offer", len(m.early))
		default:
			m.early = append(m.early, c)
		}

	case models.SignalTypeBroadcasterDisconnected:
		if env.BroadcasterID != m.broadcasterID {
			return
		}
		log.Printf("Broadcaster %s left, waiting for it to return", env.BroadcasterID)
		if m.session != nil {
			m.session.Close(ErrPeerGone)
		}
		m.hooks.status("waiting for broadcaster")

	case models.SignalTypeError:
		log.Printf("Error from server: %s", env.Message)
		if isBroadcasterNotFound(env) {
			m.awaitingOffer = false
			m.early = nil
			m.hooks.status("waiting for broadcaster")
			m.armRetry()
			return
		}
		m.hooks.status("error")
		m.hooks.alert(env.Message)

	default:
		log.Printf("Unknown message type: %s", env.Type)
	}
}

func (m *ViewerManager) requestOffer() {
	if m.viewerID == "" {
		return
	}
	m.early = nil
	log.Printf("Requesting offer from broadcaster: %s", m.broadcasterID)
	if err := m.signaler.Send(models.Envelope{
		Type:          models.SignalTypeRequestOffer,
		BroadcasterID: m.broadcasterID,
	}); err != nil {
		log.Printf("Failed to request offer: %v", err)
		return
	}
	m.awaitingOffer = true
	m.hooks.status("waiting for broadcaster")
}

func (m *ViewerManager) createSession() bool {
	transport, err := m.newTransport(m.broadcasterID)
	if err != nil {
		log.Printf("Error creating transport: %v", err)
		m.hooks.alert(fmt.Sprintf("Could not create connection: %v", err))
		return false
	}

	s := newPeerSession(RoleViewer, m.broadcasterID, transport, m.exec, m.signaler)
	s.onState = m.sessionState
	s.onClose = m.sessionClosed
	s.pending = m.early
	m.early = nil
	m.awaitingOffer = false
	m.session = s
	return true
}

func (m *ViewerManager) sessionState(s *PeerSession, st State) {
	m.hooks.sessionState(s.peerID, st)
	switch st {
	case StateConnected:
		m.hooks.status("connected to stream")
	case StateRecovering:
		m.hooks.status("reconnecting")
	}
}

// sessionClosed asks for a fresh offer whenever the link died on its own,
// since a new session can only start from a new offer.
func (m *ViewerManager) sessionClosed(s *PeerSession, reason error) {
	if m.session != s {
		return
	}
	m.session = nil
	m.awaitingOffer = false
	m.early = nil

	switch {
	case errors.Is(reason, ErrStopped), errors.Is(reason, ErrChannelLost):
		return
	case errors.Is(reason, ErrNegotiation):
		m.hooks.status("error")
		m.hooks.alert(fmt.Sprintf("Connection to broadcaster failed: %v", reason))
	default:
		m.hooks.status("disconnected")
	}
	m.armRetry()
}

// armRetry schedules one request-offer; arming again replaces the pending one
func (m *ViewerManager) armRetry() {
	m.stopRetry()
	if m.viewerID == "" {
		return
	}
	m.retry = m.exec.AfterFunc(OfferRetryDelay, func() {
		m.retry = nil
		if m.session == nil {
			m.requestOffer()
		}
	})
}

func (m *ViewerManager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func isBroadcasterNotFound(env models.Envelope) bool {
	if env.Code == models.ErrorCodeBroadcasterNotFound {
		return true
	}
	return strings.HasPrefix(env.Message, "Broadcaster ") && strings.HasSuffix(env.Message, " not found")
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, errors.New("missing session description")
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, err
	}
	if desc.SDP == "" {
		return desc, errors.New("empty sdp")
	}
	return desc, nil
}

func decodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if len(raw) == 0 {
		return c, errors.New("missing candidate")
	}
	err := json.Unmarshal(raw, &c)
	return c, err
}
