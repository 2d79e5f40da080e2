package session

import (
	"fmt"
	"time"

	"github.com/mossy-p/webcam-relay/internal/models"
	"github.com/pion/webrtc/v4"
)

// manualExecutor runs posted closures inline and fires timers on demand
type manualExecutor struct {
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() { t.stopped = true }

func (e *manualExecutor) Post(fn func()) { fn() }

func (e *manualExecutor) AfterFunc(d time.Duration, fn func()) Timer {
	t := &manualTimer{d: d, fn: fn}
	e.timers = append(e.timers, t)
	return t
}

// armed returns the timers that can still fire
func (e *manualExecutor) armed() []*manualTimer {
	var out []*manualTimer
	for _, t := range e.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every timer armed right now, as if their deadlines passed
func (e *manualExecutor) fire() int {
	n := 0
	for _, t := range e.armed() {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		t.fn()
		n++
	}
	return n
}

type fakeTransport struct {
	peerID string

	offers  []bool
	answers int
	local   []webrtc.SessionDescription
	remote  []webrtc.SessionDescription
	applied []webrtc.ICECandidateInit
	// events records remote-side operations in order
	events []string
	closed bool

	remoteErr    error
	candidateErr error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.ICEConnectionState)
}

func (t *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	t.offers = append(t.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(t.offers))}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", t.answers)}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.local = append(t.local, desc)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if t.remoteErr != nil {
		return t.remoteErr
	}
	t.remote = append(t.remote, desc)
	t.events = append(t.events, "remote:"+desc.SDP)
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if t.candidateErr != nil {
		return t.candidateErr
	}
	t.applied = append(t.applied, c)
	t.events = append(t.events, "candidate:"+c.Candidate)
	return nil
}

func (t *fakeTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) { t.onCandidate = fn }

func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.onState = fn
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func (t *fakeTransport) emitCandidate(c string) {
	t.onCandidate(webrtc.ICECandidateInit{Candidate: c})
}

func (t *fakeTransport) report(st webrtc.ICEConnectionState) {
	t.onState(st)
}

// transportSet hands out fakeTransports and remembers them by peer id
type transportSet struct {
	byPeer map[string][]*fakeTransport
	err    error
}

func newTransportSet() *transportSet {
	return &transportSet{byPeer: make(map[string][]*fakeTransport)}
}

func (s *transportSet) factory(peerID string) (Transport, error) {
	if s.err != nil {
		return nil, s.err
	}
	t := &fakeTransport{peerID: peerID}
	s.byPeer[peerID] = append(s.byPeer[peerID], t)
	return t, nil
}

func (s *transportSet) last(peerID string) *fakeTransport {
	ts := s.byPeer[peerID]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

type recordingSignaler struct {
	sent []models.Envelope
}

func (s *recordingSignaler) Send(env models.Envelope) error {
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSignaler) ofType(t models.SignalType) []models.Envelope {
	var out []models.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type recordingHooks struct {
	statuses []string
	alerts   []string
}

func (r *recordingHooks) hooks() Hooks {
	return Hooks{
		Status: func(s string) { r.statuses = append(r.statuses, s) },
		Alert:  func(s string) { r.alerts = append(r.alerts, s) },
	}
}
