package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mossy-p/webcam-relay/internal/models"
	"github.com/pion/webrtc/v4"
)

func candidateEnvelope(viewerID, c string) models.Envelope {
	raw, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: c})
	return models.Envelope{Type: models.SignalTypeICECandidate, ViewerID: viewerID, Candidate: raw}
}

func answerEnvelope(viewerID, sdp string) models.Envelope {
	raw, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	return models.Envelope{Type: models.SignalTypeAnswer, ViewerID: viewerID, Answer: raw}
}

func offerEnvelope(broadcasterID, sdp string) models.Envelope {
	raw, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	return models.Envelope{Type: models.SignalTypeOffer, BroadcasterID: broadcasterID, Offer: raw}
}

type broadcasterFixture struct {
	exec       *manualExecutor
	signaler   *recordingSignaler
	transports *transportSet
	hooks      *recordingHooks
	m          *BroadcasterManager
}

func newBroadcasterFixture() *broadcasterFixture {
	f := &broadcasterFixture{
		exec:       &manualExecutor{},
		signaler:   &recordingSignaler{},
		transports: newTransportSet(),
		hooks:      &recordingHooks{},
	}
	f.m = NewBroadcasterManager("cam", f.exec, f.signaler, f.transports.factory, f.hooks.hooks())
	f.m.Start()
	return f
}

// connected drives a session for viewerID all the way to CONNECTED
func (f *broadcasterFixture) connected(t *testing.T, viewerID string) (*PeerSession, *fakeTransport) {
	t.Helper()
	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeCreateOffer, ViewerID: viewerID})
	f.m.HandleEnvelope(answerEnvelope(viewerID, "answer"))
	tr := f.transports.last(viewerID)
	tr.report(webrtc.ICEConnectionStateConnected)

	s, ok := f.m.Session(viewerID)
	if !ok || s.State() != StateConnected {
		t.Fatalf("session for %s not connected", viewerID)
	}
	return s, tr
}

func TestBroadcaster_CreateOfferNegotiates(t *testing.T) {
	f := newBroadcasterFixture()
	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeCreateOffer, ViewerID: "v1"})

	s, ok := f.m.Session("v1")
	if !ok {
		t.Fatal("expected a session for v1")
	}
	if s.State() != StateNegotiating {
		t.Fatalf("state = %s, want negotiating", s.State())
	}

	offers := f.signaler.ofType(models.SignalTypeOffer)
	if len(offers) != 1 || offers[0].ViewerID != "v1" {
		t.Fatalf("unexpected offers %#v", offers)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offers[0].Offer, &desc); err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "offer-1" {
		t.Fatalf("unexpected offer %#v", desc)
	}
	if got := f.transports.last("v1").offers; len(got) != 1 || got[0] {
		t.Fatalf("expected one plain offer, got %v", got)
	}
}

func TestBroadcaster_IgnoresCreateOfferWhenNotStreaming(t *testing.T) {
	f := newBroadcasterFixture()
	f.m.Stop()
	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeCreateOffer, ViewerID: "v1"})
	if _, ok := f.m.Session("v1"); ok {
		t.Fatal("no session should be created while stopped")
	}
}

func TestBroadcaster_CreateOfferReplacesExistingSession(t *testing.T) {
	f := newBroadcasterFixture()
	first, firstTransport := f.connected(t, "v1")

	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeCreateOffer, ViewerID: "v1"})

	if first.State() != StateClosed || !firstTransport.closed {
		t.Fatal("previous session should be closed")
	}
	second, ok := f.m.Session("v1")
	if !ok || second == first {
		t.Fatal("expected a fresh session")
	}
	if second.State() != StateNegotiating {
		t.Fatalf("state = %s", second.State())
	}
}

func TestBroadcaster_MessagesForUnknownViewerIgnored(t *testing.T) {
	f := newBroadcasterFixture()
	f.m.HandleEnvelope(answerEnvelope("ghost", "answer"))
	f.m.HandleEnvelope(candidateEnvelope("ghost", "c1"))
	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeViewerDisconnected, ViewerID: "ghost"})

	if len(f.m.Viewers()) != 0 {
		t.Fatal("no session should exist")
	}
	if len(f.hooks.alerts) != 0 {
		t.Fatalf("unexpected alerts %v", f.hooks.alerts)
	}
}

func TestBroadcaster_CandidatesBufferedUntilAnswer(t *testing.T) {
	f := newBroadcasterFixture()
	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeCreateOffer, ViewerID: "v1"})
	f.m.HandleEnvelope(candidateEnvelope("v1", "c1"))
	f.m.HandleEnvelope(candidateEnvelope("v1", "c2"))

	s, _ := f.m.Session("v1")
	tr := f.transports.last("v1")
	if s.PendingCandidates() != 2 || len(tr.applied) != 0 {
		t.Fatalf("candidates should wait for the answer (pending=%d applied=%d)", s.PendingCandidates(), len(tr.applied))
	}

	f.m.HandleEnvelope(answerEnvelope("v1", "answer"))
	f.m.HandleEnvelope(candidateEnvelope("v1", "c3"))

	want := []string{"remote:answer", "candidate:c1", "candidate:c2", "candidate:c3"}
	if fmt.Sprint(tr.events) != fmt.Sprint(want) {
		t.Fatalf("events %v, want %v", tr.events, want)
	}
	if s.PendingCandidates() != 0 {
		t.Fatal("buffer should be empty")
	}
}

func TestBroadcaster_LocalCandidatesRelayedToViewer(t *testing.T) {
	f := newBroadcasterFixture()
	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeCreateOffer, ViewerID: "v1"})
	f.transports.last("v1").emitCandidate("local-1")

	got := f.signaler.ofType(models.SignalTypeICECandidate)
	if len(got) != 1 {
		t.Fatalf("expected one candidate envelope, got %d", len(got))
	}
	if got[0].Target != models.TargetViewer || got[0].ViewerID != "v1" {
		t.Fatalf("unexpected routing fields %#v", got[0])
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(got[0].Candidate, &c); err != nil || c.Candidate != "local-1" {
		t.Fatalf("unexpected candidate %s (%v)", got[0].Candidate, err)
	}
}

func TestBroadcaster_NegotiationFailureClosesSession(t *testing.T) {
	f := newBroadcasterFixture()
	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeCreateOffer, ViewerID: "v1"})
	s, _ := f.m.Session("v1")
	tr := f.transports.last("v1")
	tr.remoteErr = errors.New("bad sdp")

	f.m.HandleEnvelope(answerEnvelope("v1", "answer"))

	if s.State() != StateClosed || !tr.closed {
		t.Fatal("session should be closed after a rejected description")
	}
	if _, ok := f.m.Session("v1"); ok {
		t.Fatal("closed session should leave the index")
	}
	if len(f.hooks.alerts) != 1 {
		t.Fatalf("expected one alert, got %v", f.hooks.alerts)
	}
	if len(f.exec.armed()) != 0 {
		t.Fatal("negotiation failure must not arm a retry")
	}
}

func TestBroadcaster_RecoveredBeforeGraceDoesNotRestart(t *testing.T) {
	f := newBroadcasterFixture()
	s, tr := f.connected(t, "v1")

	tr.report(webrtc.ICEConnectionStateDisconnected)
	if s.State() != StateRecovering {
		t.Fatalf("state = %s, want recovering", s.State())
	}
	if len(f.exec.armed()) != 1 {
		t.Fatalf("expected one armed grace timer, got %d", len(f.exec.armed()))
	}
	if f.exec.armed()[0].d != RecoveryGracePeriod {
		t.Fatalf("grace period = %v", f.exec.armed()[0].d)
	}

	tr.report(webrtc.ICEConnectionStateConnected)
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}
	if n := f.exec.fire(); n != 0 {
		t.Fatalf("%d stale timers fired", n)
	}
	if len(tr.offers) != 1 {
		t.Fatalf("no ICE restart expected, offers = %v", tr.offers)
	}
	if len(f.signaler.ofType(models.SignalTypeOffer)) != 1 {
		t.Fatal("no restart offer may be sent")
	}
}

func TestBroadcaster_GraceExpiryRestartsOnceThenCloses(t *testing.T) {
	f := newBroadcasterFixture()
	s, tr := f.connected(t, "v1")

	tr.report(webrtc.ICEConnectionStateDisconnected)
	f.exec.fire()

	if want := []bool{false, true}; fmt.Sprint(tr.offers) != fmt.Sprint(want) {
		t.Fatalf("offers = %v, want %v", tr.offers, want)
	}
	if s.State() != StateNegotiating {
		t.Fatalf("state = %s, want negotiating", s.State())
	}
	if got := len(f.signaler.ofType(models.SignalTypeOffer)); got != 2 {
		t.Fatalf("expected the restart offer to be sent, offers sent = %d", got)
	}

	// A disconnected report during the restart round changes nothing.
	tr.report(webrtc.ICEConnectionStateDisconnected)
	if s.State() != StateNegotiating {
		t.Fatalf("state = %s", s.State())
	}

	f.exec.fire()
	if s.State() != StateClosed || !tr.closed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	if _, ok := f.m.Session("v1"); ok {
		t.Fatal("session should be removed from the index")
	}
	if len(tr.offers) != 2 {
		t.Fatalf("exactly one restart expected, offers = %v", tr.offers)
	}
}

func TestBroadcaster_RestartRoundSucceeds(t *testing.T) {
	f := newBroadcasterFixture()
	s, tr := f.connected(t, "v1")

	tr.report(webrtc.ICEConnectionStateDisconnected)
	f.exec.fire()

	// Candidates for the new round wait for the new answer.
	f.m.HandleEnvelope(candidateEnvelope("v1", "restart-c1"))
	if s.PendingCandidates() != 1 {
		t.Fatal("restart candidate should be buffered")
	}
	f.m.HandleEnvelope(answerEnvelope("v1", "answer-2"))
	tr.report(webrtc.ICEConnectionStateConnected)

	if s.State() != StateConnected {
		t.Fatalf("state = %s", s.State())
	}
	if n := f.exec.fire(); n != 0 {
		t.Fatal("restart deadline should be disarmed")
	}
	if tr.events[len(tr.events)-1] != "candidate:restart-c1" {
		t.Fatalf("events %v", tr.events)
	}

	// A later outage gets its own restart.
	tr.report(webrtc.ICEConnectionStateDisconnected)
	f.exec.fire()
	if len(tr.offers) != 3 {
		t.Fatalf("offers = %v", tr.offers)
	}
}

func TestBroadcaster_LateAnswerIgnored(t *testing.T) {
	f := newBroadcasterFixture()
	s, tr := f.connected(t, "v1")

	// The transport would reject a second answer in the stable state.
	tr.remoteErr = errors.New("invalid state change")
	f.m.HandleEnvelope(answerEnvelope("v1", "answer-dup"))

	if s.State() != StateConnected || tr.closed {
		t.Fatalf("duplicate answer closed a healthy session: %s", s.State())
	}
	if len(tr.remote) != 1 {
		t.Fatalf("remote descriptions %v", tr.remote)
	}
	if _, ok := f.m.Session("v1"); !ok {
		t.Fatal("session should stay indexed")
	}
}

func TestBroadcaster_TransportFailureCloses(t *testing.T) {
	f := newBroadcasterFixture()
	s, tr := f.connected(t, "v1")
	tr.report(webrtc.ICEConnectionStateFailed)

	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
	if _, ok := f.m.Session("v1"); ok {
		t.Fatal("session should be removed")
	}

	// Late events for the dead session are no-ops.
	tr.report(webrtc.ICEConnectionStateConnected)
	tr.emitCandidate("late")
	f.m.HandleEnvelope(candidateEnvelope("v1", "late"))
	if s.State() != StateClosed {
		t.Fatal("closed is terminal")
	}
	if len(f.signaler.ofType(models.SignalTypeICECandidate)) != 0 {
		t.Fatal("closed session must not relay candidates")
	}
}

func TestBroadcaster_ViewerDisconnectedClosesSession(t *testing.T) {
	f := newBroadcasterFixture()
	s, _ := f.connected(t, "v1")
	f.connected(t, "v2")

	f.m.HandleEnvelope(models.Envelope{Type: models.SignalTypeViewerDisconnected, ViewerID: "v1"})
	if s.State() != StateClosed {
		t.Fatal("v1 should be closed")
	}
	if got := f.m.Viewers(); len(got) != 1 || got[0] != "v2" {
		t.Fatalf("viewers = %v", got)
	}
}

func TestBroadcaster_ChannelClosedClosesEverySession(t *testing.T) {
	f := newBroadcasterFixture()
	var sessions []*PeerSession
	for _, id := range []string{"v1", "v2", "v3"} {
		s, _ := f.connected(t, id)
		sessions = append(sessions, s)
	}
	// One of them is mid-recovery with a timer armed.
	f.transports.last("v2").report(webrtc.ICEConnectionStateDisconnected)

	f.m.ChannelClosed()

	for _, s := range sessions {
		if s.State() != StateClosed {
			t.Fatalf("session %s state = %s", s.PeerID(), s.State())
		}
		if !f.transports.last(s.PeerID()).closed {
			t.Fatalf("transport for %s not released", s.PeerID())
		}
	}
	if len(f.m.Viewers()) != 0 {
		t.Fatal("index should be empty")
	}
	if len(f.exec.armed()) != 0 {
		t.Fatal("recovery timer should be disarmed")
	}
}

func TestBroadcaster_ChannelOpenedRegisters(t *testing.T) {
	f := newBroadcasterFixture()
	f.m.ChannelOpened()
	reg := f.signaler.ofType(models.SignalTypeRegisterBroadcaster)
	if len(reg) != 1 || reg[0].BroadcasterID != "cam" {
		t.Fatalf("unexpected registration %#v", reg)
	}
}

func TestIsBenignCandidateError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{webrtc.ErrConnectionClosed, true},
		{fmt.Errorf("wrapped: %w", webrtc.ErrConnectionClosed), true},
		{errors.New("InvalidStateError: connection closed"), true},
		{errors.New("candidate has already been gathered"), true},
		{errors.New("unable to parse candidate"), false},
	}
	for _, tc := range tests {
		if got := isBenignCandidateError(tc.err); got != tc.want {
			t.Errorf("isBenignCandidateError(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestSession_BenignCandidateErrorKeepsSession(t *testing.T) {
	f := newBroadcasterFixture()
	s, tr := f.connected(t, "v1")
	tr.candidateErr = webrtc.ErrConnectionClosed
	f.m.HandleEnvelope(candidateEnvelope("v1", "dup"))
	tr.candidateErr = errors.New("unable to parse candidate")
	f.m.HandleEnvelope(candidateEnvelope("v1", "junk"))

	if s.State() != StateConnected {
		t.Fatalf("candidate errors must not close the session, state = %s", s.State())
	}
}
