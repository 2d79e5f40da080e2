package models

import "encoding/json"

// SignalType represents the type of signaling envelope
type SignalType string

const (
	SignalTypeRegisterBroadcaster     SignalType = "register-broadcaster"
	SignalTypeRegisterViewer          SignalType = "register-viewer"
	SignalTypeBroadcasterRegistered   SignalType = "broadcaster-registered"
	SignalTypeViewerRegistered        SignalType = "viewer-registered"
	SignalTypeRequestOffer            SignalType = "request-offer"
	SignalTypeCreateOffer             SignalType = "create-offer"
	SignalTypeOffer                   SignalType = "offer"
	SignalTypeAnswer                  SignalType = "answer"
	SignalTypeICECandidate            SignalType = "ice-candidate"
	SignalTypeHeartbeat               SignalType = "heartbeat"
	SignalTypeError                   SignalType = "error"
	SignalTypeViewerDisconnected      SignalType = "viewer-disconnected"
	SignalTypeBroadcasterDisconnected SignalType = "broadcaster-disconnected"
)

// Target names which side of a pairing an ice-candidate is addressed to
type Target string

const (
	TargetBroadcaster Target = "broadcaster"
	TargetViewer      Target = "viewer"
)

// Error codes carried alongside the human readable message
const (
	ErrorCodeBroadcasterNotFound = "broadcaster-not-found"
)

// Close frame sent to a broadcaster whose id was taken over by a newer
// channel. The endpoint must not redial after receiving it.
const (
	CloseCodeReplaced   = 4000
	CloseReasonReplaced = "replaced"
)

// DefaultBroadcasterID is used whenever a broadcaster id is omitted
const DefaultBroadcasterID = "default"

// Envelope is one signaling message exchanged over a signal channel.
// Offer, Answer and Candidate are relayed untouched.
type Envelope struct {
	Type          SignalType      `json:"type"`
	BroadcasterID string          `json:"broadcasterId,omitempty"`
	ViewerID      string          `json:"viewerId,omitempty"`
	Target        Target          `json:"target,omitempty"`
	Offer         json.RawMessage `json:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	Message       string          `json:"message,omitempty"`
	Code          string          `json:"code,omitempty"`
}

// BroadcasterIDOrDefault returns the envelope's broadcaster id, falling back to "default"
func (e Envelope) BroadcasterIDOrDefault() string {
	if e.BroadcasterID == "" {
		return DefaultBroadcasterID
	}
	return e.BroadcasterID
}
