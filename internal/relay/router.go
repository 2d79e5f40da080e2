package relay

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/mossy-p/webcam-relay/internal/models"
)

// Delivery is one envelope bound for one channel
type Delivery struct {
	To       Channel
	Envelope models.Envelope
}

// PresenceRecorder mirrors membership changes somewhere outside the process
type PresenceRecorder interface {
	BroadcasterOnline(id string)
	BroadcasterOffline(id string)
	ViewerAttached(broadcasterID, viewerID string)
	ViewerDetached(broadcasterID, viewerID string)
}

// Router decides where each inbound envelope goes. It never inspects the
// offer, answer or candidate payloads.
type Router struct {
	registry *Registry
	presence PresenceRecorder
	newID    func() string
}

type RouterOption func(*Router)

// WithPresence mirrors registrations into p
func WithPresence(p PresenceRecorder) RouterOption {
	return func(r *Router) {
		r.presence = p
	}
}

// WithIDGenerator replaces the viewer id minter
func WithIDGenerator(fn func() string) RouterOption {
	return func(r *Router) {
		r.newID = fn
	}
}

func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Registry() *Registry {
	return r.registry
}

// Route handles one envelope received on from and returns what must be sent
// where. Deliveries for the same channel keep the order they are returned in.
func (r *Router) Route(from Channel, env models.Envelope) []Delivery {
	switch env.Type {
	case models.SignalTypeRegisterBroadcaster:
		return r.registerBroadcaster(from, env.BroadcasterIDOrDefault())

	case models.SignalTypeRegisterViewer:
		viewerID := r.newID()
		r.detach(from)
		r.registry.Register(RoleViewer, viewerID, from)
		log.Printf("Viewer registered with ID: %s", viewerID)
		return []Delivery{{To: from, Envelope: models.Envelope{
			Type:     models.SignalTypeViewerRegistered,
			ViewerID: viewerID,
		}}}

	case models.SignalTypeRequestOffer:
		return r.requestOffer(from, env.BroadcasterIDOrDefault())

	case models.SignalTypeOffer:
		sender, ok := r.registry.MembershipOf(from)
		if !ok || sender.Role != RoleBroadcaster {
			log.Printf("Dropping offer from unregistered broadcaster")
			return nil
		}
		viewer, ok := r.registry.Lookup(RoleViewer, env.ViewerID)
		if !ok {
			return nil
		}
		return []Delivery{{To: viewer, Envelope: models.Envelope{
			Type:          models.SignalTypeOffer,
			Offer:         env.Offer,
			BroadcasterID: sender.ID,
		}}}

	case models.SignalTypeAnswer:
		sender, ok := r.registry.MembershipOf(from)
		if !ok || sender.Role != RoleViewer {
			log.Printf("Dropping answer from unregistered viewer")
			return nil
		}
		broadcaster, ok := r.registry.Lookup(RoleBroadcaster, env.BroadcasterID)
		if !ok {
			return nil
		}
		return []Delivery{{To: broadcaster, Envelope: models.Envelope{
			Type:     models.SignalTypeAnswer,
			Answer:   env.Answer,
			ViewerID: sender.ID,
		}}}

	case models.SignalTypeICECandidate:
		return r.routeCandidate(from, env)

	case models.SignalTypeHeartbeat:
		return nil

	default:
		log.Printf("Unknown message type: %s", env.Type)
		return nil
	}
}

// Disconnect unregisters from and returns best-effort notices for the peers
// it was pairing with.
func (r *Router) Disconnect(from Channel) []Delivery {
	m, ok := r.registry.Unregister(from)
	if !ok {
		return nil
	}

	switch m.Role {
	case RoleBroadcaster:
		log.Printf("Broadcaster %s removed", m.ID)
		if r.presence != nil {
			r.presence.BroadcasterOffline(m.ID)
		}
		return r.noticeViewers(m.ID)

	case RoleViewer:
		log.Printf("Viewer %s removed", m.ID)
		if m.Target == "" {
			return nil
		}
		if r.presence != nil {
			r.presence.ViewerDetached(m.Target, m.ID)
		}
		broadcaster, ok := r.registry.Lookup(RoleBroadcaster, m.Target)
		if !ok {
			return nil
		}
		return []Delivery{{To: broadcaster, Envelope: models.Envelope{
			Type:     models.SignalTypeViewerDisconnected,
			ViewerID: m.ID,
		}}}
	}
	return nil
}

func (r *Router) registerBroadcaster(from Channel, id string) []Delivery {
	r.detach(from)
	evicted := r.registry.Register(RoleBroadcaster, id, from)

	var out []Delivery
	if evicted != nil {
		log.Printf("Broadcaster %s replaced by a new connection", id)
		evicted.Evict()
		out = r.noticeViewers(id)
	}
	if r.presence != nil {
		r.presence.BroadcasterOnline(id)
	}

	log.Printf("Broadcaster registered with ID: %s", id)
	return append(out, Delivery{To: from, Envelope: models.Envelope{
		Type:          models.SignalTypeBroadcasterRegistered,
		BroadcasterID: id,
	}})
}

func (r *Router) requestOffer(from Channel, broadcasterID string) []Delivery {
	sender, ok := r.registry.MembershipOf(from)
	if !ok || sender.Role != RoleViewer {
		log.Printf("Dropping request-offer from unregistered viewer")
		return nil
	}
	log.Printf("Viewer requesting offer from broadcaster: %s", broadcasterID)

	broadcaster, ok := r.registry.Lookup(RoleBroadcaster, broadcasterID)
	if !ok {
		log.Printf("Broadcaster %s not found", broadcasterID)
		return []Delivery{{To: from, Envelope: models.Envelope{
			Type:    models.SignalTypeError,
			Message: fmt.Sprintf("Broadcaster %s not found", broadcasterID),
			Code:    models.ErrorCodeBroadcasterNotFound,
		}}}
	}

	if sender.Target != broadcasterID {
		if sender.Target != "" && r.presence != nil {
			r.presence.ViewerDetached(sender.Target, sender.ID)
		}
		r.registry.SetTarget(from, broadcasterID)
		if r.presence != nil {
			r.presence.ViewerAttached(broadcasterID, sender.ID)
		}
	}
	return []Delivery{{To: broadcaster, Envelope: models.Envelope{
		Type:     models.SignalTypeCreateOffer,
		ViewerID: sender.ID,
	}}}
}

func (r *Router) routeCandidate(from Channel, env models.Envelope) []Delivery {
	sender, ok := r.registry.MembershipOf(from)
	if !ok {
		return nil
	}

	switch env.Target {
	case models.TargetBroadcaster:
		if sender.Role != RoleViewer {
			return nil
		}
		broadcaster, ok := r.registry.Lookup(RoleBroadcaster, env.BroadcasterID)
		if !ok {
			return nil
		}
		return []Delivery{{To: broadcaster, Envelope: models.Envelope{
			Type:      models.SignalTypeICECandidate,
			Candidate: env.Candidate,
			ViewerID:  sender.ID,
		}}}

	case models.TargetViewer:
		if sender.Role != RoleBroadcaster {
			return nil
		}
		viewer, ok := r.registry.Lookup(RoleViewer, env.ViewerID)
		if !ok {
			return nil
		}
		return []Delivery{{To: viewer, Envelope: models.Envelope{
			Type:          models.SignalTypeICECandidate,
			Candidate:     env.Candidate,
			BroadcasterID: sender.ID,
		}}}
	}
	return nil
}

// detach drops any earlier role of ch before it re-registers
func (r *Router) detach(ch Channel) {
	m, ok := r.registry.MembershipOf(ch)
	if !ok || r.presence == nil {
		return
	}
	switch m.Role {
	case RoleBroadcaster:
		r.presence.BroadcasterOffline(m.ID)
	case RoleViewer:
		if m.Target != "" {
			r.presence.ViewerDetached(m.Target, m.ID)
		}
	}
}

func (r *Router) noticeViewers(broadcasterID string) []Delivery {
	viewers := r.registry.ViewersOf(broadcasterID)
	out := make([]Delivery, 0, len(viewers))
	for _, v := range viewers {
		out = append(out, Delivery{To: v, Envelope: models.Envelope{
			Type:          models.SignalTypeBroadcasterDisconnected,
			BroadcasterID: broadcasterID,
		}})
	}
	return out
}
