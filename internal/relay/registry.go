// Package relay holds the relay's membership registry and the envelope router.
package relay

import (
	"sort"
	"sync"

	"github.com/mossy-p/webcam-relay/internal/models"
)

// Role is the part a channel plays once registered
type Role int

const (
	RoleNone Role = iota
	RoleBroadcaster
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleViewer:
		return "viewer"
	default:
		return "none"
	}
}

// Channel is one open duplex connection between an endpoint and the relay
type Channel interface {
	// Send queues env for delivery. It reports false if the envelope was dropped.
	Send(env models.Envelope) bool
	// Close tears down the underlying connection. Safe to call more than once.
	Close()
	// Evict closes the channel telling the endpoint its id was taken over
	// by a newer connection.
	Evict()
}

// Membership is what the registry knows about one channel
type Membership struct {
	Role Role
	ID   string
	// Target is the broadcaster a viewer last requested an offer from
	Target string
}

// Registry maps broadcaster and viewer ids to their live channels.
// Every method is one atomic step; the registry is the only state shared
// between connections.
type Registry struct {
	mu           sync.RWMutex
	broadcasters map[string]Channel
	viewers      map[string]Channel
	members      map[Channel]*Membership
}

func NewRegistry() *Registry {
	return &Registry{
		broadcasters: make(map[string]Channel),
		viewers:      make(map[string]Channel),
		members:      make(map[Channel]*Membership),
	}
}

// Register assigns ch the given role and id. A channel holds one role at a
// time, so any earlier registration of ch is dropped first. When a broadcaster
// id is already held by another channel, that channel is returned as evicted
// and the caller must close it.
func (r *Registry) Register(role Role, id string, ch Channel) (evicted Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(ch)

	switch role {
	case RoleBroadcaster:
		if prev, ok := r.broadcasters[id]; ok && prev != ch {
			r.removeLocked(prev)
			evicted = prev
		}
		r.broadcasters[id] = ch
	case RoleViewer:
		r.viewers[id] = ch
	default:
		return nil
	}
	r.members[ch] = &Membership{Role: role, ID: id}
	return evicted
}

// Lookup returns the channel registered under id for role
func (r *Registry) Lookup(role Role, id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ch Channel
	var ok bool
	switch role {
	case RoleBroadcaster:
		ch, ok = r.broadcasters[id]
	case RoleViewer:
		ch, ok = r.viewers[id]
	}
	return ch, ok
}

// MembershipOf returns a copy of ch's registration
func (r *Registry) MembershipOf(ch Channel) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[ch]
	if !ok {
		return Membership{}, false
	}
	return *m, true
}

// SetTarget records which broadcaster a viewer channel is pairing with
func (r *Registry) SetTarget(ch Channel, broadcasterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[ch]; ok && m.Role == RoleViewer {
		m.Target = broadcasterID
	}
}

// Unregister removes whatever ch holds. It matches by channel identity, so a
// stale channel can never remove an id that a newer channel has claimed.
func (r *Registry) Unregister(ch Channel) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[ch]
	if !ok {
		return Membership{}, false
	}
	out := *m
	r.removeLocked(ch)
	return out, true
}

// ViewersOf returns the channels of every viewer targeting broadcasterID
func (r *Registry) ViewersOf(broadcasterID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Channel
	for ch, m := range r.members {
		if m.Role == RoleViewer && m.Target == broadcasterID {
			out = append(out, ch)
		}
	}
	return out
}

// Broadcasters maps every live broadcaster id to the number of viewers targeting it
func (r *Registry) Broadcasters() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.broadcasters))
	for id := range r.broadcasters {
		out[id] = 0
	}
	for _, m := range r.members {
		if m.Role != RoleViewer {
			continue
		}
		if _, ok := out[m.Target]; ok {
			out[m.Target]++
		}
	}
	return out
}

// BroadcasterIDs returns the registered broadcaster ids in sorted order
func (r *Registry) BroadcasterIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.broadcasters))
	for id := range r.broadcasters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) removeLocked(ch Channel) {
	m, ok := r.members[ch]
	if !ok {
		return
	}
	switch m.Role {
	case RoleBroadcaster:
		if r.broadcasters[m.ID] == ch {
			delete(r.broadcasters, m.ID)
		}
	case RoleViewer:
		if r.viewers[m.ID] == ch {
			delete(r.viewers, m.ID)
		}
	}
	delete(r.members, ch)
}
