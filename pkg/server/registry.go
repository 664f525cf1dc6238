package server

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/NicolasHaas/parley/pkg/protocol"
)

// Member is a registered participant. Deliver queues encoded control
// messages for the member, to be written back to back, and must never block.
type Member interface {
	Deliver(payloads ...[]byte) bool
}

// Registry is the table of authenticated sessions. A single mutex covers
// membership changes and the broadcasts they trigger, so no session ever
// observes a roster that disagrees with the table.
type Registry struct {
	mu      sync.Mutex
	codec   protocol.Codec
	members map[string]Member // username -> member
	names   map[Member]string // member -> username
}

// NewRegistry creates an empty registry encoding broadcasts with codec.
func NewRegistry(codec protocol.Codec) *Registry {
	return &Registry{
		codec:   codec,
		members: make(map[string]Member),
		names:   make(map[Member]string),
	}
}

// TryRegister inserts m under username unless the name is taken. On
// success, onRegistered runs inside the critical section (before any
// broadcast), then others receive UserJoined and everyone, m included,
// receives the updated roster. Returns false without mutation if taken.
func (r *Registry) TryRegister(username string, m Member, onRegistered func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.members[username]; taken {
		return false
	}
	if _, dup := r.names[m]; dup {
		return false
	}
	r.members[username] = m
	r.names[m] = username

	if onRegistered != nil {
		onRegistered()
	}
	r.broadcastLocked(protocol.ServerSender, &protocol.UserJoined{
		Username: username,
		Text:     username + " has joined the chat.",
	}, m)
	r.broadcastRosterLocked()
	return true
}

// Remove deletes m if present and announces the departure. No-op otherwise.
func (r *Registry) Remove(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.names[m]
	if !ok {
		return false
	}
	delete(r.names, m)
	delete(r.members, username)

	r.broadcastLocked(protocol.ServerSender, &protocol.UserLeft{
		Username: username,
		Text:     username + " has left the chat.",
	}, nil)
	r.broadcastRosterLocked()
	return true
}

// Broadcast delivers msg to every registered member except exclude and
// returns how many accepted it.
func (r *Registry) Broadcast(sender string, msg protocol.Message, exclude Member) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(sender, msg, exclude)
}

// BroadcastPayload delivers an already encoded message to every registered
// member except exclude and returns how many accepted it.
func (r *Registry) BroadcastPayload(payload []byte, exclude Member) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliverLocked(exclude, payload)
}

// Usernames returns a sorted snapshot of registered usernames.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usernamesLocked()
}

// Count returns the number of registered members.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Registry) usernamesLocked() []string {
	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// broadcastRosterLocked sends the roster to everyone, split across frames
// when it does not fit one.
func (r *Registry) broadcastRosterLocked() {
	frames, err := protocol.EncodeNames(r.codec, protocol.ServerSender, r.usernamesLocked(), func(part []string, more bool) protocol.Message {
		return &protocol.UserListUpdate{Usernames: part, More: more}
	})
	if err != nil {
		slog.Error("roster encode failed", "members", len(r.members), "err", err)
		return
	}
	r.deliverLocked(nil, frames...)
}

func (r *Registry) broadcastLocked(sender string, msg protocol.Message, exclude Member) int {
	payload, err := protocol.EncodeFrame(r.codec, sender, msg)
	if err != nil {
		slog.Error("broadcast encode failed", "kind", msg.Kind(), "err", err)
		return 0
	}
	return r.deliverLocked(exclude, payload)
}

func (r *Registry) deliverLocked(exclude Member, payloads ...[]byte) int {
	delivered := 0
	for name, m := range r.members {
		if m == exclude {
			continue
		}
		if m.Deliver(payloads...) {
			delivered++
		} else {
			slog.Debug("broadcast not delivered", "user", name)
		}
	}
	return delivered
}
