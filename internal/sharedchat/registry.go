// Package sharedchat tracks which channels are currently fused into a
// shared-chat collaboration session (§3, §4.2). The webhook handler keeps it
// current; the engine and fan-out layer do not read it, and deliver only to
// the channels named on a work item's own session descriptor.
package sharedchat

import (
	"context"
	"sync"
)

// Registry is an in-memory session-id to participant-channel-set map. A
// session only matters for as long as this process is up: on restart, the
// first channel.shared_chat.begin/update notification repopulates
// it, so nothing here needs to survive a crash.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string][]string
}

// New builds an empty [Registry].
func New() *Registry {
	return &Registry{sessions: make(map[string][]string)}
}

// Update replaces the participant set for sessionID.
func (r *Registry) Update(ctx context.Context, sessionID string, channels []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(channels))
	copy(cp, channels)
	r.sessions[sessionID] = cp
	return nil
}

// End removes sessionID entirely.
func (r *Registry) End(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

// Participants returns the channel set for sessionID, if any.
func (r *Registry) Participants(sessionID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels, ok := r.sessions[sessionID]
	return channels, ok
}
