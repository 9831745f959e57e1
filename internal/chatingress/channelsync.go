package chatingress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ttsrelay/core/pkg/types"
)

// channelSyncInterval is the managed-channels poll period, grounded on the
// teacher's hash-and-mtime config watcher idiom (§4.5, §4.6).
const channelSyncInterval = 30 * time.Second

// ManagedChannelLister lists the currently active managed channels, backed
// by the state store's uncached managed-channels collection.
type ManagedChannelLister interface {
	ListActiveManagedChannels(ctx context.Context) ([]types.ManagedChannel, error)
}

// ChannelSyncer keeps the chat client's joined-channel set equal to the
// managed-channels collection's active set, by polling and diffing rather
// than holding an open watch connection.
type ChannelSyncer struct {
	lister    ManagedChannelLister
	transport Transport

	mu     sync.Mutex
	joined map[string]struct{}
}

// NewChannelSyncer builds a [ChannelSyncer].
func NewChannelSyncer(lister ManagedChannelLister, transport Transport) *ChannelSyncer {
	return &ChannelSyncer{lister: lister, transport: transport, joined: make(map[string]struct{})}
}

// Run performs an initial sync and then polls every 30 s until ctx is
// canceled.
func (s *ChannelSyncer) Run(ctx context.Context) {
	if err := s.syncOnce(ctx); err != nil {
		slog.Warn("chatingress: initial channel sync failed", "error", err)
	}

	ticker := time.NewTicker(channelSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				slog.Warn("chatingress: channel sync failed", "error", err)
			}
		}
	}
}

// syncOnce diffs the desired active set against what is currently joined:
// joins new channels, parts removed ones.
func (s *ChannelSyncer) syncOnce(ctx context.Context) error {
	active, err := s.lister.ListActiveManagedChannels(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]struct{}, len(active))
	for _, ch := range active {
		if ch.IsActive {
			desired[ch.Login] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for login := range desired {
		if _, already := s.joined[login]; already {
			continue
		}
		if err := s.transport.Join(ctx, login); err != nil {
			slog.Warn("chatingress: join failed", "channel", login, "error", err)
			continue
		}
		s.joined[login] = struct{}{}
	}

	for login := range s.joined {
		if _, stillDesired := desired[login]; stillDesired {
			continue
		}
		if err := s.transport.Part(ctx, login); err != nil {
			slog.Warn("chatingress: part failed", "channel", login, "error", err)
			continue
		}
		delete(s.joined, login)
	}

	return nil
}

// Joined reports the set of currently joined channel logins, for tests and
// diagnostics.
func (s *ChannelSyncer) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for login := range s.joined {
		out = append(out, login)
	}
	return out
}
