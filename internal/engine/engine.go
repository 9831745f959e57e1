// Package engine implements the per-channel TTS queue engine (§4.1): one
// bounded FIFO and one logical worker per managed channel, synthesis calls
// bounded by a global concurrency semaphore, and opportunistic persistence
// across restarts.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/pkg/types"
)

const (
	queueCapacity    = 50
	pacingDelay      = 500 * time.Millisecond
	restoreFreshness = 15 * time.Minute
)

// Synthesizer turns resolved voice parameters and text into a playable URL.
// Implemented by internal/synth against the external TTS provider.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice types.VoiceParams) (url string, err error)
}

// Fanout is the subset of the overlay server the engine depends on: whether
// a channel currently has any listening overlay, and how to deliver audio
// and stop control messages to one.
type Fanout interface {
	HasActiveClients(channel string) bool
	SendAudio(channel, url string)
	SendStop(channel string)
}

// Persister is the subset of the state store the engine uses to save and
// restore per-channel queue snapshots across restarts.
type Persister interface {
	SaveQueueSnapshot(ctx context.Context, snap types.QueueSnapshot) error
	LoadAndDeleteQueueSnapshot(ctx context.Context, login string) (*types.QueueSnapshot, bool, error)
}

// Engine owns one [channelWorker] per managed channel.
type Engine struct {
	synth  Synthesizer
	fanout Fanout
	store  Persister
	sem    *semaphore.Weighted

	mu      sync.Mutex
	workers map[string]*channelWorker
}

// New builds an [Engine]. maxConcurrency sizes the global synthesis
// semaphore (§4.1 scheduling model; config default 8).
func New(synth Synthesizer, fanout Fanout, store Persister, maxConcurrency int64) *Engine {
	return &Engine{
		synth:   synth,
		fanout:  fanout,
		store:   store,
		sem:     semaphore.NewWeighted(maxConcurrency),
		workers: make(map[string]*channelWorker),
	}
}

func (e *Engine) worker(channel string) *channelWorker {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[channel]
	if !ok {
		w = newChannelWorker(channel, e)
		e.workers[channel] = w
		go w.dispatch()
	}
	return w
}

// Enqueue validates and appends item to channel's queue, returning
// synchronously (§4.1 contract). cfg gates admission: a disabled engine or
// an ignored speaker silently drops the item.
func (e *Engine) Enqueue(ctx context.Context, cfg *types.ChannelConfig, item types.WorkItem) error {
	if cfg == nil || !cfg.EngineEnabled {
		return nil
	}
	if cfg.IsIgnored(item.Speaker) {
		return nil
	}

	w := e.worker(cfg.Login)
	return w.enqueue(item)
}

// Pause stops a channel's worker from starting new items; the in-flight item
// (if any) continues to completion.
func (e *Engine) Pause(channel string) { e.worker(channel).setPaused(true) }

// Resume allows a paused channel's worker to process its queue again.
func (e *Engine) Resume(channel string) {
	w := e.worker(channel)
	w.setPaused(false)
	w.wake()
}

// Clear empties a channel's pending queue without touching any in-flight item.
func (e *Engine) Clear(channel string) { e.worker(channel).clear() }

// StopCurrent aborts the in-flight synthesis (if any), broadcasts a stop to
// the channel's overlays, and always sends a precautionary stop so a
// moderator's stop is authoritative at the client regardless of server
// state (§4.1 StopCurrent semantics).
func (e *Engine) StopCurrent(channel string) bool {
	return e.worker(channel).stopCurrent()
}

// CurrentSpeaker reports the speaker tag of the in-flight item, if any, so a
// caller can check self-stop authority.
func (e *Engine) CurrentSpeaker(channel string) (string, bool) {
	return e.worker(channel).currentSpeakerTag()
}

// PersistAll snapshots every channel with a non-empty pending queue. Called
// on graceful shutdown.
func (e *Engine) PersistAll(ctx context.Context) error {
	e.mu.Lock()
	workers := make([]*channelWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		snap, ok := w.snapshot()
		if !ok {
			continue
		}
		if err := e.store.SaveQueueSnapshot(ctx, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestoreAll reads and deletes persisted snapshots for the given managed
// channels and refills their queues, discarding items past the freshness
// bound and any attached shared-session descriptor (§4.1 Persistence).
func (e *Engine) RestoreAll(ctx context.Context, channels []string) error {
	var firstErr error
	cutoff := time.Now().Add(-restoreFreshness)

	for _, login := range channels {
		snap, ok, err := e.store.LoadAndDeleteQueueSnapshot(ctx, login)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}

		// Pause before refilling so the dispatch goroutine cannot start
		// draining the queue mid-restore; the final pause state is applied
		// once every surviving item has been re-enqueued.
		w := e.worker(login)
		w.setPaused(true)
		for _, item := range snap.Items {
			if item.EnqueuedAt.Before(cutoff) {
				continue
			}
			item.Session = nil
			if err := w.enqueue(item); err != nil {
				slog.Warn("engine: restore dropped item", "channel", login, "error", err)
			}
		}
		if !snap.Paused {
			e.Resume(login)
		}
	}
	return firstErr
}

// acquireSynth blocks until the global synthesis semaphore admits one more
// concurrent call, or ctx is canceled.
func (e *Engine) acquireSynth(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return relayerr.New(relayerr.AbortedByCaller, "engine.acquireSynth", err)
	}
	return nil
}

func (e *Engine) releaseSynth() { e.sem.Release(1) }

// newCancelToken generates a fresh cancellation-token identifier (§3 Channel
// queue state: current-synthesis-token).
func newCancelToken() string { return uuid.NewString() }
