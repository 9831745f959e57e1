package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/pkg/types"
)

// channelWorker is one channel's logical worker: a bounded FIFO plus a
// dispatch goroutine that processes at most one item at a time, woken by
// notify and stopped by done — the same shape as the teacher's
// notify/done/cancel idiom, generalized from a priority heap to a plain FIFO
// since this domain requires strict per-channel ordering, not preemption.
type channelWorker struct {
	channel string
	engine  *Engine

	mu                 sync.Mutex
	queue              []types.WorkItem
	paused             bool
	processingNow      bool
	token              string
	cancelInFlight     context.CancelFunc
	currentPlaybackURL string
	currentSpeaker     string

	notify chan struct{}
	done   chan struct{}
}

func newChannelWorker(channel string, e *Engine) *channelWorker {
	return &channelWorker{
		channel: channel,
		engine:  e,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// enqueue appends item to the queue, dropping the new item with a warning
// log if the queue is already at capacity (§4.1 Admission: "drop head-of-new").
func (w *channelWorker) enqueue(item types.WorkItem) error {
	w.mu.Lock()
	if len(w.queue) >= queueCapacity {
		w.mu.Unlock()
		slog.Warn("engine: queue full, dropping new item", "channel", w.channel)
		return relayerr.Newf(relayerr.QueueFull, "channelWorker.enqueue", "channel %q queue at capacity %d", w.channel, queueCapacity)
	}
	w.queue = append(w.queue, item)
	w.mu.Unlock()

	w.wake()
	return nil
}

func (w *channelWorker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *channelWorker) setPaused(paused bool) {
	w.mu.Lock()
	w.paused = paused
	w.mu.Unlock()
}

func (w *channelWorker) clear() {
	w.mu.Lock()
	w.queue = nil
	w.mu.Unlock()
}

func (w *channelWorker) currentSpeakerTag() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSpeaker, w.processingNow
}

// snapshot returns a persistable view of the pending (not in-flight) queue.
// ok is false for an empty queue, matching "for every channel with
// non-empty queue" in §4.1 Persistence.
func (w *channelWorker) snapshot() (types.QueueSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return types.QueueSnapshot{}, false
	}
	items := make([]types.WorkItem, len(w.queue))
	copy(items, w.queue)
	return types.QueueSnapshot{Channel: w.channel, Items: items, Paused: w.paused}, true
}

// stopCurrent implements §4.1's StopCurrent semantics.
func (w *channelWorker) stopCurrent() bool {
	w.mu.Lock()
	affected := false

	if w.cancelInFlight != nil {
		w.cancelInFlight()
		w.cancelInFlight = nil
		affected = true
	}
	if w.currentPlaybackURL != "" {
		affected = true
	}
	w.currentPlaybackURL = ""
	w.currentSpeaker = ""
	w.mu.Unlock()

	// Always send a precautionary stop so a moderator's command is
	// authoritative at the client even if the server tracked nothing.
	w.engine.fanout.SendStop(w.channel)
	return affected
}

// dispatch is the per-channel background goroutine. It blocks on notify,
// then drains the queue one item at a time until empty or paused.
func (w *channelWorker) dispatch() {
	for {
		select {
		case <-w.done:
			return
		case <-w.notify:
		}

		for {
			item, ok := w.popIfRunnable()
			if !ok {
				break
			}
			w.processItem(item)

			if w.shouldPace() {
				select {
				case <-w.done:
					return
				case <-time.After(pacingDelay):
				}
			}
		}
	}
}

// popIfRunnable pops the head item if the worker is not paused and not
// already mid-item. Step 1 of the processing sequence ("if already
// processing, yield") is naturally satisfied by dispatch's single goroutine;
// this also re-checks pause state set concurrently by [Pause].
func (w *channelWorker) popIfRunnable() (types.WorkItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused || len(w.queue) == 0 {
		return types.WorkItem{}, false
	}
	item := w.queue[0]
	w.queue = w.queue[1:]
	return item, true
}

func (w *channelWorker) shouldPace() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.paused && len(w.queue) > 0
}

// processItem runs the full per-item sequence of §4.1 steps 2-8.
func (w *channelWorker) processItem(item types.WorkItem) {
	token := newCancelToken()
	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if w.cancelInFlight != nil {
		// A prior token was still set (defensive cleanup, step 3).
		w.cancelInFlight()
	}
	w.processingNow = true
	w.token = token
	w.cancelInFlight = cancel
	w.currentSpeaker = item.Speaker
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.processingNow = false
		if w.token == token {
			w.cancelInFlight = nil
		}
		w.mu.Unlock()
	}()

	if !w.engine.fanout.HasActiveClients(w.channel) {
		slog.Info("engine: dropping item, no active overlay clients", "channel", w.channel)
		return
	}

	if err := w.engine.acquireSynth(ctx); err != nil {
		return
	}
	url, err := w.engine.synth.Synthesize(ctx, item.Text, item.Voice)
	w.engine.releaseSynth()

	if err != nil {
		w.clearIfCurrentToken(token)
		switch relayerr.KindOf(err) {
		case relayerr.AbortedByCaller:
			// expected, silent.
		default:
			slog.Warn("engine: synthesis failed", "channel", w.channel, "error", err)
		}
		return
	}

	w.mu.Lock()
	if w.token == token {
		w.currentPlaybackURL = url
	}
	w.mu.Unlock()

	w.deliver(item, url)
}

// clearIfCurrentToken clears playback state only if it still refers to
// token, per step 8 ("only if they still refer to this item's token").
func (w *channelWorker) clearIfCurrentToken(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token == token {
		w.currentPlaybackURL = ""
		w.currentSpeaker = ""
	}
}

// deliver dispatches the synthesized URL to the origin channel, or to every
// participant of a shared-chat session that currently has overlay clients.
func (w *channelWorker) deliver(item types.WorkItem, url string) {
	if item.Session == nil {
		w.engine.fanout.SendAudio(w.channel, url)
		return
	}
	for _, participant := range item.Session.Channels {
		if w.engine.fanout.HasActiveClients(participant) {
			w.engine.fanout.SendAudio(participant, url)
		}
	}
}
