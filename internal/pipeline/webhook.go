package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ttsrelay/core/internal/redemption"
	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/pkg/types"
)

const (
	replayWindow     = 10 * time.Minute
	dedupWindow      = 10 * time.Minute
	maxWebhookBody   = 1 << 20 // 1 MiB
	fallbackCapacity = 1000
)

const (
	headerMessageID   = "Twitch-Eventsub-Message-Id"
	headerTimestamp   = "Twitch-Eventsub-Message-Timestamp"
	headerSignature   = "Twitch-Eventsub-Message-Signature"
	headerMessageType = "Twitch-Eventsub-Message-Type"
)

const (
	typeVerification = "webhook_callback_verification"
	typeNotification = "notification"
	typeRevocation   = "revocation"
)

// Publisher distributes a decided work item to every replica over the
// cross-instance bus (§4.2, §6): the replica that owns the relevant
// overlay client set fulfils it, independent of which replica received the
// webhook.
type Publisher interface {
	Publish(ctx context.Context, env types.BusEnvelope) error
}

// RedemptionHandler delegates channel-points notifications to the
// redemption state machine (§4.4).
type RedemptionHandler interface {
	HandleAdd(ctx context.Context, n redemption.Notification, cfg *types.ChannelConfig) error
	HandleUpdate(ctx context.Context, n redemption.Notification, cfg *types.ChannelConfig) error
}

// RewardBindings resolves a channel's reward-binding, needed to gate and
// police channel-points redemptions.
type RewardBindings interface {
	GetChannelConfig(ctx context.Context, login string) (*types.ChannelConfig, bool, error)
}

// SessionRegistry tracks shared-chat sessions (§3), updated by
// channel.shared_chat.* notifications.
type SessionRegistry interface {
	Update(ctx context.Context, sessionID string, channels []string) error
	End(ctx context.Context, sessionID string) error
}

// Webhook is the inbound EventSub HTTP handler: signature verification,
// replay/idempotency guards, the challenge handshake, and subscription
// dispatch (§4.2 Webhook branch).
type Webhook struct {
	secret      string
	dedup       Deduper
	publisher   Publisher
	redemptions RedemptionHandler
	channels    RewardBindings
	sessions    SessionRegistry
	replicaTag  string
	fallback    *fallbackDedup
}

// Deduper marks a message-id as seen within a TTL window, reporting whether
// it was already seen. Backed by the Redis processed-message window (§1.2);
// [Webhook] falls back to an in-process window if Redis calls fail.
type Deduper interface {
	SeenOnce(ctx context.Context, namespace, id string, ttl time.Duration) (alreadySeen bool, err error)
}

// NewWebhook builds a [Webhook]. sessions may be nil if shared-chat session
// tracking is not wired; notifications for it are then logged and dropped.
func NewWebhook(secret string, dedup Deduper, publisher Publisher, redemptions RedemptionHandler, channels RewardBindings, sessions SessionRegistry, replicaTag string) *Webhook {
	return &Webhook{
		secret: secret, dedup: dedup, publisher: publisher, redemptions: redemptions,
		channels: channels, sessions: sessions, replicaTag: replicaTag,
		fallback: newFallbackDedup(fallbackCapacity),
	}
}

// ServeHTTP implements `POST /twitch/event` (§6).
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	messageID := r.Header.Get(headerMessageID)
	timestampHdr := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	msgType := r.Header.Get(headerMessageType)
	if messageID == "" || timestampHdr == "" || signature == "" || msgType == "" {
		http.Error(w, "missing required eventsub headers", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	if err := verifySignature(h.secret, messageID, timestampHdr, body, signature); err != nil {
		slog.Warn("webhook: signature mismatch", "error", err)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	ts, err := time.Parse(time.RFC3339, timestampHdr)
	if err != nil || time.Since(ts) > replayWindow {
		slog.Info("webhook: dropping stale notification", "message_id", messageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if msgType == typeVerification {
		h.handleChallenge(w, body)
		return
	}

	seen, err := h.seenBefore(r.Context(), messageID)
	if err != nil {
		slog.Warn("webhook: idempotency check failed, proceeding without dedup", "error", err)
	} else if seen {
		slog.Debug("webhook: dropping duplicate notification", "message_id", messageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if msgType == typeRevocation {
		slog.Info("webhook: subscription revoked", "message_id", messageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Acknowledge immediately, then dispatch asynchronously (§4.2).
	w.WriteHeader(http.StatusOK)
	go h.dispatch(context.Background(), body)
}

func (h *Webhook) handleChallenge(w http.ResponseWriter, body []byte) {
	var payload struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Challenge == "" {
		http.Error(w, "missing challenge", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(payload.Challenge))
}

func (h *Webhook) seenBefore(ctx context.Context, messageID string) (bool, error) {
	seen, err := h.dedup.SeenOnce(ctx, "webhook-msg", messageID, dedupWindow)
	if err == nil {
		return seen, nil
	}
	return h.fallback.seenOnce(messageID), nil
}

// verifySignature recomputes the HMAC-SHA256 digest over
// message-id ∥ timestamp ∥ body and compares it, in constant time, against
// the header value (§4.2).
func verifySignature(secret, messageID, timestamp string, body []byte, header string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(want), []byte(header)) != 1 {
		return relayerr.Newf(relayerr.SignatureMismatch, "pipeline.verifySignature", "digest mismatch")
	}
	return nil
}

type eventEnvelope struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// dispatch decodes the notification's subscription type and routes to the
// corresponding branch of §4.2.
func (h *Webhook) dispatch(ctx context.Context, body []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("webhook: malformed notification body", "error", err)
		return
	}

	var err error
	switch env.Subscription.Type {
	case "channel.subscribe", "channel.subscription.message", "channel.subscription.gift",
		"channel.cheer", "channel.raid", "channel.follow":
		err = h.dispatchNarratedEvent(ctx, env.Subscription.Type, env.Event)
	case "channel.channel_points_custom_reward_redemption.add":
		err = h.dispatchRedemption(ctx, env.Event, h.redemptions.HandleAdd)
	case "channel.channel_points_custom_reward_redemption.update":
		err = h.dispatchRedemption(ctx, env.Event, h.redemptions.HandleUpdate)
	case "channel.shared_chat.begin", "channel.shared_chat.update":
		err = h.dispatchSharedChatUpdate(ctx, env.Event)
	case "channel.shared_chat.end":
		err = h.dispatchSharedChatEnd(ctx, env.Event)
	default:
		slog.Debug("webhook: unhandled subscription type", "type", env.Subscription.Type)
	}
	if err != nil {
		slog.Warn("webhook: dispatch failed", "type", env.Subscription.Type, "error", err)
	}
}

type narratedEvent struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	UserLogin            string `json:"user_login"`
	IsAnonymous          bool   `json:"is_anonymous"`
	Tier                 string `json:"tier"`
	CumulativeMonths     int    `json:"cumulative_months"`
	Total                int    `json:"total"`
	Bits                 int    `json:"bits"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	Viewers                  int    `json:"viewers"`
}

// narrate composes a fixed announcement string for a given subscription
// type, per §4.2's "compose a fixed narration string" rule. Anonymous gift
// subs and cheers get a synthetic speaker tag rather than the viewer's name.
func narrate(subType string, ev narratedEvent) (text, speaker, channel string) {
	switch subType {
	case "channel.subscribe":
		return fmt.Sprintf("%s just subscribed at tier %s", ev.UserLogin, ev.Tier), "event_tts", ev.BroadcasterUserLogin
	case "channel.subscription.message":
		return fmt.Sprintf("%s resubscribed for %d months: %s", ev.UserLogin, ev.CumulativeMonths, ev.Message.Text), "event_tts", ev.BroadcasterUserLogin
	case "channel.subscription.gift":
		if ev.IsAnonymous {
			return fmt.Sprintf("an anonymous viewer gifted %d subscriptions", ev.Total), "anonymous_gifter", ev.BroadcasterUserLogin
		}
		return fmt.Sprintf("%s gifted %d subscriptions", ev.UserLogin, ev.Total), "event_tts", ev.BroadcasterUserLogin
	case "channel.cheer":
		if ev.IsAnonymous {
			return fmt.Sprintf("an anonymous cheerer sent %d bits", ev.Bits), "anonymous_cheerer", ev.BroadcasterUserLogin
		}
		return fmt.Sprintf("%s cheered %d bits", ev.UserLogin, ev.Bits), "event_tts", ev.BroadcasterUserLogin
	case "channel.raid":
		return fmt.Sprintf("%s is raiding with %d viewers", ev.FromBroadcasterUserLogin, ev.Viewers), "event_tts", ev.ToBroadcasterUserLogin
	case "channel.follow":
		return fmt.Sprintf("%s just followed", ev.UserLogin), "event_tts", ev.BroadcasterUserLogin
	default:
		return "", "", ""
	}
}

func (h *Webhook) dispatchNarratedEvent(ctx context.Context, subType string, raw json.RawMessage) error {
	var ev narratedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	text, speaker, channelLogin := narrate(subType, ev)
	if text == "" {
		return nil
	}

	cfg, ok, err := h.channels.GetChannelConfig(ctx, channelLogin)
	if err != nil {
		return err
	}
	if !ok || !cfg.EngineEnabled || !cfg.EventSpeech {
		return nil
	}

	item := types.WorkItem{
		Text:       text,
		Speaker:    speaker,
		Type:       types.WorkEvent,
		Voice:      cfg.Defaults,
		EnqueuedAt: time.Now(),
	}
	return h.publisher.Publish(ctx, types.BusEnvelope{
		Channel:        channelLogin,
		Item:           item,
		SourceRevision: h.replicaTag,
		TimestampMs:    time.Now().UnixMilli(),
	})
}

type redemptionEvent struct {
	ID                   string `json:"id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	UserLogin            string `json:"user_login"`
	UserInput            string `json:"user_input"`
	Status               string `json:"status"`
	Reward               struct {
		ID string `json:"id"`
	} `json:"reward"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

func (h *Webhook) dispatchRedemption(ctx context.Context, raw json.RawMessage, handle func(context.Context, redemption.Notification, *types.ChannelConfig) error) error {
	var ev redemptionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}

	cfg, ok, err := h.channels.GetChannelConfig(ctx, ev.BroadcasterUserLogin)
	if err != nil {
		return err
	}
	if !ok || !cfg.Reward.Enabled || cfg.Reward.RewardID != ev.Reward.ID {
		return nil
	}

	n := redemption.Notification{
		ID: ev.ID, Channel: ev.BroadcasterUserLogin, RewardID: ev.Reward.ID,
		Username: ev.UserLogin, UserInput: ev.UserInput,
		Status: redemption.Status(strings.ToLower(ev.Status)), CreatedAt: ev.RedeemedAt,
	}
	return handle(ctx, n, cfg)
}

type sharedChatEvent struct {
	SessionID    string `json:"session_id"`
	Participants []struct {
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
	} `json:"participants"`
}

func (h *Webhook) dispatchSharedChatUpdate(ctx context.Context, raw json.RawMessage) error {
	if h.sessions == nil {
		slog.Debug("webhook: shared-chat update with no session registry wired, dropping")
		return nil
	}
	var ev sharedChatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	channels := make([]string, 0, len(ev.Participants))
	for _, p := range ev.Participants {
		channels = append(channels, p.BroadcasterUserLogin)
	}
	return h.sessions.Update(ctx, ev.SessionID, channels)
}

func (h *Webhook) dispatchSharedChatEnd(ctx context.Context, raw json.RawMessage) error {
	if h.sessions == nil {
		return nil
	}
	var ev sharedChatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	return h.sessions.End(ctx, ev.SessionID)
}

// fallbackDedup is an in-process, size-bounded stand-in for the Redis
// processed-message window, used when Redis is briefly unavailable (§1.2).
type fallbackDedup struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]time.Time
	order    []string
}

func newFallbackDedup(capacity int) *fallbackDedup {
	return &fallbackDedup{capacity: capacity, seen: make(map[string]time.Time, capacity)}
}

func (f *fallbackDedup) seenOnce(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[id]; ok {
		return true
	}
	if len(f.order) >= f.capacity {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.seen, oldest)
	}
	f.seen[id] = time.Now()
	f.order = append(f.order, id)
	return false
}
