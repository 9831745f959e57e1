// Package redemption implements the Channel-Points redemption state machine
// (§4.4): Pending/Approved/Canceled/AutoFulfilled transitions driven by
// EventSub add/update notifications, gated by a content policy.
package redemption

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/pkg/types"
)

// pendingTTL is the redemption-pending cache entry lifetime (§3).
const pendingTTL = 24 * time.Hour

var linkPattern = regexp.MustCompile(`https?://`)

// PendingCache stores redemptions awaiting their `update` notification,
// backed by the Redis cache (§3 Redemption-pending cache).
type PendingCache interface {
	Put(ctx context.Context, rec types.RedemptionRecord, ttl time.Duration) error
	GetAndDelete(ctx context.Context, id string) (*types.RedemptionRecord, bool, error)
}

// Refunder cancels a redemption upstream, refunding the points (§6 Platform
// API: PATCH .../redemptions with status CANCELED).
type Refunder interface {
	Cancel(ctx context.Context, channel, rewardID, redemptionID string) error
}

// Player is the downstream sink for an approved redemption: publish to the
// cross-instance bus for playback (§4.4, §4.2).
type Player interface {
	Play(ctx context.Context, channel string, item types.WorkItem) error
}

// VoiceResolver resolves the fully-resolved voice parameters for a redeemer
// against a channel's configuration (§4.1 precedence chain), so a reward
// work item carries a resolved voice record like every other item type (§3)
// instead of the zero value.
type VoiceResolver interface {
	ResolveVoice(ctx context.Context, cfg *types.ChannelConfig, login string) (types.VoiceParams, error)
}

// Machine drives the redemption state machine for one relay instance.
type Machine struct {
	cache    PendingCache
	refunder Refunder
	player   Player
	voices   VoiceResolver
}

// New builds a [Machine].
func New(cache PendingCache, refunder Refunder, player Player, voices VoiceResolver) *Machine {
	return &Machine{cache: cache, refunder: refunder, player: player, voices: voices}
}

// Status is the EventSub redemption status field.
type Status string

const (
	StatusUnfulfilled Status = "unfulfilled"
	StatusFulfilled   Status = "fulfilled"
	StatusCanceled    Status = "canceled"
)

// Notification is one `channel_points_custom_reward_redemption.add|update`
// event, reduced to the fields the state machine needs.
type Notification struct {
	ID        string
	Channel   string
	RewardID  string
	Username  string
	UserInput string
	Status    Status
	CreatedAt time.Time
}

// HandleAdd processes an `add` event (§4.4). cfg is the redemption's channel
// configuration, carrying both the reward binding (content policy) and the
// voice defaults/precedence inputs needed to resolve a reward item's voice.
func (m *Machine) HandleAdd(ctx context.Context, n Notification, cfg *types.ChannelConfig) error {
	switch n.Status {
	case StatusUnfulfilled:
		rec := types.RedemptionRecord{
			ID: n.ID, UserInput: n.UserInput, Username: n.Username,
			Channel: n.Channel, RewardID: n.RewardID, CreatedAt: n.CreatedAt,
		}
		return m.cache.Put(ctx, rec, pendingTTL)

	case StatusFulfilled:
		// AutoFulfilled: skip-queue path straight to playback.
		return m.approve(ctx, n.ID, n.Channel, n.Username, n.UserInput, cfg)

	default:
		return nil
	}
}

// HandleUpdate processes an `update` event (§4.4).
func (m *Machine) HandleUpdate(ctx context.Context, n Notification, cfg *types.ChannelConfig) error {
	switch n.Status {
	case StatusFulfilled:
		rec, hit, err := m.cache.GetAndDelete(ctx, n.ID)
		if err != nil {
			return err
		}
		if !hit {
			// Late notification of an already-played AutoFulfilled item.
			slog.Debug("redemption: update with no pending cache entry, ignoring", "id", n.ID)
			return nil
		}
		return m.approve(ctx, n.ID, n.Channel, rec.Username, rec.UserInput, cfg)

	case StatusCanceled:
		_, _, err := m.cache.GetAndDelete(ctx, n.ID)
		return err

	default:
		return nil
	}
}

// approve validates content policy and, on success, resolves the redeemer's
// voice parameters (§4.1) and hands the item to the player; on rejection, it
// attempts an upstream refund but never plays audio regardless of whether
// the refund succeeds (§4.4).
func (m *Machine) approve(ctx context.Context, redemptionID, channel, username, text string, cfg *types.ChannelConfig) error {
	binding := cfg.Reward
	if err := CheckPolicy(text, binding.Policy); err != nil {
		if cancelErr := m.refunder.Cancel(ctx, channel, binding.RewardID, redemptionID); cancelErr != nil {
			slog.Warn("redemption: refund attempt failed", "channel", channel, "error", cancelErr)
		}
		return err
	}

	params, err := m.voices.ResolveVoice(ctx, cfg, username)
	if err != nil {
		return err
	}

	item := types.WorkItem{
		Text:       text,
		Speaker:    username,
		Type:       types.WorkReward,
		Voice:      params,
		EnqueuedAt: time.Now(),
	}
	return m.player.Play(ctx, channel, item)
}

// CheckPolicy rejects empty text, bare URLs (if blocked), and banned-word
// substrings (case-insensitive) (§4.4 Content policy).
func CheckPolicy(text string, policy types.ContentPolicy) error {
	if strings.TrimSpace(text) == "" {
		return relayerr.Newf(relayerr.PolicyViolation, "redemption.CheckPolicy", "empty text")
	}
	if policy.BlockLinks && linkPattern.MatchString(text) {
		return relayerr.Newf(relayerr.PolicyViolation, "redemption.CheckPolicy", "text contains a link")
	}
	lower := strings.ToLower(text)
	for _, word := range policy.BannedWords {
		if word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(word)) {
			return relayerr.Newf(relayerr.PolicyViolation, "redemption.CheckPolicy", "text contains banned word %q", word)
		}
	}
	return nil
}
