// Package types defines the shared domain types used across the relay's
// packages: engine, pipeline, fan-out, state store, and the admin API.
//
// These types form the lingua franca between components. They are
// intentionally minimal — each package defines its own internal types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// WorkItemType classifies a [WorkItem] by the path that produced it.
type WorkItemType string

const (
	WorkChat     WorkItemType = "chat"
	WorkCommand  WorkItemType = "command"
	WorkCheerTTS WorkItemType = "cheer_tts"
	WorkEvent    WorkItemType = "event"
	WorkReward   WorkItemType = "reward"
)

// VoiceParams is the fully-resolved set of synthesis parameters for one
// work item, after the precedence resolution described in §4.1.
type VoiceParams struct {
	VoiceID       string
	Pitch         int
	Speed         float64
	Emotion       string
	LanguageBoost string
	Normalization bool
	Volume        float64
	SampleRate    int
	Bitrate       int
	Channel       string
}

// VoiceOverrides is a partial [VoiceParams]: every field is a pointer so that
// "absent" (nil) can be distinguished from "explicitly zero" during
// precedence resolution. Used for per-call overrides, viewer preferences, and
// legacy per-channel viewer overrides, each of which may leave any subset of
// fields unset.
type VoiceOverrides struct {
	VoiceID       *string
	Pitch         *int
	Speed         *float64
	Emotion       *string
	LanguageBoost *string
	Normalization *bool
	Volume        *float64
	SampleRate    *int
	Bitrate       *int
	Channel       *string
}

// SharedSession describes a shared-chat collaboration session: a set of
// channels whose chat streams (and therefore TTS output) are fanned out
// together.
type SharedSession struct {
	ID       string
	Channels []string
}

// WorkItem is a single unit of speech admitted to a channel's queue.
type WorkItem struct {
	Text       string
	Speaker    string
	Type       WorkItemType
	Voice      VoiceParams
	EnqueuedAt time.Time
	Session    *SharedSession
}

// BitsGate configures the bits-gated TTS mode for a channel.
type BitsGate struct {
	Enabled bool
	Minimum int
}

// ContentPolicy configures the redemption content filter for a channel (§4.4).
type ContentPolicy struct {
	BannedWords []string
	BlockLinks  bool
}

// RewardBinding ties a channel's TTS to a specific Channel-Points reward.
type RewardBinding struct {
	RewardID string
	Enabled  bool
	Policy   ContentPolicy
}

// ReadMode is the channel-level chat listening mode.
type ReadMode string

const (
	ReadModeAll     ReadMode = "all"
	ReadModeCommand ReadMode = "command"
)

// PermissionGate restricts who may trigger plain chat TTS.
type PermissionGate string

const (
	GateEveryone PermissionGate = "everyone"
	GateMods     PermissionGate = "mods"
)

// ChannelConfig is the per-broadcaster record described in §3.
type ChannelConfig struct {
	Login            string
	EngineEnabled    bool
	ReadMode         ReadMode
	Gate             PermissionGate
	EventSpeech      bool
	Bits             BitsGate
	Defaults         VoiceParams
	IgnoredUsers     map[string]struct{}
	Reward           RewardBinding
	HonorViewerPrefs bool
	ReadFullURLs     bool

	// LegacyOverrides holds the pre-global-preferences per-channel viewer
	// override table, keyed by lowercase username. Kept for backward
	// compatibility (§3): it outranks channel defaults but not a global
	// [ViewerPreference].
	LegacyOverrides map[string]VoiceOverrides
}

// IsIgnored reports whether login is on the channel's ignored-users set.
func (c *ChannelConfig) IsIgnored(login string) bool {
	if c == nil || c.IgnoredUsers == nil {
		return false
	}
	_, ok := c.IgnoredUsers[login]
	return ok
}

// ViewerPreference is the global, per-viewer voice override record (§3).
type ViewerPreference struct {
	Login    string
	Override VoiceOverrides
}

// ManagedChannel is the `managedChannels/{login}` collection record (§6).
type ManagedChannel struct {
	Login    string
	IsActive bool
}

// RedemptionRecord is a pending Channel-Points redemption (§3, §4.4).
type RedemptionRecord struct {
	ID        string
	UserInput string
	Username  string
	Channel   string
	RewardID  string
	CreatedAt time.Time
}

// QueueSnapshot is the persisted pending-queue record written on shutdown
// and consumed on startup (§3, §4.1 Persistence).
type QueueSnapshot struct {
	Channel string
	Items   []WorkItem
	Paused  bool
}

// BusEnvelope is the message published on the cross-instance bus (§4.2, §6).
type BusEnvelope struct {
	Channel        string
	Item           WorkItem
	Session        *SharedSession
	SourceRevision string
	TimestampMs    int64
}
