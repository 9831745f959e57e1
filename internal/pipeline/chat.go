// Package pipeline implements the event pipeline (§4.2): the chat-message
// decision table, the webhook-ingress verification/replay/idempotency
// chain, and the fixed-narration subscription dispatch — everything that
// decides whether an inbound event becomes a [types.WorkItem] and hands it
// to the engine, locally or via the cross-instance bus.
package pipeline

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ttsrelay/core/internal/commandrouter"
	"github.com/ttsrelay/core/internal/voice"
	"github.com/ttsrelay/core/pkg/types"
)

// ChannelConfigs reads channel records, read-through cached (§4.6).
type ChannelConfigs interface {
	GetChannelConfig(ctx context.Context, login string) (*types.ChannelConfig, bool, error)
}

// ViewerPrefs reads global per-viewer preferences.
type ViewerPrefs interface {
	GetViewerPreference(ctx context.Context, login string) (*types.ViewerPreference, bool, error)
}

// Router recognizes chat commands (§9: the narrowed pipeline dependency).
type Router interface {
	Route(text string) (command string, ok bool)
}

// Enqueuer admits a work item to the local per-channel engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, cfg *types.ChannelConfig, item types.WorkItem) error
}

// SystemDefaults supplies the lowest-precedence voice parameters and the
// admissible ranges, sourced from config.
type SystemDefaults struct {
	Params types.VoiceParams
	Ranges voice.Ranges
}

// Pipeline wires the chat-message and webhook branches to the shared
// dependencies they need.
type Pipeline struct {
	channels ChannelConfigs
	prefs    ViewerPrefs
	router   Router
	engine   Enqueuer
	botLogin string

	mu       sync.RWMutex
	defaults SystemDefaults
}

// New builds a [Pipeline].
func New(channels ChannelConfigs, prefs ViewerPrefs, router Router, engine Enqueuer, defaults SystemDefaults, botLogin string) *Pipeline {
	return &Pipeline{channels: channels, prefs: prefs, router: router, engine: engine, defaults: defaults, botLogin: strings.ToLower(botLogin)}
}

// SetDefaults swaps the system-wide voice defaults and ranges in place, for
// the config watcher's live-reload path. Safe for concurrent use with the
// chat-message decision table.
func (p *Pipeline) SetDefaults(defaults SystemDefaults) {
	p.mu.Lock()
	p.defaults = defaults
	p.mu.Unlock()
}

func (p *Pipeline) currentDefaults() SystemDefaults {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaults
}

var (
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	cheermoteLeader = regexp.MustCompile(`(?i)^\S*cheer\d+$`)
)

// ChatMessage is an inbound chat line, reduced to the fields the decision
// table needs.
type ChatMessage struct {
	Channel       string
	SenderLogin   string
	Text          string
	Bits          int
	IsBroadcaster bool
	IsModerator   bool
}

// transformContent replaces bare URLs with the literal word "link" unless
// the channel opts out via readFullURLs (§9 open-question resolution).
func transformContent(text string, cfg *types.ChannelConfig) string {
	if cfg.ReadFullURLs {
		return text
	}
	return urlPattern.ReplaceAllString(text, "link")
}

// stripCheermoteToken removes a leading "CheerNNN"-style token when bits is
// non-zero (§4.2 step 2).
func stripCheermoteToken(text string, bits int) string {
	if bits <= 0 {
		return text
	}
	fields := strings.Fields(text)
	if len(fields) == 0 || !cheermoteLeader.MatchString(fields[0]) {
		return text
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// HandleChatMessage runs the full chat-message branch of §4.2: self-message
// drop, cheermote stripping, command routing, and the enqueue decision table.
func (p *Pipeline) HandleChatMessage(ctx context.Context, msg ChatMessage) error {
	if strings.ToLower(msg.SenderLogin) == p.botLogin {
		return nil
	}

	cleaned := stripCheermoteToken(msg.Text, msg.Bits)
	command, isCommand := p.router.Route(cleaned)

	cfg, ok, err := p.channels.GetChannelConfig(ctx, msg.Channel)
	if err != nil {
		return err
	}
	if !ok || !cfg.EngineEnabled || cfg.IsIgnored(msg.SenderLogin) {
		return nil
	}

	switch {
	case isCommand && command != commandrouter.StopCommand && cfg.ReadMode == types.ReadModeAll:
		return p.enqueueResolved(ctx, cfg, msg, msg.Text, types.WorkCommand)

	case cfg.Bits.Enabled && msg.Bits >= cfg.Bits.Minimum:
		text := transformContent(cleaned, cfg)
		return p.enqueueResolved(ctx, cfg, msg, text, types.WorkCheerTTS)

	case cfg.Bits.Enabled:
		// Bits mode is on but this message carries none: do nothing.
		return nil

	case !cfg.Bits.Enabled && cfg.ReadMode == types.ReadModeAll && p.gateSatisfied(cfg, msg):
		text := transformContent(cleaned, cfg)
		return p.enqueueResolved(ctx, cfg, msg, text, types.WorkChat)

	default:
		return nil
	}
}

func (p *Pipeline) gateSatisfied(cfg *types.ChannelConfig, msg ChatMessage) bool {
	if cfg.Gate == types.GateEveryone {
		return true
	}
	return msg.IsBroadcaster || msg.IsModerator
}

func (p *Pipeline) enqueueResolved(ctx context.Context, cfg *types.ChannelConfig, msg ChatMessage, text string, kind types.WorkItemType) error {
	params, err := p.resolveVoice(ctx, cfg, msg.SenderLogin, types.VoiceOverrides{})
	if err != nil {
		return err
	}
	item := types.WorkItem{
		Text:       text,
		Speaker:    msg.SenderLogin,
		Type:       kind,
		Voice:      params,
		EnqueuedAt: time.Now(),
	}
	return p.engine.Enqueue(ctx, cfg, item)
}

// ResolveVoice resolves login's fully-resolved voice parameters against cfg
// (§4.1 precedence chain), exported for collaborators outside the
// chat-message branch — the redemption state machine (§4.4) resolves a
// reward redeemer's voice the same way a chat message does.
func (p *Pipeline) ResolveVoice(ctx context.Context, cfg *types.ChannelConfig, login string) (types.VoiceParams, error) {
	return p.resolveVoice(ctx, cfg, login, types.VoiceOverrides{})
}

// resolveVoice implements the §4.1 precedence chain for a single viewer.
func (p *Pipeline) resolveVoice(ctx context.Context, cfg *types.ChannelConfig, login string, perCall types.VoiceOverrides) (types.VoiceParams, error) {
	defaults := p.currentDefaults()
	res := voice.Resolution{
		PerCall:        perCall,
		ChannelDefault: cfg.Defaults,
		SystemDefault:  defaults.Params,
	}

	if cfg.HonorViewerPrefs {
		if pref, ok, err := p.prefs.GetViewerPreference(ctx, login); err == nil && ok {
			res.GlobalPref = &pref.Override
		}
		if legacy, ok := cfg.LegacyOverrides[login]; ok {
			res.LegacyOverride = &legacy
		}
	}

	resolved := voice.Resolve(res)
	resolved.Emotion = voice.NormalizeEmotion(resolved.Emotion)
	resolved.LanguageBoost = voice.NormalizeLanguageBoost(resolved.LanguageBoost)
	return resolved, voice.Validate(resolved, defaults.Ranges)
}
