package pipeline

import (
	"context"
	"testing"

	"github.com/ttsrelay/core/internal/commandrouter"
	"github.com/ttsrelay/core/internal/voice"
	"github.com/ttsrelay/core/pkg/types"
)

type fakeChannels struct {
	cfg *types.ChannelConfig
	ok  bool
}

func (f *fakeChannels) GetChannelConfig(ctx context.Context, login string) (*types.ChannelConfig, bool, error) {
	return f.cfg, f.ok, nil
}

type fakePrefs struct {
	pref *types.ViewerPreference
	ok   bool
}

func (f *fakePrefs) GetViewerPreference(ctx context.Context, login string) (*types.ViewerPreference, bool, error) {
	if !f.ok {
		return nil, false, nil
	}
	return f.pref, true, nil
}

type fakeEngine struct {
	items []types.WorkItem
}

func (e *fakeEngine) Enqueue(ctx context.Context, cfg *types.ChannelConfig, item types.WorkItem) error {
	e.items = append(e.items, item)
	return nil
}

func baseConfig() *types.ChannelConfig {
	return &types.ChannelConfig{
		Login:         "xqcow",
		EngineEnabled: true,
		ReadMode:      types.ReadModeAll,
		Gate:          types.GateEveryone,
		Defaults: types.VoiceParams{
			VoiceID: "default", Pitch: 0, Speed: 1.0, Emotion: "neutral", LanguageBoost: "auto", Channel: "1",
		},
	}
}

func testDefaults() SystemDefaults {
	return SystemDefaults{
		Params: types.VoiceParams{VoiceID: "system", Speed: 1.0, Emotion: "neutral", LanguageBoost: "auto", Channel: "1"},
		Ranges: voice.Ranges{PitchMin: -20, PitchMax: 20, SpeedMin: 0.5, SpeedMax: 2.0},
	}
}

func TestHandleChatMessageDropsSelfMessages(t *testing.T) {
	engine := &fakeEngine{}
	p := New(&fakeChannels{cfg: baseConfig(), ok: true}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "RelayBot", Text: "hello"})
	if err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 0 {
		t.Fatal("self message should not be enqueued")
	}
}

func TestHandleChatMessagePlainChatAllMode(t *testing.T) {
	engine := &fakeEngine{}
	p := New(&fakeChannels{cfg: baseConfig(), ok: true}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "viewer1", Text: "hello there"})
	if err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 1 || engine.items[0].Type != types.WorkChat {
		t.Fatalf("items = %+v, want one chat item", engine.items)
	}
}

func TestHandleChatMessageRespectsModsOnlyGate(t *testing.T) {
	engine := &fakeEngine{}
	cfg := baseConfig()
	cfg.Gate = types.GateMods
	p := New(&fakeChannels{cfg: cfg, ok: true}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "viewer1", Text: "hello"})
	if err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 0 {
		t.Fatal("plain viewer chat should be gated out under mods-only")
	}

	err = p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "amod", Text: "hello", IsModerator: true})
	if err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 1 {
		t.Fatal("moderator chat should pass the mods-only gate")
	}
}

func TestHandleChatMessageBitsModeRequiresMinimum(t *testing.T) {
	engine := &fakeEngine{}
	cfg := baseConfig()
	cfg.Bits = types.BitsGate{Enabled: true, Minimum: 100}
	p := New(&fakeChannels{cfg: cfg, ok: true}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	if err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "viewer1", Text: "hi", Bits: 50}); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 0 {
		t.Fatal("below-minimum bits should not enqueue")
	}

	if err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "viewer1", Text: "Cheer100 woo", Bits: 100}); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 1 || engine.items[0].Type != types.WorkCheerTTS || engine.items[0].Text != "woo" {
		t.Fatalf("items = %+v, want one cheer_tts item with cheermote token stripped", engine.items)
	}
}

func TestHandleChatMessageCommandRoutesWhenAllMode(t *testing.T) {
	engine := &fakeEngine{}
	router := commandrouter.New("voice")
	p := New(&fakeChannels{cfg: baseConfig(), ok: true}, &fakePrefs{}, router, engine, testDefaults(), "relaybot")

	if err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "viewer1", Text: "!voice Wise_Woman"}); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 1 || engine.items[0].Type != types.WorkCommand {
		t.Fatalf("items = %+v, want one command item", engine.items)
	}
}

// TestHandleChatMessageStopCommandIsNotSpokenAsCommand: "!stop" is the
// TTS-self command, so it is never enqueued as a command item; it falls
// through to the regular chat path like any other line.
func TestHandleChatMessageStopCommandIsNotSpokenAsCommand(t *testing.T) {
	engine := &fakeEngine{}
	p := New(&fakeChannels{cfg: baseConfig(), ok: true}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	if err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "amod", Text: "!stop", IsModerator: true}); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 1 || engine.items[0].Type != types.WorkChat {
		t.Fatalf("items = %+v, want one chat item: !stop should never itself be enqueued as a spoken command", engine.items)
	}
}

func TestHandleChatMessageIgnoredSpeakerDropped(t *testing.T) {
	engine := &fakeEngine{}
	cfg := baseConfig()
	cfg.IgnoredUsers = map[string]struct{}{"troll": {}}
	p := New(&fakeChannels{cfg: cfg, ok: true}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	if err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "troll", Text: "hello"}); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 0 {
		t.Fatal("ignored speaker should not be enqueued")
	}
}

func TestHandleChatMessageUnknownChannelIsNoop(t *testing.T) {
	engine := &fakeEngine{}
	p := New(&fakeChannels{ok: false}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	if err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "unknown", SenderLogin: "viewer1", Text: "hi"}); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 0 {
		t.Fatal("unmanaged channel should not enqueue")
	}
}

func TestTransformContentReplacesURLsUnlessOptedOut(t *testing.T) {
	cfg := baseConfig()
	got := transformContent("check http://example.com/x out", cfg)
	if got != "check link out" {
		t.Fatalf("transformContent() = %q, want URL replaced", got)
	}

	cfg.ReadFullURLs = true
	got = transformContent("check http://example.com/x out", cfg)
	if got != "check http://example.com/x out" {
		t.Fatalf("transformContent() = %q, want unchanged when readFullURLs is set", got)
	}
}

func TestHandleChatMessageHonorsViewerPrefOverChannelDefault(t *testing.T) {
	engine := &fakeEngine{}
	cfg := baseConfig()
	cfg.HonorViewerPrefs = true
	voiceID := "viewer-preferred"
	prefs := &fakePrefs{ok: true, pref: &types.ViewerPreference{Login: "viewer1", Override: types.VoiceOverrides{VoiceID: &voiceID}}}
	p := New(&fakeChannels{cfg: cfg, ok: true}, prefs, commandrouter.New(), engine, testDefaults(), "relaybot")

	if err := p.HandleChatMessage(context.Background(), ChatMessage{Channel: "xqcow", SenderLogin: "viewer1", Text: "hi"}); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if len(engine.items) != 1 || engine.items[0].Voice.VoiceID != "viewer-preferred" {
		t.Fatalf("items = %+v, want viewer preference to win over channel default", engine.items)
	}
}

func TestSetDefaultsReplacesCurrentDefaults(t *testing.T) {
	engine := &fakeEngine{}
	p := New(&fakeChannels{cfg: baseConfig(), ok: true}, &fakePrefs{}, commandrouter.New(), engine, testDefaults(), "relaybot")

	reloaded := SystemDefaults{
		Params: types.VoiceParams{VoiceID: "reloaded", Speed: 1.0, Emotion: "neutral", LanguageBoost: "auto", Channel: "1"},
		Ranges: voice.Ranges{PitchMin: -1, PitchMax: 1, SpeedMin: 0.9, SpeedMax: 1.1},
	}
	p.SetDefaults(reloaded)

	got := p.currentDefaults()
	if got.Params.VoiceID != "reloaded" || got.Ranges.PitchMax != 1 {
		t.Fatalf("currentDefaults() = %+v, want reloaded values", got)
	}
}
