// Package voice resolves and validates the TTS voice-parameter records used
// throughout the relay: the per-call/viewer/channel/system precedence chain
// of §4.1, and the parameter-range checks of §6.
package voice

import (
	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/pkg/types"
)

// Ranges bounds the admissible pitch/speed values, sourced from
// [config.VoiceDefaults] at startup.
type Ranges struct {
	PitchMin, PitchMax int
	SpeedMin, SpeedMax float64
}

// emotions is the closed set of emotion tags accepted by the synthesizer.
var emotions = map[string]struct{}{
	"neutral": {}, "happy": {}, "sad": {}, "angry": {}, "fearful": {}, "disgusted": {}, "surprised": {},
}

// languageBoosts is the closed set of language-boost tags, after legacy
// aliasing.
var languageBoosts = map[string]struct{}{
	"auto": {}, "neutral": {}, "en": {}, "es": {}, "fr": {}, "de": {}, "ja": {}, "ko": {}, "zh": {},
}

// NormalizeEmotion maps legacy aliases onto the closed emotion set.
// "auto" maps to "neutral" for emotion specifically (§6).
func NormalizeEmotion(tag string) string {
	if tag == "auto" || tag == "" {
		return "neutral"
	}
	return tag
}

// NormalizeLanguageBoost maps legacy aliases ("None", "Automatic") onto "auto".
func NormalizeLanguageBoost(tag string) string {
	switch tag {
	case "None", "Automatic", "":
		return "auto"
	default:
		return tag
	}
}

// Validate checks that p falls within r's ranges and uses only closed-set
// emotion/language-boost values. It never clamps — per §8, out-of-range
// values are a caller error, never silently coerced at enqueue time.
func Validate(p types.VoiceParams, r Ranges) error {
	if p.Pitch < r.PitchMin || p.Pitch > r.PitchMax {
		return relayerr.Newf(relayerr.InvalidVoice, "voice.Validate", "pitch %d outside [%d, %d]", p.Pitch, r.PitchMin, r.PitchMax)
	}
	if p.Speed < r.SpeedMin || p.Speed > r.SpeedMax {
		return relayerr.Newf(relayerr.InvalidVoice, "voice.Validate", "speed %.2f outside [%.2f, %.2f]", p.Speed, r.SpeedMin, r.SpeedMax)
	}
	if _, ok := emotions[p.Emotion]; !ok {
		return relayerr.Newf(relayerr.InvalidVoice, "voice.Validate", "emotion %q not in closed set", p.Emotion)
	}
	if _, ok := languageBoosts[p.LanguageBoost]; !ok {
		return relayerr.Newf(relayerr.InvalidVoice, "voice.Validate", "language_boost %q not in closed set", p.LanguageBoost)
	}
	if p.Channel != "1" && p.Channel != "2" {
		return relayerr.Newf(relayerr.InvalidVoice, "voice.Validate", "channel %q must be \"1\" or \"2\"", p.Channel)
	}
	return nil
}

// Resolution carries the inputs to [Resolve], one per precedence level of
// §4.1, highest precedence first.
type Resolution struct {
	PerCall        types.VoiceOverrides
	GlobalPref     *types.VoiceOverrides // nil if the channel does not honor viewer prefs, or the viewer has none
	LegacyOverride *types.VoiceOverrides // nil if none, or viewer prefs are not honored
	ChannelDefault types.VoiceParams
	SystemDefault  types.VoiceParams
}

// Resolve computes the fully-resolved [types.VoiceParams] for one work item,
// applying the five-level precedence chain field by field: a missing field
// at a higher level falls through to the next.
func Resolve(in Resolution) types.VoiceParams {
	out := in.SystemDefault
	channelDefault := asOverridesOf(in.ChannelDefault)
	applyLevel(&out, &channelDefault)
	if in.LegacyOverride != nil {
		applyLevel(&out, in.LegacyOverride)
	}
	if in.GlobalPref != nil {
		applyLevel(&out, in.GlobalPref)
	}
	applyLevel(&out, &in.PerCall)
	return out
}

// asOverridesOf converts a fully-populated [types.VoiceParams] into an
// all-fields-set [types.VoiceOverrides], so it can be folded through
// [applyLevel] like any other precedence level.
func asOverridesOf(p types.VoiceParams) types.VoiceOverrides {
	return types.VoiceOverrides{
		VoiceID: &p.VoiceID, Pitch: &p.Pitch, Speed: &p.Speed, Emotion: &p.Emotion,
		LanguageBoost: &p.LanguageBoost, Normalization: &p.Normalization, Volume: &p.Volume,
		SampleRate: &p.SampleRate, Bitrate: &p.Bitrate, Channel: &p.Channel,
	}
}

func applyLevel(out *types.VoiceParams, o *types.VoiceOverrides) {
	if o == nil {
		return
	}
	if o.VoiceID != nil {
		out.VoiceID = *o.VoiceID
	}
	if o.Pitch != nil {
		out.Pitch = *o.Pitch
	}
	if o.Speed != nil {
		out.Speed = *o.Speed
	}
	if o.Emotion != nil {
		out.Emotion = *o.Emotion
	}
	if o.LanguageBoost != nil {
		out.LanguageBoost = *o.LanguageBoost
	}
	if o.Normalization != nil {
		out.Normalization = *o.Normalization
	}
	if o.Volume != nil {
		out.Volume = *o.Volume
	}
	if o.SampleRate != nil {
		out.SampleRate = *o.SampleRate
	}
	if o.Bitrate != nil {
		out.Bitrate = *o.Bitrate
	}
	if o.Channel != nil {
		out.Channel = *o.Channel
	}
}
