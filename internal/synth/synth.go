// Package synth implements the engine's [engine.Synthesizer] dependency: an
// HTTP client for the external TTS provider (§6), wrapped in a circuit
// breaker so a failing provider degrades quickly rather than piling up
// timed-out requests across every channel worker.
package synth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/internal/resilience"
	"github.com/ttsrelay/core/pkg/types"
)

const requestTimeout = 60 * time.Second

const outputFormat = "mp3"

// Client calls the external TTS provider's synthesis endpoint.
type Client struct {
	http    *resty.Client
	breaker *resilience.CircuitBreaker
}

// New builds a [Client] pointed at the provider's base URL, authenticating
// every request with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout).
			SetHeader("Authorization", "Bearer "+apiKey),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "tts-synthesizer",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		}),
	}
}

type synthesizeRequest struct {
	Text                 string  `json:"text"`
	VoiceID              string  `json:"voice_id"`
	Speed                float64 `json:"speed"`
	Volume               float64 `json:"volume"`
	Pitch                int     `json:"pitch"`
	Emotion              string  `json:"emotion"`
	LanguageBoost        string  `json:"language_boost"`
	EnglishNormalization bool    `json:"english_normalization"`
	SampleRate           int     `json:"sample_rate"`
	Bitrate              int     `json:"bitrate"`
	Channel              string  `json:"channel"`
	Format               string  `json:"format"`
	EnableSyncMode       bool    `json:"enable_sync_mode"`
}

type synthesizeResponse struct {
	Data struct {
		Status  string   `json:"status"`
		Outputs []string `json:"outputs"`
		ID      string   `json:"id"`
	} `json:"data"`
	Error string `json:"error"`
}

// Synthesize implements [engine.Synthesizer] (§6 TTS synthesizer).
func (c *Client) Synthesize(ctx context.Context, text string, voice types.VoiceParams) (string, error) {
	req := synthesizeRequest{
		Text: text, VoiceID: voice.VoiceID, Speed: voice.Speed, Volume: voice.Volume,
		Pitch: voice.Pitch, Emotion: voice.Emotion, LanguageBoost: voice.LanguageBoost,
		EnglishNormalization: voice.Normalization, SampleRate: voice.SampleRate,
		Bitrate: voice.Bitrate, Channel: voice.Channel, Format: outputFormat, EnableSyncMode: true,
	}

	var out synthesizeResponse
	breakerErr := c.breaker.Execute(func() error {
		resp, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&out).SetError(&out).Post("/v1/synthesize")
		if err != nil {
			return err
		}
		if resp.IsError() {
			if strings.Contains(strings.ToLower(out.Error), "voice_id") {
				return relayerr.Newf(relayerr.InvalidVoice, "synth.Synthesize", "provider rejected voice_id: %s", out.Error)
			}
			return relayerr.Newf(relayerr.UpstreamFailure, "synth.Synthesize", "provider returned %s", resp.Status())
		}
		return nil
	})

	if breakerErr != nil {
		return "", classifyFailure(ctx, breakerErr, out.Error)
	}
	if out.Data.Status != "completed" || len(out.Data.Outputs) == 0 {
		return "", classifyFailure(ctx, nil, out.Error)
	}
	return out.Data.Outputs[0], nil
}

// classifyFailure maps a synthesis failure to AbortedByCaller when ctx was
// canceled (a StopCurrent mid-synthesis, §5), InvalidVoice when the
// provider's error message names a voice parameter, else UpstreamFailure
// (§6, §7). A cause that is already a [relayerr.Error] is passed through
// unchanged, including one surfaced through the circuit breaker.
func classifyFailure(ctx context.Context, cause error, providerError string) error {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return relayerr.New(relayerr.AbortedByCaller, "synth.Synthesize", ctx.Err())
	}
	if relayerr.KindOf(cause) != "" {
		return cause
	}
	if strings.Contains(strings.ToLower(providerError), "voice_id") {
		return relayerr.Newf(relayerr.InvalidVoice, "synth.Synthesize", "provider rejected voice_id: %s", providerError)
	}
	if cause != nil {
		return relayerr.New(relayerr.UpstreamFailure, "synth.Synthesize", cause)
	}
	return relayerr.Newf(relayerr.UpstreamFailure, "synth.Synthesize", "provider returned incomplete response")
}
