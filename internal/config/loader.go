package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued knobs with the documented defaults so
// that Validate sees a fully-resolved config.
func applyDefaults(cfg *Config) {
	if cfg.Server.ReplicaID == "" {
		var b [8]byte
		if _, err := rand.Read(b[:]); err == nil {
			cfg.Server.ReplicaID = hex.EncodeToString(b[:])
		}
	}
	if cfg.Cache.ChannelConfigTTL == 0 {
		cfg.Cache.ChannelConfigTTL = 5 * time.Minute
	}
	if cfg.Cache.SecretTTL == 0 {
		cfg.Cache.SecretTTL = 5 * time.Minute
	}
	if cfg.Synth.MaxConcurrency <= 0 {
		cfg.Synth.MaxConcurrency = 8
	}
	if cfg.Defaults.PitchMin == 0 && cfg.Defaults.PitchMax == 0 {
		cfg.Defaults.PitchMin = -12
		cfg.Defaults.PitchMax = 12
	}
	if cfg.Defaults.SpeedMin == 0 && cfg.Defaults.SpeedMax == 0 {
		cfg.Defaults.SpeedMin = 0.5
		cfg.Defaults.SpeedMax = 2.0
	}
	if cfg.Defaults.SampleRate == 0 {
		cfg.Defaults.SampleRate = 32000
	}
	if cfg.Defaults.Bitrate == 0 {
		cfg.Defaults.Bitrate = 128000
	}
	if cfg.Defaults.Channel == "" {
		cfg.Defaults.Channel = "1"
	}
	if cfg.Defaults.Speed == 0 {
		cfg.Defaults.Speed = 1.0
	}
	if cfg.Defaults.Volume == 0 {
		cfg.Defaults.Volume = 1.0
	}
	if cfg.Defaults.LanguageBoost == "" {
		cfg.Defaults.LanguageBoost = "neutral"
	}
	if cfg.Defaults.Emotion == "" {
		cfg.Defaults.Emotion = "neutral"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if cfg.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required"))
	}
	if cfg.Twitch.ClientID == "" {
		errs = append(errs, errors.New("twitch.client_id is required"))
	}
	if cfg.Twitch.WebhookSecret == "" {
		errs = append(errs, errors.New("twitch.webhook_secret is required"))
	}
	if cfg.Synth.Endpoint == "" {
		errs = append(errs, errors.New("synth.endpoint is required"))
	}
	if cfg.Admin.SigningKey == "" {
		errs = append(errs, errors.New("admin.signing_key is required"))
	}

	if cfg.Defaults.PitchMin >= cfg.Defaults.PitchMax {
		errs = append(errs, fmt.Errorf("defaults.pitch_min (%d) must be less than pitch_max (%d)", cfg.Defaults.PitchMin, cfg.Defaults.PitchMax))
	}
	if cfg.Defaults.SpeedMin >= cfg.Defaults.SpeedMax {
		errs = append(errs, fmt.Errorf("defaults.speed_min (%.2f) must be less than speed_max (%.2f)", cfg.Defaults.SpeedMin, cfg.Defaults.SpeedMax))
	}
	if cfg.Synth.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("synth.max_concurrency must be positive"))
	}

	if len(errs) > 0 {
		slog.Warn("config validation failed", "errors", len(errs))
	}

	return errors.Join(errs...)
}
