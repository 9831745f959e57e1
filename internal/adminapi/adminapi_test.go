package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ttsrelay/core/internal/voice"
	"github.com/ttsrelay/core/pkg/types"
)

type fakeStore struct {
	configs map[string]types.ChannelConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{configs: make(map[string]types.ChannelConfig)}
}

func (f *fakeStore) GetChannelConfig(ctx context.Context, login string) (*types.ChannelConfig, bool, error) {
	cfg, ok := f.configs[login]
	if !ok {
		return nil, false, nil
	}
	return &cfg, true, nil
}

func (f *fakeStore) PutChannelConfig(ctx context.Context, cfg types.ChannelConfig) error {
	f.configs[cfg.Login] = cfg
	return nil
}

func testRanges() voice.Ranges {
	return voice.Ranges{PitchMin: -12, PitchMax: 12, SpeedMin: 0.5, SpeedMax: 2.0}
}

const testSigningKey = "test-signing-key"

func signToken(t *testing.T, login, issuer, audience string) string {
	t.Helper()
	claims := userLoginClaims{
		UserLogin: login,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func newTestServer(store *fakeStore) *Server {
	return New(store, testRanges(), testSigningKey, "ttsrelay", "dashboard", "https://dashboard.example")
}

func baseVoiceParams() types.VoiceParams {
	return types.VoiceParams{
		VoiceID: "voice1", Pitch: 0, Speed: 1.0, Emotion: "neutral", LanguageBoost: "auto",
		Volume: 1.0, SampleRate: 24000, Bitrate: 128000, Channel: "1",
	}
}

func TestVoicesRequiresAuth(t *testing.T) {
	s := newTestServer(newFakeStore())
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/voices", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestVoicesReturnsCatalogWithValidToken(t *testing.T) {
	s := newTestServer(newFakeStore())
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/voices", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "anyone", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var voices []voiceCatalogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &voices); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(voices) == 0 {
		t.Fatal("expected a non-empty voice catalog")
	}
}

func TestGetSettingsRejectsMismatchedLogin(t *testing.T) {
	store := newFakeStore()
	store.configs["xqcow"] = types.ChannelConfig{Login: "xqcow", Defaults: baseVoiceParams()}
	s := newTestServer(store)
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/channel/xqcow/tts/settings", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "someoneelse", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetSettingsReturns404ForUnknownChannel(t *testing.T) {
	s := newTestServer(newFakeStore())
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/channel/xqcow/tts/settings", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "xqcow", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPutSettingsUpdatesChannelConfig(t *testing.T) {
	store := newFakeStore()
	store.configs["xqcow"] = types.ChannelConfig{Login: "xqcow", Defaults: baseVoiceParams(), IgnoredUsers: map[string]struct{}{}}
	s := newTestServer(store)
	mux := http.NewServeMux()
	s.Register(mux)

	body := updateSettingsRequest{
		EngineEnabled: true, ReadMode: "all", Gate: "everyone",
		EventSpeech: true, BitsEnabled: true, BitsMinimum: 100,
		HonorViewerPrefs: true, Voice: baseVoiceParams(),
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPut, "/api/channel/xqcow/tts/settings", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "xqcow", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if store.configs["xqcow"].Bits.Minimum != 100 {
		t.Fatalf("Bits.Minimum = %d, want 100", store.configs["xqcow"].Bits.Minimum)
	}
}

func TestPutSettingsRejectsInvalidVoiceRange(t *testing.T) {
	store := newFakeStore()
	store.configs["xqcow"] = types.ChannelConfig{Login: "xqcow", Defaults: baseVoiceParams(), IgnoredUsers: map[string]struct{}{}}
	s := newTestServer(store)
	mux := http.NewServeMux()
	s.Register(mux)

	invalidVoice := baseVoiceParams()
	invalidVoice.Pitch = 999
	body := updateSettingsRequest{ReadMode: "all", Gate: "everyone", Voice: invalidVoice}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPut, "/api/channel/xqcow/tts/settings", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "xqcow", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPutSettingsRejectsInvalidReadMode(t *testing.T) {
	store := newFakeStore()
	store.configs["xqcow"] = types.ChannelConfig{Login: "xqcow"}
	s := newTestServer(store)
	mux := http.NewServeMux()
	s.Register(mux)

	body := updateSettingsRequest{ReadMode: "bogus", Gate: "everyone", Voice: baseVoiceParams()}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPut, "/api/channel/xqcow/tts/settings", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "xqcow", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPostIgnoreAddsUsername(t *testing.T) {
	store := newFakeStore()
	store.configs["xqcow"] = types.ChannelConfig{Login: "xqcow", IgnoredUsers: map[string]struct{}{}}
	s := newTestServer(store)
	mux := http.NewServeMux()
	s.Register(mux)

	raw, _ := json.Marshal(ignoreRequest{Username: "Spammer"})
	req := httptest.NewRequest(http.MethodPost, "/api/channel/xqcow/tts/ignore", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "xqcow", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if !store.configs["xqcow"].IsIgnored("spammer") {
		t.Fatal("expected spammer to be ignored")
	}
}

func TestDeleteIgnoreRemovesUsername(t *testing.T) {
	store := newFakeStore()
	store.configs["xqcow"] = types.ChannelConfig{
		Login:        "xqcow",
		IgnoredUsers: map[string]struct{}{"spammer": {}},
	}
	s := newTestServer(store)
	mux := http.NewServeMux()
	s.Register(mux)

	raw, _ := json.Marshal(ignoreRequest{Username: "spammer"})
	req := httptest.NewRequest(http.MethodDelete, "/api/channel/xqcow/tts/ignore", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "xqcow", "ttsrelay", "dashboard"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if store.configs["xqcow"].IsIgnored("spammer") {
		t.Fatal("expected spammer to no longer be ignored")
	}
}

func TestPreflightSetsCORSHeaders(t *testing.T) {
	s := newTestServer(newFakeStore())
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodOptions, "/api/voices", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://dashboard.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.RemoteAddr = "10.0.0.1:5555"

	if got := clientIP(req); got != "203.0.113.5" {
		t.Fatalf("clientIP() = %q, want 203.0.113.5", got)
	}
}
