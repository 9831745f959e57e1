// Package adminapi implements the dashboard-facing administrative HTTP
// surface (§6 Administrative HTTP): voice catalog lookup, per-channel TTS
// settings, and the ignored-users list, guarded by bearer-token auth, a
// per-IP rate limit, and a fixed CORS origin.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ttsrelay/core/internal/voice"
	"github.com/ttsrelay/core/pkg/types"
)

const (
	rateLimitWindow = 15 * time.Minute
	rateLimitBurst  = 100
)

// ChannelConfigs is the subset of the state store the admin API reads and
// writes channel records through.
type ChannelConfigs interface {
	GetChannelConfig(ctx context.Context, login string) (*types.ChannelConfig, bool, error)
	PutChannelConfig(ctx context.Context, cfg types.ChannelConfig) error
}

// Server serves the admin HTTP surface.
type Server struct {
	store      ChannelConfigs
	ranges     voice.Ranges
	signingKey []byte
	issuer     string
	audience   string
	corsOrigin string
	validate   *validator.Validate

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a [Server]. signingKey verifies the HS256 bearer tokens issued
// by the dashboard; issuer/audience are the expected registered claims.
func New(store ChannelConfigs, ranges voice.Ranges, signingKey, issuer, audience, corsOrigin string) *Server {
	return &Server{
		store:      store,
		ranges:     ranges,
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		corsOrigin: corsOrigin,
		validate:   validator.New(),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Register adds the admin routes to mux, wrapped in CORS, rate-limit, and
// auth middleware (outermost to innermost).
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/voices", s.chain(s.handleVoices))
	mux.Handle("GET /api/channel/{login}/tts/settings", s.chain(s.handleGetSettings))
	mux.Handle("PUT /api/channel/{login}/tts/settings", s.chain(s.handlePutSettings))
	mux.Handle("POST /api/channel/{login}/tts/ignore", s.chain(s.handlePostIgnore))
	mux.Handle("DELETE /api/channel/{login}/tts/ignore", s.chain(s.handleDeleteIgnore))
	mux.HandleFunc("OPTIONS /", s.handlePreflight)
}

func (s *Server) chain(h http.HandlerFunc) http.Handler {
	return s.cors(s.rateLimit(s.authenticate(h)))
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// rateLimit enforces 100 requests per 15 minutes per source IP, keyed on the
// first entry of X-Forwarded-For when present (§6).
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientIP(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitBurst), rateLimitBurst)
		s.limiters[key] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type userLoginClaims struct {
	UserLogin string `json:"userLogin"`
	jwt.RegisteredClaims
}

// authenticate verifies the bearer token and requires its userLogin claim to
// equal the {login} path value (§6).
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		var claims userLoginClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if login := r.PathValue("login"); login != "" && !strings.EqualFold(claims.UserLogin, login) {
			writeError(w, http.StatusForbidden, "token does not authorize this channel")
			return
		}

		next(w, r)
	}
}

// voiceCatalogEntry is one selectable voice in the admin UI's picker.
type voiceCatalogEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LanguageTags string `json:"languageTags"`
}

// voiceCatalog is the set of voices the synthesizer currently supports. The
// upstream provider's full catalog is large; the relay only needs enough of
// it to populate the dashboard's picker, so it is kept as a short static
// table rather than fetched live.
var voiceCatalog = []voiceCatalogEntry{
	{ID: "en-US-standard", Name: "Standard (US English)", LanguageTags: "en"},
	{ID: "en-GB-standard", Name: "Standard (British English)", LanguageTags: "en"},
	{ID: "es-ES-standard", Name: "Standard (Spanish)", LanguageTags: "es"},
	{ID: "ja-JP-standard", Name: "Standard (Japanese)", LanguageTags: "ja"},
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, voiceCatalog)
}

// settingsResponse mirrors the subset of [types.ChannelConfig] the dashboard
// edits.
type settingsResponse struct {
	EngineEnabled    bool              `json:"engineEnabled"`
	ReadMode         string            `json:"readMode"`
	Gate             string            `json:"gate"`
	EventSpeech      bool              `json:"eventSpeech"`
	BitsEnabled      bool              `json:"bitsEnabled"`
	BitsMinimum      int               `json:"bitsMinimum"`
	HonorViewerPrefs bool              `json:"honorViewerPrefs"`
	ReadFullURLs     bool              `json:"readFullUrls"`
	IgnoredUsers     []string          `json:"ignoredUsers"`
	Voice            types.VoiceParams `json:"voice"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(r.PathValue("login"))
	cfg, ok, err := s.store.GetChannelConfig(r.Context(), login)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load channel config")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(cfg))
}

func toResponse(cfg *types.ChannelConfig) settingsResponse {
	ignored := make([]string, 0, len(cfg.IgnoredUsers))
	for u := range cfg.IgnoredUsers {
		ignored = append(ignored, u)
	}
	return settingsResponse{
		EngineEnabled:    cfg.EngineEnabled,
		ReadMode:         string(cfg.ReadMode),
		Gate:             string(cfg.Gate),
		EventSpeech:      cfg.EventSpeech,
		BitsEnabled:      cfg.Bits.Enabled,
		BitsMinimum:      cfg.Bits.Minimum,
		HonorViewerPrefs: cfg.HonorViewerPrefs,
		ReadFullURLs:     cfg.ReadFullURLs,
		IgnoredUsers:     ignored,
		Voice:            cfg.Defaults,
	}
}

// updateSettingsRequest is the PUT body for updating a channel's TTS
// settings. Validation tags enforce the non-empty/range requirements that
// feed [relayerr.ValidationError] (§7).
type updateSettingsRequest struct {
	EngineEnabled    bool              `json:"engineEnabled"`
	ReadMode         string            `json:"readMode" validate:"oneof=all command"`
	Gate             string            `json:"gate" validate:"oneof=everyone mods"`
	EventSpeech      bool              `json:"eventSpeech"`
	BitsEnabled      bool              `json:"bitsEnabled"`
	BitsMinimum      int               `json:"bitsMinimum" validate:"min=0"`
	HonorViewerPrefs bool              `json:"honorViewerPrefs"`
	ReadFullURLs     bool              `json:"readFullUrls"`
	Voice            types.VoiceParams `json:"voice"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(r.PathValue("login"))

	var req updateSettingsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := voice.Validate(req.Voice, s.ranges); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, ok, err := s.store.GetChannelConfig(r.Context(), login)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load channel config")
		return
	}
	if !ok {
		existing = &types.ChannelConfig{Login: login, IgnoredUsers: make(map[string]struct{})}
	}

	existing.EngineEnabled = req.EngineEnabled
	existing.ReadMode = types.ReadMode(req.ReadMode)
	existing.Gate = types.PermissionGate(req.Gate)
	existing.EventSpeech = req.EventSpeech
	existing.Bits = types.BitsGate{Enabled: req.BitsEnabled, Minimum: req.BitsMinimum}
	existing.HonorViewerPrefs = req.HonorViewerPrefs
	existing.ReadFullURLs = req.ReadFullURLs
	existing.Defaults = req.Voice

	if err := s.store.PutChannelConfig(r.Context(), *existing); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save channel config")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(existing))
}

type ignoreRequest struct {
	Username string `json:"username" validate:"required"`
}

func (s *Server) handlePostIgnore(w http.ResponseWriter, r *http.Request) {
	s.mutateIgnoreList(w, r, func(ignored map[string]struct{}, username string) {
		ignored[username] = struct{}{}
	})
}

func (s *Server) handleDeleteIgnore(w http.ResponseWriter, r *http.Request) {
	s.mutateIgnoreList(w, r, func(ignored map[string]struct{}, username string) {
		delete(ignored, username)
	})
}

func (s *Server) mutateIgnoreList(w http.ResponseWriter, r *http.Request, mutate func(map[string]struct{}, string)) {
	login := strings.ToLower(r.PathValue("login"))

	var req ignoreRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, ok, err := s.store.GetChannelConfig(r.Context(), login)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load channel config")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if cfg.IgnoredUsers == nil {
		cfg.IgnoredUsers = make(map[string]struct{})
	}
	mutate(cfg.IgnoredUsers, strings.ToLower(req.Username))

	if err := s.store.PutChannelConfig(r.Context(), *cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save channel config")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(cfg))
}

const maxBodyBytes = 1 << 20

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("adminapi: encode response", "error", err)
	}
}
