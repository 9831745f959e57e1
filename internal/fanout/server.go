// Package fanout implements the WebSocket overlay server (§4.3): per-channel
// connection membership, audio/stop delivery, and the HTTP surface that
// serves overlay static assets alongside the admin API's CORS preflight.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

// message is the wire shape sent to overlay clients: either
// {"type":"registered","channel":"...","message":"..."},
// {"type":"playAudio","url":"..."}, or {"type":"stopAudio"}.
type message struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
}

const (
	typeRegistered = "registered"
	typePlayAudio  = "playAudio"
	typeStopAudio  = "stopAudio"

	writeTimeout = 5 * time.Second
)

// connection is one overlay client's WebSocket connection.
type connection struct {
	conn *websocket.Conn
}

// Server maintains the channel → connection-set membership and implements
// [engine.Fanout].
type Server struct {
	mu      sync.RWMutex
	clients map[string]map[*connection]struct{}

	signingKey string
	issuer     string
	audience   string
}

// New builds an empty [Server]. signingKey, issuer, and audience configure
// the optional overlay token check (§4.3 Connection contract); an empty
// signingKey disables the check entirely and every connection is accepted.
func New(signingKey, issuer, audience string) *Server {
	return &Server{
		clients:    make(map[string]map[*connection]struct{}),
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
	}
}

// overlayAuthenticated reports whether token, if non-empty, is a valid
// signed token for the overlay connection contract. An empty token or a
// disabled signing key is treated as "no check performed", not a failure:
// overlays in browsers cannot always present a token, so its absence never
// rejects the connection (§4.3).
func (s *Server) overlayAuthenticated(token string) bool {
	if token == "" || s.signingKey == "" {
		return false
	}
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(s.signingKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience))
	return err == nil
}

// HasActiveClients reports whether channel currently has at least one
// connected overlay — the engine's source of truth for admission at dequeue.
func (s *Server) HasActiveClients(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[channel]) > 0
}

// SendAudio delivers a playAudio message to every open connection on channel.
func (s *Server) SendAudio(channel, url string) {
	s.broadcast(channel, message{Type: typePlayAudio, URL: url})
}

// SendStop delivers a stopAudio message to every open connection on channel.
func (s *Server) SendStop(channel string) {
	s.broadcast(channel, message{Type: typeStopAudio})
}

func (s *Server) broadcast(channel string, msg message) {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.clients[channel]))
	for c := range s.clients[channel] {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	raw, err := json.Marshal(msg)
	if err != nil {
		slog.Error("fanout: marshal message", "error", err)
		return
	}

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := c.conn.Write(ctx, websocket.MessageText, raw); err != nil {
			slog.Warn("fanout: write failed, dropping connection", "channel", channel, "error", err)
			s.remove(channel, c)
		}
		cancel()
	}
}

// add registers a connection under channel.
func (s *Server) add(channel string, c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.clients[channel]
	if !ok {
		set = make(map[*connection]struct{})
		s.clients[channel] = set
	}
	set[c] = struct{}{}
}

// remove drops a connection from channel's set, removing the channel key
// entirely once its set empties (§4.3 Membership).
func (s *Server) remove(channel string, c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.clients[channel]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.clients, channel)
	}
}

// ServeOverlay upgrades the request to a WebSocket and registers the
// connection under the "channel" query parameter until it closes (§4.3
// Connection contract). A missing channel closes with policy-violation; an
// optional "token" query parameter is checked but never rejects the
// connection on its own — an invalid or absent token is accepted and marked
// unauthenticated in the registered acknowledgment.
func (s *Server) ServeOverlay(w http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(r.URL.Query().Get("channel"))

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("fanout: accept failed", "channel", channel, "error", err)
		return
	}

	if channel == "" {
		wsConn.Close(websocket.StatusPolicyViolation, "channel is required")
		return
	}

	c := &connection{conn: wsConn}
	s.add(channel, c)
	defer func() {
		s.remove(channel, c)
		wsConn.Close(websocket.StatusNormalClosure, "overlay closed")
	}()

	ackMsg := "unauthenticated"
	if s.overlayAuthenticated(r.URL.Query().Get("token")) {
		ackMsg = "authenticated"
	}
	raw, err := json.Marshal(message{Type: typeRegistered, Channel: channel, Message: ackMsg})
	if err != nil {
		slog.Error("fanout: marshal registered ack", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = wsConn.Write(ctx, websocket.MessageText, raw)
	cancel()
	if err != nil {
		return
	}

	// Overlays are receive-only from the server's perspective; block reading
	// until the client disconnects so Close above runs at the right time.
	for {
		if _, _, err := wsConn.Read(r.Context()); err != nil {
			return
		}
	}
}

// staticFileHandler serves overlay static assets from root, rejecting any
// resolved path that escapes it (§4.3).
func staticFileHandler(root string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(root))
	return func(w http.ResponseWriter, r *http.Request) {
		cleaned := filepath.Clean(r.URL.Path)
		resolved := filepath.Join(root, cleaned)
		if !strings.HasPrefix(resolved, filepath.Clean(root)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		switch cleaned {
		case "/favicon.ico", "/apple-touch-icon.png":
			w.WriteHeader(http.StatusNoContent)
			return
		}

		fileServer.ServeHTTP(w, r)
	}
}

// Register adds the overlay WebSocket route and the static asset handler to
// mux.
func (s *Server) Register(mux *http.ServeMux, publicRoot string) {
	mux.HandleFunc("GET /overlay", s.ServeOverlay)
	mux.Handle("GET /", staticFileHandler(publicRoot))
}
