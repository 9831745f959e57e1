package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

func wsURL(srv *httptest.Server, channel string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/overlay?channel=" + channel
}

func readMessage(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg
}

func TestHasActiveClientsTracksMembership(t *testing.T) {
	s := New("", "", "")
	mux := http.NewServeMux()
	s.Register(mux, t.TempDir())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	if s.HasActiveClients("xqcow") {
		t.Fatal("HasActiveClients() = true before any connection")
	}

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "xqcow"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	waitForTrue(t, func() bool { return s.HasActiveClients("xqcow") })

	conn.Close(websocket.StatusNormalClosure, "done")
	waitForTrue(t, func() bool { return !s.HasActiveClients("xqcow") })
}

func TestSendAudioDeliversToConnectedClient(t *testing.T) {
	s := New("", "", "")
	mux := http.NewServeMux()
	s.Register(mux, t.TempDir())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(context.Background(), wsURL(srv, "xqcow"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	waitForTrue(t, func() bool { return s.HasActiveClients("xqcow") })
	readMessage(t, conn) // registered ack

	s.SendAudio("xqcow", "https://cdn.example/clip.mp3")

	msg := readMessage(t, conn)
	if msg.Type != typePlayAudio || msg.URL != "https://cdn.example/clip.mp3" {
		t.Fatalf("message = %+v, want playAudio with the clip URL", msg)
	}
}

func TestSendStopDeliversSentinel(t *testing.T) {
	s := New("", "", "")
	mux := http.NewServeMux()
	s.Register(mux, t.TempDir())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(context.Background(), wsURL(srv, "xqcow"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	waitForTrue(t, func() bool { return s.HasActiveClients("xqcow") })
	readMessage(t, conn) // registered ack

	s.SendStop("xqcow")

	msg := readMessage(t, conn)
	if msg.Type != typeStopAudio {
		t.Fatalf("message = %+v, want stopAudio", msg)
	}
}

func TestServeOverlaySendsRegisteredAck(t *testing.T) {
	s := New("", "", "")
	mux := http.NewServeMux()
	s.Register(mux, t.TempDir())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(context.Background(), wsURL(srv, "xqcow"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	msg := readMessage(t, conn)
	if msg.Type != typeRegistered || msg.Channel != "xqcow" {
		t.Fatalf("message = %+v, want registered ack for xqcow", msg)
	}
	if msg.Message != "unauthenticated" {
		t.Errorf("message.Message = %q, want unauthenticated without a signing key", msg.Message)
	}
}

func TestServeOverlayMissingChannelClosesWithPolicyViolation(t *testing.T) {
	s := New("", "", "")
	mux := http.NewServeMux()
	s.Register(mux, t.TempDir())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/overlay", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusInternalError, "")

	_, _, err = conn.Read(context.Background())
	closeErr := websocket.CloseStatus(err)
	if closeErr != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want StatusPolicyViolation", closeErr)
	}
}

func TestServeOverlayValidTokenMarksAuthenticated(t *testing.T) {
	const signingKey = "overlay-signing-key"
	s := New(signingKey, "ttsrelay", "overlay")
	mux := http.NewServeMux()
	s.Register(mux, t.TempDir())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "ttsrelay",
		Audience:  jwt.ClaimStrings{"overlay"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(signingKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/overlay?channel=xqcow&token=" + token
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	msg := readMessage(t, conn)
	if msg.Message != "authenticated" {
		t.Fatalf("message.Message = %q, want authenticated with a valid token", msg.Message)
	}
}

func waitForTrue(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
