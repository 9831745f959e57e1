package chatingress

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/coder/websocket"
)

const defaultChatBaseURL = "wss://irc-ws.chat.twitch.tv:443"

// IRCTransport implements [Transport] over Twitch's IRC-over-WebSocket
// gateway (§4.5), grounded on the teacher's coder/websocket connect/read
// shape used for the TTS provider's streaming client.
type IRCTransport struct {
	baseURL  string
	botLogin string

	conn   *websocket.Conn
	events chan Event
}

// NewIRCTransport builds an [IRCTransport]. baseURL overrides the gateway
// address for tests; an empty string uses the production endpoint.
func NewIRCTransport(baseURL, botLogin string) *IRCTransport {
	if baseURL == "" {
		baseURL = defaultChatBaseURL
	}
	return &IRCTransport{baseURL: baseURL, botLogin: strings.ToLower(botLogin), events: make(chan Event, 64)}
}

// Connect dials the gateway and authenticates with token, then starts the
// read loop that feeds Events.
func (t *IRCTransport) Connect(ctx context.Context, token string) error {
	conn, _, err := websocket.Dial(ctx, t.baseURL, nil)
	if err != nil {
		return fmt.Errorf("ircTransport: dial: %w", err)
	}
	t.conn = conn

	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"PASS oauth:" + token,
		"NICK " + t.botLogin,
	} {
		if err := t.write(ctx, line); err != nil {
			conn.Close(websocket.StatusInternalError, "handshake failed")
			return err
		}
	}

	go t.readLoop(ctx)
	return nil
}

// Disconnect closes the underlying connection.
func (t *IRCTransport) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close(websocket.StatusNormalClosure, "disconnect")
}

// Join sends a JOIN for channel.
func (t *IRCTransport) Join(ctx context.Context, channel string) error {
	return t.write(ctx, "JOIN #"+strings.ToLower(channel))
}

// Part sends a PART for channel.
func (t *IRCTransport) Part(ctx context.Context, channel string) error {
	return t.write(ctx, "PART #"+strings.ToLower(channel))
}

// Events returns the transport's signal stream.
func (t *IRCTransport) Events() <-chan Event {
	return t.events
}

func (t *IRCTransport) write(ctx context.Context, line string) error {
	if err := t.conn.Write(ctx, websocket.MessageText, []byte(line+"\r\n")); err != nil {
		return fmt.Errorf("ircTransport: write: %w", err)
	}
	return nil
}

func (t *IRCTransport) readLoop(ctx context.Context) {
	defer close(t.events)
	for {
		_, raw, err := t.conn.Read(ctx)
		if err != nil {
			t.events <- Event{Kind: SignalDisconnected, Err: err}
			return
		}
		for _, line := range strings.Split(strings.TrimRight(string(raw), "\r\n"), "\r\n") {
			if line == "" {
				continue
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *IRCTransport) handleLine(ctx context.Context, line string) {
	tags, rest := splitTags(line)
	switch {
	case strings.Contains(rest, " PRIVMSG #"):
		t.events <- Event{Kind: SignalMessage, Line: parsePrivmsg(tags, rest)}
	case strings.Contains(rest, "376 "), strings.Contains(rest, " 001 "):
		t.events <- Event{Kind: SignalConnected}
	case strings.Contains(rest, "NOTICE"):
		t.events <- Event{Kind: SignalNotice, Notice: rest}
	case strings.HasPrefix(rest, "PING"):
		_ = t.write(ctx, "PONG :tmi.twitch.tv")
	}
}

// splitTags separates an IRCv3 "@key=val;..." tag prefix from the rest of
// the line, returning the tags as a map.
func splitTags(line string) (map[string]string, string) {
	if !strings.HasPrefix(line, "@") {
		return nil, line
	}
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return nil, line
	}
	tags := make(map[string]string)
	for _, kv := range strings.Split(line[1:sp], ";") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			tags[parts[0]] = parts[1]
		}
	}
	return tags, line[sp+1:]
}

// parsePrivmsg extracts a [ChatLine] from an already tag-stripped PRIVMSG
// line and its parsed tags.
func parsePrivmsg(tags map[string]string, rest string) ChatLine {
	senderLogin := ""
	if bang := strings.IndexByte(rest, '!'); bang > 1 && strings.HasPrefix(rest, ":") {
		senderLogin = rest[1:bang]
	}

	channel := ""
	if idx := strings.Index(rest, "PRIVMSG #"); idx >= 0 {
		after := rest[idx+len("PRIVMSG #"):]
		if sp := strings.IndexByte(after, ' '); sp >= 0 {
			channel = after[:sp]
		}
	}

	text := ""
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		if second := strings.IndexByte(rest[idx+1:], ':'); second >= 0 {
			text = rest[idx+1+second+1:]
		}
	}

	bits, _ := strconv.Atoi(tags["bits"])
	badges := tags["badges"]

	return ChatLine{
		Channel:       strings.ToLower(channel),
		SenderLogin:   strings.ToLower(senderLogin),
		Text:          text,
		Bits:          bits,
		IsBroadcaster: strings.Contains(badges, "broadcaster/"),
		IsModerator:   strings.Contains(badges, "moderator/"),
	}
}
