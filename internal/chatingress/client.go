package chatingress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State is a position in the chat client's connection state machine (§4.5):
// Idle → Connecting → Open → Closing → Disconnected.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateDisconnected State = "disconnected"
)

const (
	reconnectMaxRetries = 10
	reconnectBackoff    = 1 * time.Second
	reconnectMaxBackoff = 30 * time.Second
)

// SignalKind is one of the four signals the transport adapter emits,
// replacing a callback-heavy chat library with a single consumable event
// stream (§9 Design Notes).
type SignalKind string

const (
	SignalConnected    SignalKind = "connected"
	SignalDisconnected SignalKind = "disconnected"
	SignalMessage      SignalKind = "message"
	SignalNotice       SignalKind = "notice"
)

// ChatLine is an inbound chat message, reduced to the fields the pipeline's
// chat-message branch needs.
type ChatLine struct {
	Channel       string
	SenderLogin   string
	Text          string
	Bits          int
	IsBroadcaster bool
	IsModerator   bool
}

// Event is one item on the transport adapter's signal stream.
type Event struct {
	Kind   SignalKind
	Line   ChatLine
	Notice string
	Err    error
}

// Transport is the IRC-over-WebSocket chat connection (§4.5), with
// automatic reconnection disabled at this level: [Client] drives every
// reconnect itself so each one can be preceded by a token refresh.
type Transport interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
	Join(ctx context.Context, channel string) error
	Part(ctx context.Context, channel string) error
	Events() <-chan Event
}

// TokenSource exchanges the stored refresh-token for a fresh user-access
// token (§4.5 Authentication recovery).
type TokenSource interface {
	Refresh(ctx context.Context) (accessToken string, rotatedRefreshToken string, err error)
}

// RefreshTokenWriter persists a rotated refresh token, if Twitch issued one
// during the exchange.
type RefreshTokenWriter interface {
	StoreRefreshToken(ctx context.Context, token string) error
}

// loginFailureMarkers are substrings of a `notice` payload that indicate the
// connection needs an authentication recovery cycle rather than a plain
// reconnect.
var loginFailureMarkers = []string{"login authentication failed", "improperly formatted auth", "invalid nick"}

// Client drives one replica's chat connection: initial connect, the
// reentrant-guarded recovery sequence, and exponential-backoff reconnection,
// grounded on the teacher's exponential-backoff reconnect loop.
type Client struct {
	transport Transport
	tokens    TokenSource
	secrets   RefreshTokenWriter
	onMessage func(ChatLine)

	mu         sync.Mutex
	state      State
	recovering bool
	done       chan struct{}
	stopOnce   sync.Once
}

// NewClient builds a [Client] in [StateIdle].
func NewClient(transport Transport, tokens TokenSource, secrets RefreshTokenWriter, onMessage func(ChatLine)) *Client {
	return &Client{transport: transport, tokens: tokens, secrets: secrets, onMessage: onMessage, state: StateIdle, done: make(chan struct{})}
}

// State reports the client's current position in the state machine.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run performs the initial connect and then consumes transport events until
// ctx is canceled, driving the recovery state machine on disconnect or a
// login-failure notice. Blocks until ctx is done or the client is [Stop]ped.
func (c *Client) Run(ctx context.Context, initialToken string) error {
	if err := c.connect(ctx, initialToken); err != nil {
		return fmt.Errorf("chatingress: initial connect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return nil
		case <-c.done:
			c.disconnect()
			return nil
		case ev, ok := <-c.transport.Events():
			if !ok {
				return nil
			}
			c.handleEvent(ctx, ev)
		}
	}
}

// Stop halts the client and disconnects. Safe to call multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Client) connect(ctx context.Context, token string) error {
	c.setState(StateConnecting)
	if err := c.transport.Connect(ctx, token); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func (c *Client) disconnect() {
	c.setState(StateClosing)
	if err := c.transport.Disconnect(); err != nil {
		slog.Warn("chatingress: disconnect failed", "error", err)
	}
	c.setState(StateDisconnected)
}

func (c *Client) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case SignalConnected:
		c.setState(StateOpen)

	case SignalMessage:
		if c.onMessage != nil {
			c.onMessage(ev.Line)
		}

	case SignalNotice:
		if isLoginFailure(ev.Notice) {
			go c.recover(ctx)
		}

	case SignalDisconnected:
		go c.recover(ctx)
	}
}

func isLoginFailure(notice string) bool {
	lower := strings.ToLower(notice)
	for _, marker := range loginFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// recover runs the authentication-recovery sequence of §4.5: disconnect if
// still connected, refresh the access token, install it, then reconnect
// with exponential backoff. Reentrant calls are dropped by the guard so a
// disconnect and a login-failure notice arriving together only recover once.
func (c *Client) recover(ctx context.Context) {
	c.mu.Lock()
	if c.recovering {
		c.mu.Unlock()
		return
	}
	c.recovering = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.recovering = false
		c.mu.Unlock()
	}()

	if state := c.State(); state == StateOpen || state == StateConnecting {
		c.disconnect()
	}

	token, rotated, err := c.tokens.Refresh(ctx)
	if err != nil {
		slog.Error("chatingress: token refresh failed, giving up recovery", "error", err)
		return
	}
	if rotated != "" && c.secrets != nil {
		if err := c.secrets.StoreRefreshToken(ctx, rotated); err != nil {
			slog.Warn("chatingress: failed to persist rotated refresh token", "error", err)
		}
	}

	c.reconnectWithBackoff(ctx, token)
}

func (c *Client) reconnectWithBackoff(ctx context.Context, token string) {
	backoff := reconnectBackoff
	for attempt := 1; attempt <= reconnectMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if err := c.connect(ctx, token); err == nil {
			slog.Info("chatingress: reconnected", "attempt", attempt)
			return
		} else {
			slog.Warn("chatingress: reconnect attempt failed", "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}
	slog.Error("chatingress: recovery exhausted max retries")
}
