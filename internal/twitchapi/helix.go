package twitchapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ttsrelay/core/internal/relayerr"
)

const (
	helixBaseURL     = "https://api.twitch.tv/helix"
	maxBatchSize     = 100
	tokenSourceRetry = 1
)

// AppTokenSource supplies the bearer token Helix calls authenticate with,
// and clears its cache on a 401 so the next call re-exchanges (§6).
type AppTokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// cachingAppTokenSource wraps [Identity.AppToken] with the in-memory cache
// and early-refresh behavior §6 describes.
type cachingAppTokenSource struct {
	identity *Identity

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewCachingAppTokenSource builds an [AppTokenSource] backed by identity.
func NewCachingAppTokenSource(identity *Identity) AppTokenSource {
	return &cachingAppTokenSource{identity: identity}
}

func (c *cachingAppTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	resp, err := c.identity.AppToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = resp.AccessToken
	c.expiresAt = resp.ExpiresAt(time.Now())
	return c.token, nil
}

func (c *cachingAppTokenSource) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// Client is the Helix platform API client (§6 Platform API).
type Client struct {
	http     *resty.Client
	tokens   AppTokenSource
	clientID string
}

// NewClient builds a [Client].
func NewClient(clientID string, tokens AppTokenSource) *Client {
	return &Client{
		http:     resty.New().SetBaseURL(helixBaseURL).SetTimeout(10 * time.Second),
		tokens:   tokens,
		clientID: clientID,
	}
}

// Channel is the subset of a Helix channels response entry the relay needs.
type Channel struct {
	BroadcasterID    string `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	GameName         string `json:"game_name"`
}

// Channels looks up up to 100 broadcaster ids at a time (§6).
func (c *Client) Channels(ctx context.Context, broadcasterIDs []string) ([]Channel, error) {
	if len(broadcasterIDs) > maxBatchSize {
		return nil, relayerr.Newf(relayerr.ValidationError, "twitchapi.Channels", "batch of %d exceeds max %d", len(broadcasterIDs), maxBatchSize)
	}
	var out struct {
		Data []Channel `json:"data"`
	}
	err := c.get(ctx, "/channels", map[string]string{"broadcaster_id": strings.Join(broadcasterIDs, ",")}, &out)
	return out.Data, err
}

// User is the subset of a Helix users response entry the relay needs.
type User struct {
	ID    string `json:"id"`
	Login string `json:"login"`
}

// Users looks up up to 100 logins at a time (§6).
func (c *Client) Users(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) > maxBatchSize {
		return nil, relayerr.Newf(relayerr.ValidationError, "twitchapi.Users", "batch of %d exceeds max %d", len(logins), maxBatchSize)
	}
	var out struct {
		Data []User `json:"data"`
	}
	err := c.get(ctx, "/users", map[string]string{"login": strings.Join(logins, ",")}, &out)
	return out.Data, err
}

// SharedChatSession describes a broadcaster's shared-chat session.
type SharedChatSession struct {
	SessionID    string `json:"session_id"`
	Participants []struct {
		BroadcasterID string `json:"broadcaster_id"`
	} `json:"participants"`
}

// SharedChatSession fetches the broadcaster's shared-chat session, if any.
// A 404 means "not in session" and is reported as (nil, false, nil) rather
// than an error (§6).
func (c *Client) SharedChatSession(ctx context.Context, broadcasterID string) (*SharedChatSession, bool, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, false, err
	}

	var out struct {
		Data []SharedChatSession `json:"data"`
	}
	resp, err := c.authenticated(token).
		SetContext(ctx).
		SetQueryParam("broadcaster_id", broadcasterID).
		SetResult(&out).
		Get("/shared_chat/session")
	if err != nil {
		return nil, false, relayerr.New(relayerr.UpstreamFailure, "twitchapi.SharedChatSession", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return nil, false, relayerr.Newf(relayerr.UpstreamFailure, "twitchapi.SharedChatSession", "helix returned %s", resp.Status())
	}
	if len(out.Data) == 0 {
		return nil, false, nil
	}
	return &out.Data[0], true, nil
}

// CancelRedemption refunds a channel-points redemption by setting its
// status to CANCELED (§6).
func (c *Client) CancelRedemption(ctx context.Context, broadcasterID, rewardID, redemptionID string) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.authenticated(token).
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"broadcaster_id": broadcasterID,
			"reward_id":      rewardID,
			"id":             redemptionID,
		}).
		SetBody(map[string]string{"status": "CANCELED"}).
		Patch("/channel_points/custom_rewards/redemptions")
	if err != nil {
		return relayerr.New(relayerr.UpstreamFailure, "twitchapi.CancelRedemption", err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return relayerr.Newf(relayerr.UpstreamFailure, "twitchapi.CancelRedemption", "helix returned %s", resp.Status())
	}
	return nil
}

func (c *Client) authenticated(token string) *resty.Request {
	return c.http.R().
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("Client-Id", c.clientID)
}

// get issues an authenticated GET, retrying once after invalidating the
// cached app token on a 401 (§6).
func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= tokenSourceRetry; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		resp, err := c.authenticated(token).
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(out).
			Get(path)
		if err != nil {
			lastErr = relayerr.New(relayerr.UpstreamFailure, "twitchapi.get", err)
			continue
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt < tokenSourceRetry {
			c.tokens.Invalidate()
			continue
		}
		if resp.IsError() {
			return relayerr.Newf(relayerr.UpstreamFailure, "twitchapi.get", "helix returned %s for %s", resp.Status(), path)
		}
		return nil
	}
	return lastErr
}
