// Package twitchapi wraps the identity-provider token exchange and the
// Helix platform API calls the relay needs (§6): channel/user lookups,
// shared-chat session checks, and channel-points redemption cancellation.
package twitchapi

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ttsrelay/core/internal/relayerr"
)

const (
	identityTokenURL  = "https://id.twitch.tv/oauth2/token"
	refreshSkew       = 5 * time.Minute
	grantClientCreds  = "client_credentials"
	grantRefreshToken = "refresh_token"
)

// Identity exchanges credentials for app and user access tokens against the
// Twitch identity provider.
type Identity struct {
	client       *resty.Client
	clientID     string
	clientSecret string
}

// NewIdentity builds an [Identity] client.
func NewIdentity(clientID, clientSecret string) *Identity {
	return &Identity{
		client:       resty.New().SetBaseURL(identityTokenURL).SetTimeout(10 * time.Second),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// TokenResponse mirrors the identity provider's token exchange response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExpiresAt returns the absolute expiry of the token, refreshed 5 minutes
// early (§6 "Refresh 5 minutes before expiry").
func (t TokenResponse) ExpiresAt(issuedAt time.Time) time.Time {
	return issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second).Add(-refreshSkew)
}

// AppToken exchanges client credentials for an application access token.
func (i *Identity) AppToken(ctx context.Context) (TokenResponse, error) {
	return i.exchange(ctx, map[string]string{
		"client_id":     i.clientID,
		"client_secret": i.clientSecret,
		"grant_type":    grantClientCreds,
	})
}

// RefreshUserToken exchanges a stored refresh-token for a new user access
// token, per the auth-recovery sequence (§4.5).
func (i *Identity) RefreshUserToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	return i.exchange(ctx, map[string]string{
		"client_id":     i.clientID,
		"client_secret": i.clientSecret,
		"grant_type":    grantRefreshToken,
		"refresh_token": refreshToken,
	})
}

func (i *Identity) exchange(ctx context.Context, form map[string]string) (TokenResponse, error) {
	var out TokenResponse
	resp, err := i.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		Post("")
	if err != nil {
		return TokenResponse{}, relayerr.New(relayerr.AuthFailed, "twitchapi.exchange", err)
	}
	if resp.IsError() {
		return TokenResponse{}, relayerr.Newf(relayerr.AuthFailed, "twitchapi.exchange", "identity provider returned %s", resp.Status())
	}
	if out.AccessToken == "" {
		return TokenResponse{}, relayerr.Newf(relayerr.AuthFailed, "twitchapi.exchange", "empty access_token in response")
	}
	return out, nil
}
