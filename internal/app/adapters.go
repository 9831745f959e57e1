package app

import (
	"context"

	"github.com/ttsrelay/core/internal/bus"
	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/internal/twitchapi"
	"github.com/ttsrelay/core/pkg/types"
)

// busPlayer adapts [bus.Bus] to [redemption.Player]: an approved redemption
// is handed to the cross-instance bus exactly like a pipeline decision, so
// whichever replica owns the channel's overlay clients fulfils it.
type busPlayer struct {
	bus *bus.Bus
}

func (p *busPlayer) Play(ctx context.Context, channel string, item types.WorkItem) error {
	return p.bus.Publish(ctx, types.BusEnvelope{Channel: channel, Item: item})
}

// busPublisher adapts [bus.Bus] to [pipeline.Publisher].
type busPublisher struct {
	bus *bus.Bus
}

func (p *busPublisher) Publish(ctx context.Context, env types.BusEnvelope) error {
	return p.bus.Publish(ctx, env)
}

// twitchRefunder adapts [twitchapi.Client] to [redemption.Refunder]: the
// state machine thinks in channel logins, Helix thinks in broadcaster ids,
// so this resolves one before canceling the redemption (§4.4, §6).
type twitchRefunder struct {
	client *twitchapi.Client
}

func (r *twitchRefunder) Cancel(ctx context.Context, channel, rewardID, redemptionID string) error {
	users, err := r.client.Users(ctx, []string{channel})
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return relayerr.Newf(relayerr.ValidationError, "app.twitchRefunder.Cancel", "no such channel %q", channel)
	}
	return r.client.CancelRedemption(ctx, users[0].ID, rewardID, redemptionID)
}

// identityTokenSource adapts [twitchapi.Identity] and the state store's
// secret collection to [chatingress.TokenSource]: the bot's refresh token
// is the latest version of the "twitch_bot_refresh_token" secret (§6).
type identityTokenSource struct {
	identity  *twitchapi.Identity
	secrets   secretReader
	secretTag string
}

type secretReader interface {
	GetSecret(ctx context.Context, name, version string) (string, bool, error)
}

func (t *identityTokenSource) Refresh(ctx context.Context) (string, string, error) {
	refreshToken, ok, err := t.secrets.GetSecret(ctx, botRefreshTokenSecret, t.secretTag)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", relayerr.Newf(relayerr.AuthFailed, "app.identityTokenSource.Refresh", "no stored refresh token")
	}
	resp, err := t.identity.RefreshUserToken(ctx, refreshToken)
	if err != nil {
		return "", "", err
	}
	return resp.AccessToken, resp.RefreshToken, nil
}

// secretWriter adapts the state store's secret collection to
// [chatingress.RefreshTokenWriter].
type secretWriter struct {
	store     secretPutter
	secretTag string
}

type secretPutter interface {
	PutSecretVersion(ctx context.Context, name, version, value string) error
}

func (w *secretWriter) StoreRefreshToken(ctx context.Context, token string) error {
	return w.store.PutSecretVersion(ctx, botRefreshTokenSecret, w.secretTag, token)
}

const botRefreshTokenSecret = "twitch_bot_refresh_token"
