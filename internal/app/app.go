// Package app wires all relay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the lease loop, the chat client, the channel
// syncer, and the secret-version prune schedule, and blocks until canceled.
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithFanout, WithEngine, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ttsrelay/core/internal/adminapi"
	"github.com/ttsrelay/core/internal/bus"
	"github.com/ttsrelay/core/internal/cache"
	"github.com/ttsrelay/core/internal/chatingress"
	"github.com/ttsrelay/core/internal/commandrouter"
	"github.com/ttsrelay/core/internal/config"
	"github.com/ttsrelay/core/internal/engine"
	"github.com/ttsrelay/core/internal/fanout"
	"github.com/ttsrelay/core/internal/observe"
	"github.com/ttsrelay/core/internal/pipeline"
	"github.com/ttsrelay/core/internal/redemption"
	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/internal/sharedchat"
	"github.com/ttsrelay/core/internal/statestore"
	"github.com/ttsrelay/core/internal/synth"
	"github.com/ttsrelay/core/internal/twitchapi"
	"github.com/ttsrelay/core/internal/voice"
	"github.com/ttsrelay/core/pkg/types"
)

// pruneInterval is the secret-version maintenance sweep cadence (§3: "every
// 6 hours"). The redemption-pending cache needs no equivalent sweep — it
// lives in Redis under an explicit TTL (§3) and reclaims itself.
const pruneInterval = "0 */6 * * *"

// secretVersionRetention bounds how long a superseded secret version (any
// row other than "latest") survives before the sweep deletes it.
const secretVersionRetention = 48 * time.Hour

// App owns all subsystem lifetimes and orchestrates the TTS relay.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	redis       *redis.Client
	db          *pgxpool.Pool
	store       *statestore.Store
	cacheClient *cache.Cache
	bus         *bus.Bus
	engine      *engine.Engine
	fanout      *fanout.Server
	router      *commandrouter.Router
	pipeline    *pipeline.Pipeline
	webhook     *pipeline.Webhook
	redemption  *redemption.Machine
	identity    *twitchapi.Identity
	helix       *twitchapi.Client
	synth       *synth.Client
	adminSrv    *adminapi.Server
	sessions    *sharedchat.Registry
	leaseLoop   *chatingress.LeaseLoop
	chatClient  *chatingress.Client
	syncer      *chatingress.ChannelSyncer
	cron        *cron.Cron
	httpServer  *http.Server
	metrics     *observe.Metrics
	watcher     *config.Watcher

	// configPath, if set, enables the live-reload watcher in New.
	configPath string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a queue engine instead of creating one from config.
func WithEngine(e *engine.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithFanout injects an overlay fan-out server instead of creating one.
func WithFanout(f *fanout.Server) Option {
	return func(a *App) { a.fanout = f }
}

// WithConfigWatcher enables live-reload of the safe-to-reload subset of
// config (log level, system voice defaults) by polling the file at path,
// ported from the teacher's config.Watcher (§9 hot-reload note).
func WithConfigWatcher(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New creates an App by wiring all subsystems together. New performs all
// initialization synchronously: Redis/Postgres connections, schema
// migration, the synthesis/fan-out/engine triad, the event pipeline and
// webhook handler, the redemption state machine, the admin HTTP surface,
// and the chat-ingress lease loop. Use Option functions to inject test
// doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, metrics: observe.DefaultMetrics()}
	for _, opt := range opts {
		opt(a)
	}

	// ── 1. Redis client + cache ──────────────────────────────────────────
	a.redis = redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr, DB: cfg.Cache.DB})
	a.closers = append(a.closers, a.redis.Close)
	a.cacheClient = cache.New(a.redis)

	// ── 2. Postgres state store, migrated ────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Cross-instance bus ────────────────────────────────────────────
	a.bus = bus.New(a.redis, cfg.Server.ReplicaID)

	// ── 4. Synthesizer, fan-out, engine ──────────────────────────────────
	a.synth = synth.New(cfg.Synth.Endpoint, cfg.Synth.APIKey)
	if a.fanout == nil {
		a.fanout = fanout.New(cfg.Admin.SigningKey, cfg.Admin.Issuer, cfg.Admin.Audience)
	}
	if a.engine == nil {
		maxConcurrency := int64(cfg.Synth.MaxConcurrency)
		if maxConcurrency <= 0 {
			maxConcurrency = 8
		}
		a.engine = engine.New(a.synth, a.fanout, a.store, maxConcurrency)
	}

	// ── 5. Twitch identity and Helix clients ─────────────────────────────
	a.identity = twitchapi.NewIdentity(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret)
	a.helix = twitchapi.NewClient(cfg.Twitch.ClientID, twitchapi.NewCachingAppTokenSource(a.identity))

	// ── 6. Event pipeline + webhook + redemption machine ─────────────────
	a.initPipeline()

	// ── 7. Admin HTTP API and the combined overlay/admin HTTP server ─────
	ranges := voice.Ranges{
		PitchMin: cfg.Defaults.PitchMin, PitchMax: cfg.Defaults.PitchMax,
		SpeedMin: cfg.Defaults.SpeedMin, SpeedMax: cfg.Defaults.SpeedMax,
	}
	a.adminSrv = adminapi.New(a.store, ranges, cfg.Admin.SigningKey, cfg.Admin.Issuer, cfg.Admin.Audience, cfg.Admin.CORSOrigin)
	a.initHTTPServer(cfg)

	// ── 8. Chat ingress: lease loop, client, channel syncer ──────────────
	a.initChatIngress(cfg)

	// ── 9. Secret-version prune schedule ─────────────────────────────────
	a.initCron()

	// ── 10. Live-reload watcher for the safe-to-reload config subset ────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// systemDefaultsFrom builds the pipeline's lowest-precedence voice params
// and admissible ranges from the config tree's defaults section.
func systemDefaultsFrom(d config.VoiceDefaults) pipeline.SystemDefaults {
	return pipeline.SystemDefaults{
		Params: types.VoiceParams{
			VoiceID: d.VoiceID, Pitch: d.Pitch, Speed: d.Speed,
			Emotion: d.Emotion, LanguageBoost: d.LanguageBoost,
			Normalization: d.Normalization, Volume: d.Volume,
			SampleRate: d.SampleRate, Bitrate: d.Bitrate, Channel: d.Channel,
		},
		Ranges: voice.Ranges{
			PitchMin: d.PitchMin, PitchMax: d.PitchMax,
			SpeedMin: d.SpeedMin, SpeedMax: d.SpeedMax,
		},
	}
}

// onConfigChange applies the safe-to-reload subset of a config change:
// the process log level and the pipeline's system-wide voice defaults.
// Everything else (store DSN, Redis addr, Twitch credentials, signing
// keys) requires a restart and is left untouched.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.ComputeDiff(old, new)
	if d.LogLevelChanged {
		slog.Info("app: log level changed via config reload", "level", d.NewLogLevel)
	}
	if d.DefaultsChanged {
		a.pipeline.SetDefaults(systemDefaultsFrom(d.NewDefaults))
		slog.Info("app: system voice defaults reloaded")
	}
}

// initStore connects to Postgres and migrates the schema.
func (a *App) initStore(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.cfg.Store.DSN)
	if err != nil {
		return relayerr.New(relayerr.StoreUnavailable, "app.initStore", err)
	}
	a.db = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	configTTL := a.cfg.Cache.ChannelConfigTTL
	if configTTL <= 0 {
		configTTL = 5 * time.Minute
	}
	secretTTL := a.cfg.Cache.SecretTTL
	if secretTTL <= 0 {
		secretTTL = 5 * time.Minute
	}
	a.store = statestore.New(pool, a.cacheClient, configTTL, secretTTL)
	return a.store.Migrate(ctx)
}

// initPipeline wires the chat-message pipeline, the redemption state
// machine, and the EventSub webhook handler over them.
func (a *App) initPipeline() {
	a.router = commandrouter.New(commandrouter.StopCommand)
	a.sessions = sharedchat.New()

	a.pipeline = pipeline.New(a.store, a.store, a.router, a.engine, systemDefaultsFrom(a.cfg.Defaults), a.cfg.Twitch.BotLogin)

	a.redemption = redemption.New(
		redemption.NewRedisPendingCache(a.cacheClient),
		&twitchRefunder{client: a.helix},
		&busPlayer{bus: a.bus},
		a.pipeline,
	)

	a.webhook = pipeline.NewWebhook(
		a.cfg.Twitch.WebhookSecret,
		a.cacheClient,
		&busPublisher{bus: a.bus},
		a.redemption,
		a.store,
		a.sessions,
		a.cfg.Server.ReplicaID,
	)
}

// initHTTPServer builds the combined overlay/admin mux and HTTP server.
func (a *App) initHTTPServer(cfg *config.Config) {
	mux := http.NewServeMux()
	a.fanout.Register(mux, cfg.Admin.PublicRoot)
	a.adminSrv.Register(mux)
	mux.Handle("POST /twitch/event", a.webhook)

	a.httpServer = &http.Server{Addr: cfg.Server.ListenAddr, Handler: observe.Middleware(a.metrics)(mux)}
}

// initChatIngress wires the single-active-replica lease loop, the chat
// client, and the managed-channel join/part syncer.
func (a *App) initChatIngress(cfg *config.Config) {
	tokens := &identityTokenSource{identity: a.identity, secrets: a.store, secretTag: "latest"}
	writer := &secretWriter{store: a.store, secretTag: "latest"}
	transport := chatingress.NewIRCTransport(cfg.Twitch.ChatBaseURL, cfg.Twitch.BotLogin)

	a.chatClient = chatingress.NewClient(transport, tokens, writer, a.onChatLine)
	a.syncer = chatingress.NewChannelSyncer(a.store, transport)

	if cfg.Server.Development {
		return
	}

	a.leaseLoop = chatingress.NewLeaseLoop(a.store, cfg.Server.ReplicaID,
		func(ctx context.Context) {
			token, _, err := tokens.Refresh(ctx)
			if err != nil {
				slog.Error("app: initial chat token refresh failed", "error", err)
				return
			}
			go func() {
				if err := a.chatClient.Run(ctx, token); err != nil && ctx.Err() == nil {
					slog.Error("app: chat client exited", "error", err)
				}
			}()
			go a.syncer.Run(ctx)
		},
		func() {
			a.chatClient.Stop()
		},
	)
}

// initCron schedules periodic maintenance: a prune sweep deleting superseded
// secret_versions rows, the one collection with no TTL of its own (§3, §4.6).
func (a *App) initCron() {
	a.cron = cron.New()
	_, _ = a.cron.AddFunc(pruneInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.store.PruneStaleSecretVersions(ctx, secretVersionRetention)
		if err != nil {
			slog.Warn("app: secret-version prune sweep failed", "error", err)
			return
		}
		slog.Info("app: secret-version prune sweep complete", "rows_deleted", n)
	})
}

// restoreQueues reads every active managed channel's persisted queue
// snapshot (if any) and refills the engine, satisfying the §8 round-trip
// property that a persist-then-restore cycle reproduces the pending-items
// sequence across a restart.
func (a *App) restoreQueues(ctx context.Context) error {
	channels, err := a.store.ListActiveManagedChannels(ctx)
	if err != nil {
		return fmt.Errorf("app: list managed channels for restore: %w", err)
	}
	logins := make([]string, len(channels))
	for i, c := range channels {
		logins[i] = c.Login
	}
	if err := a.engine.RestoreAll(ctx, logins); err != nil {
		return fmt.Errorf("app: restore queues: %w", err)
	}
	slog.Info("app: restored persisted queues", "channels", len(logins))
	return nil
}

// onChatLine feeds an inbound chat line into the pipeline.
func (a *App) onChatLine(line chatingress.ChatLine) {
	ctx := context.Background()
	msg := pipeline.ChatMessage{
		Channel: line.Channel, SenderLogin: line.SenderLogin, Text: line.Text,
		Bits: line.Bits, IsBroadcaster: line.IsBroadcaster, IsModerator: line.IsModerator,
	}
	if err := a.pipeline.HandleChatMessage(ctx, msg); err != nil {
		slog.Warn("app: chat message handling failed", "channel", line.Channel, "error", err)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the queue engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Fanout returns the overlay fan-out server.
func (a *App) Fanout() *fanout.Server { return a.fanout }

// Store returns the state store.
func (a *App) Store() *statestore.Store { return a.store }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run restores persisted per-channel queues (§4.1 Persistence), then starts
// the HTTP server, the bus subscription, the lease loop (unless Development
// mode is set), and the maintenance cron; it blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.restoreQueues(ctx); err != nil {
		slog.Warn("app: queue restore failed", "error", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("app: http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("app: http server exited", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.bus.Subscribe(ctx, func(env types.BusEnvelope) {
			cfg, ok, err := a.store.GetChannelConfig(ctx, env.Channel)
			if err != nil {
				slog.Warn("app: bus-delivered config lookup failed", "channel", env.Channel, "error", err)
				return
			}
			if !ok {
				return
			}
			if err := a.engine.Enqueue(ctx, cfg, env.Item); err != nil {
				slog.Warn("app: bus-delivered enqueue failed", "channel", env.Channel, "error", err)
			}
		}); err != nil && ctx.Err() == nil {
			slog.Error("app: bus subscription exited", "error", err)
		}
	}()

	if a.leaseLoop != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.leaseLoop.Run(ctx)
		}()
	}

	a.cron.Start()

	slog.Info("app running", "replica", a.cfg.Server.ReplicaID)
	<-ctx.Done()

	wg.Wait()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems, running the closers in the order they
// were registered during New. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.cron != nil {
			<-a.cron.Stop().Done()
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}
		if a.chatClient != nil {
			a.chatClient.Stop()
		}
		if err := a.engine.PersistAll(ctx); err != nil {
			slog.Warn("engine persist error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
