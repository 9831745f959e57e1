// Package statestore is the durable state store for the relay: the
// document-database collections of §6, physically realized as Postgres
// tables with a JSONB payload column (§4.6), fronted by a Redis read-through
// cache for every collection except the chat-leader lease and the queue
// snapshot pair.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ttsrelay/core/internal/cache"
	"github.com/ttsrelay/core/internal/relayerr"
	"github.com/ttsrelay/core/pkg/types"
)

// Schema is the DDL for every collection's table, following the teacher's
// schema-as-constant pattern: one JSONB payload column plus indexed keys.
const Schema = `
CREATE TABLE IF NOT EXISTS managed_channels (
    login      TEXT PRIMARY KEY,
    payload    JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tts_channel_configs (
    login      TEXT PRIMARY KEY,
    payload    JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tts_user_preferences (
    login      TEXT PRIMARY KEY,
    payload    JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS system_chat_leader (
    id         INT PRIMARY KEY DEFAULT 1,
    holder_id  TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (id = 1)
);

CREATE TABLE IF NOT EXISTS tts_queue_persistence (
    login      TEXT PRIMARY KEY,
    payload    JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS secret_versions (
    name       TEXT NOT NULL,
    version    TEXT NOT NULL,
    value      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (name, version)
);
`

// DB is the database handle used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the Postgres-backed, Redis-cached state store.
type Store struct {
	db    DB
	cache *cache.Cache

	channelConfigTTL time.Duration
	secretTTL        time.Duration
}

// New builds a [Store]. configTTL bounds channel/viewer-pref cache staleness;
// secretTTL bounds the secret cache (§3 defaults: 5 minutes each).
func New(db DB, c *cache.Cache, configTTL, secretTTL time.Duration) *Store {
	return &Store{db: db, cache: c, channelConfigTTL: configTTL, secretTTL: secretTTL}
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return relayerr.New(relayerr.StoreUnavailable, "statestore.Migrate", err)
	}
	return nil
}

// --- generic JSONB-table helpers -------------------------------------------------

func getPayload(ctx context.Context, db DB, table, key string, dest any) (bool, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE login = $1`, table)
	var raw []byte
	err := db.QueryRow(ctx, query, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, relayerr.New(relayerr.StoreUnavailable, "statestore.get", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, relayerr.New(relayerr.StoreUnavailable, "statestore.get.unmarshal", err)
	}
	return true, nil
}

func putPayload(ctx context.Context, db DB, table, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return relayerr.New(relayerr.StoreUnavailable, "statestore.put.marshal", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (login, payload, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (login) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`, table)
	if _, err := db.Exec(ctx, query, key, raw); err != nil {
		return relayerr.New(relayerr.StoreUnavailable, "statestore.put", err)
	}
	return nil
}

func deletePayload(ctx context.Context, db DB, table, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE login = $1`, table)
	if _, err := db.Exec(ctx, query, key); err != nil {
		return relayerr.New(relayerr.StoreUnavailable, "statestore.delete", err)
	}
	return nil
}

// --- managed channels --------------------------------------------------------------

const tableManagedChannels = "managed_channels"

// GetManagedChannel reads the `managedChannels/{login}` record. It reads
// straight through Postgres: the managed-channels live listener polls this
// table's watermark rather than caching its contents, since it backs the
// live channel-sync diff (§4.6).
func (s *Store) GetManagedChannel(ctx context.Context, login string) (*types.ManagedChannel, bool, error) {
	var rec types.ManagedChannel
	ok, err := getPayload(ctx, s.db, tableManagedChannels, login, &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec.Login = login
	return &rec, true, nil
}

// ListActiveManagedChannels returns every managed channel with isActive set,
// used at startup and by the channel-sync diff.
func (s *Store) ListActiveManagedChannels(ctx context.Context) ([]types.ManagedChannel, error) {
	const query = `SELECT login, payload FROM managed_channels ORDER BY login`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, relayerr.New(relayerr.StoreUnavailable, "statestore.ListActiveManagedChannels", err)
	}
	defer rows.Close()

	var out []types.ManagedChannel
	for rows.Next() {
		var login string
		var raw []byte
		if err := rows.Scan(&login, &raw); err != nil {
			return nil, relayerr.New(relayerr.StoreUnavailable, "statestore.ListActiveManagedChannels.scan", err)
		}
		var rec types.ManagedChannel
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, relayerr.New(relayerr.StoreUnavailable, "statestore.ListActiveManagedChannels.unmarshal", err)
		}
		rec.Login = login
		if rec.IsActive {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, relayerr.New(relayerr.StoreUnavailable, "statestore.ListActiveManagedChannels", err)
	}
	return out, nil
}

// PutManagedChannel upserts a managed-channel record.
func (s *Store) PutManagedChannel(ctx context.Context, rec types.ManagedChannel) error {
	return putPayload(ctx, s.db, tableManagedChannels, rec.Login, rec)
}

// --- channel configs (read-through cached) ------------------------------------------

const tableChannelConfigs = "tts_channel_configs"

// GetChannelConfig reads a channel's config, read-through Redis with TTL
// [Store.channelConfigTTL].
func (s *Store) GetChannelConfig(ctx context.Context, login string) (*types.ChannelConfig, bool, error) {
	key := cache.Key(tableChannelConfigs, login)

	var cfg types.ChannelConfig
	if hit, _ := s.cache.Get(ctx, key, &cfg); hit {
		return &cfg, true, nil
	}

	ok, err := getPayload(ctx, s.db, tableChannelConfigs, login, &cfg)
	if err != nil || !ok {
		return nil, ok, err
	}
	cfg.Login = login
	_ = s.cache.Set(ctx, key, cfg, s.channelConfigTTL)
	return &cfg, true, nil
}

// PutChannelConfig upserts a channel config and invalidates its cache entry.
func (s *Store) PutChannelConfig(ctx context.Context, cfg types.ChannelConfig) error {
	if err := putPayload(ctx, s.db, tableChannelConfigs, cfg.Login, cfg); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, cache.Key(tableChannelConfigs, cfg.Login))
}

// --- viewer preferences (read-through cached) ---------------------------------------

const tableViewerPrefs = "tts_user_preferences"

// GetViewerPreference reads a global viewer preference record.
func (s *Store) GetViewerPreference(ctx context.Context, login string) (*types.ViewerPreference, bool, error) {
	key := cache.Key(tableViewerPrefs, login)

	var pref types.ViewerPreference
	if hit, _ := s.cache.Get(ctx, key, &pref); hit {
		return &pref, true, nil
	}

	ok, err := getPayload(ctx, s.db, tableViewerPrefs, login, &pref)
	if err != nil || !ok {
		return nil, ok, err
	}
	pref.Login = login
	_ = s.cache.Set(ctx, key, pref, s.channelConfigTTL)
	return &pref, true, nil
}

// PutViewerPreference upserts a viewer's global preference record.
func (s *Store) PutViewerPreference(ctx context.Context, pref types.ViewerPreference) error {
	if err := putPayload(ctx, s.db, tableViewerPrefs, pref.Login, pref); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, cache.Key(tableViewerPrefs, pref.Login))
}

// --- queue snapshots (not cached: strongly consistent) --------------------------------

const tableQueueSnapshots = "tts_queue_persistence"

// SaveQueueSnapshot persists a channel's pending queue on shutdown.
func (s *Store) SaveQueueSnapshot(ctx context.Context, snap types.QueueSnapshot) error {
	return putPayload(ctx, s.db, tableQueueSnapshots, snap.Channel, snap)
}

// LoadAndDeleteQueueSnapshot consumes a channel's persisted snapshot: it
// reads then deletes it, matching §3's "consumed-then-deleted on startup"
// lifecycle.
func (s *Store) LoadAndDeleteQueueSnapshot(ctx context.Context, login string) (*types.QueueSnapshot, bool, error) {
	var snap types.QueueSnapshot
	ok, err := getPayload(ctx, s.db, tableQueueSnapshots, login, &snap)
	if err != nil || !ok {
		return nil, ok, err
	}
	snap.Channel = login
	if err := deletePayload(ctx, s.db, tableQueueSnapshots, login); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

// --- chat-leader lease (strongly consistent, not cached) ------------------------------

// Lease is the single-row `system/chatLeader` record (§3).
type Lease struct {
	HolderID  string
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// AcquireLease attempts to become (or remain) the chat-leader: it succeeds if
// no lease exists, the existing lease has expired, or holderID already holds
// it (renewal). It is implemented as a single UPSERT guarded by a WHERE
// clause, executed inside the call so the read-modify-write is atomic at the
// database level without a client-side transaction.
func (s *Store) AcquireLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	const query = `
		INSERT INTO system_chat_leader (id, holder_id, updated_at, expires_at)
		VALUES (1, $1, now(), now() + $2 * INTERVAL '1 second')
		ON CONFLICT (id) DO UPDATE SET
			holder_id = EXCLUDED.holder_id,
			updated_at = now(),
			expires_at = now() + $2 * INTERVAL '1 second'
		WHERE system_chat_leader.holder_id = $1 OR system_chat_leader.expires_at < now()
		RETURNING holder_id`

	var got string
	err := s.db.QueryRow(ctx, query, holderID, ttl.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, relayerr.New(relayerr.StoreUnavailable, "statestore.AcquireLease", err)
	}
	return got == holderID, nil
}

// CurrentLease reads the lease without attempting to acquire it.
func (s *Store) CurrentLease(ctx context.Context) (*Lease, error) {
	const query = `SELECT holder_id, updated_at, expires_at FROM system_chat_leader WHERE id = 1`
	var l Lease
	err := s.db.QueryRow(ctx, query).Scan(&l.HolderID, &l.UpdatedAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Lease{}, nil
	}
	if err != nil {
		return nil, relayerr.New(relayerr.StoreUnavailable, "statestore.CurrentLease", err)
	}
	return &l, nil
}

// --- secrets (read-through cached) ----------------------------------------------------

// GetSecret reads the latest version of a named secret, read-through Redis
// with TTL [Store.secretTTL]. name is the short resource name (the
// `projects/.../secrets/<name>/versions/latest` path is resolved by the
// caller; this store only models the final name/version pair).
func (s *Store) GetSecret(ctx context.Context, name, version string) (string, bool, error) {
	key := cache.Key("secret_versions", name+"/"+version)

	var value string
	if hit, _ := s.cache.Get(ctx, key, &value); hit {
		return value, true, nil
	}

	var query string
	var args []any
	if version == "latest" {
		query = `SELECT value FROM secret_versions WHERE name = $1 ORDER BY created_at DESC LIMIT 1`
		args = []any{name}
	} else {
		query = `SELECT value FROM secret_versions WHERE name = $1 AND version = $2`
		args = []any{name, version}
	}

	err := s.db.QueryRow(ctx, query, args...).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, relayerr.New(relayerr.StoreUnavailable, "statestore.GetSecret", err)
	}
	_ = s.cache.Set(ctx, key, value, s.secretTTL)
	return value, true, nil
}

// PutSecretVersion adds a new version of a secret, used to replace a rotated
// refresh token (§6), and invalidates the "latest" cache entry.
func (s *Store) PutSecretVersion(ctx context.Context, name, version, value string) error {
	const query = `
		INSERT INTO secret_versions (name, version, value, created_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (name, version) DO UPDATE SET value = EXCLUDED.value, created_at = now()`
	if _, err := s.db.Exec(ctx, query, name, version, value); err != nil {
		return relayerr.New(relayerr.StoreUnavailable, "statestore.PutSecretVersion", err)
	}
	return s.cache.Invalidate(ctx, cache.Key("secret_versions", name+"/latest"))
}

// PruneStaleSecretVersions deletes superseded secret versions older than
// olderThan, never touching the "latest" pointer a rotation always leaves
// behind (§4.6: secret_versions carries no TTL of its own, unlike every
// other collection's cache-bounded staleness). Returns the number of rows
// removed.
func (s *Store) PruneStaleSecretVersions(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `DELETE FROM secret_versions WHERE version <> 'latest' AND created_at < $1`
	tag, err := s.db.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, relayerr.New(relayerr.StoreUnavailable, "statestore.PruneStaleSecretVersions", err)
	}
	return tag.RowsAffected(), nil
}
