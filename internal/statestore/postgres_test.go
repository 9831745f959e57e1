package statestore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	redismock "github.com/go-redis/redismock/v9"

	"github.com/ttsrelay/core/internal/cache"
)

// --- mock DB, ported from the teacher's pgx-mock pattern -----------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("not implemented in this test")
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func newTestStore(t *testing.T, db *mockDB) (*Store, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	return New(db, cache.New(rdb), 5*time.Minute, 5*time.Minute), mock
}

func TestGetChannelConfigCacheHit(t *testing.T) {
	db := &mockDB{}
	s, mock := newTestStore(t, db)

	key := cache.Key(tableChannelConfigs, "xqcow")
	mock.ExpectGet(key).SetVal(`{"login":"xqcow","engine_enabled":false}`)

	cfg, ok, err := s.GetChannelConfig(context.Background(), "xqcow")
	if err != nil {
		t.Fatalf("GetChannelConfig() error = %v", err)
	}
	if !ok || cfg.Login != "xqcow" {
		t.Fatalf("GetChannelConfig() = %+v, %v, want login xqcow", cfg, ok)
	}
}

func TestGetChannelConfigCacheMissFallsThroughToDB(t *testing.T) {
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*[]byte)) = []byte(`{"login":"xqcow"}`)
				return nil
			}}
		},
	}
	s, mock := newTestStore(t, db)

	key := cache.Key(tableChannelConfigs, "xqcow")
	mock.ExpectGet(key).RedisNil()
	mock.Regexp().ExpectSet(key, `.*xqcow.*`, 5*time.Minute).SetVal("OK")

	cfg, ok, err := s.GetChannelConfig(context.Background(), "xqcow")
	if err != nil {
		t.Fatalf("GetChannelConfig() error = %v", err)
	}
	if !ok || cfg.Login != "xqcow" {
		t.Fatalf("GetChannelConfig() = %+v, %v, want login xqcow", cfg, ok)
	}
}

func TestGetChannelConfigNotFound(t *testing.T) {
	db := &mockDB{}
	s, mock := newTestStore(t, db)

	key := cache.Key(tableChannelConfigs, "nobody")
	mock.ExpectGet(key).RedisNil()

	_, ok, err := s.GetChannelConfig(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetChannelConfig() error = %v", err)
	}
	if ok {
		t.Fatal("GetChannelConfig() ok = true, want false for missing channel")
	}
}

func TestAcquireLeaseGrantedWhenVacant(t *testing.T) {
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*string)) = "replica-a"
				return nil
			}}
		},
	}
	s, _ := newTestStore(t, db)

	ok, err := s.AcquireLease(context.Background(), "replica-a", 120*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !ok {
		t.Fatal("AcquireLease() = false, want true for a vacant lease")
	}
}

func TestAcquireLeaseDeniedWhenHeldByAnother(t *testing.T) {
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	s, _ := newTestStore(t, db)

	ok, err := s.AcquireLease(context.Background(), "replica-b", 120*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if ok {
		t.Fatal("AcquireLease() = true, want false when WHERE clause excludes the row")
	}
}

func TestQueueSnapshotLoadAndDelete(t *testing.T) {
	deleted := false
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*[]byte)) = []byte(`{"channel":"xqcow","paused":true}`)
				return nil
			}}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			deleted = true
			return pgconn.CommandTag{}, nil
		},
	}
	s, _ := newTestStore(t, db)

	snap, ok, err := s.LoadAndDeleteQueueSnapshot(context.Background(), "xqcow")
	if err != nil {
		t.Fatalf("LoadAndDeleteQueueSnapshot() error = %v", err)
	}
	if !ok || !snap.Paused {
		t.Fatalf("LoadAndDeleteQueueSnapshot() = %+v, %v", snap, ok)
	}
	if !deleted {
		t.Fatal("LoadAndDeleteQueueSnapshot() did not delete the persisted row")
	}
}

func TestPruneStaleSecretVersionsReturnsRowsDeleted(t *testing.T) {
	var gotSQL string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return pgconn.NewCommandTag("DELETE 3"), nil
		},
	}
	s, _ := newTestStore(t, db)

	n, err := s.PruneStaleSecretVersions(context.Background(), 48*time.Hour)
	if err != nil {
		t.Fatalf("PruneStaleSecretVersions() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("PruneStaleSecretVersions() rows = %d, want 3", n)
	}
	if !strings.Contains(gotSQL, "version <> 'latest'") {
		t.Fatalf("PruneStaleSecretVersions() query = %q, want it to exclude the latest pointer", gotSQL)
	}
}
