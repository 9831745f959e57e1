package bus

import (
	"context"
	"os"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	"github.com/ttsrelay/core/pkg/types"
)

func TestPublish(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	b := New(rdb, "replica-a")

	env := types.BusEnvelope{Channel: "xqcow", TimestampMs: 1000}
	mock.Regexp().ExpectPublish(Topic, `.*"channel":"xqcow".*`).SetVal(1)

	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestSubscribeRoundTrip requires a live Redis instance; it is skipped by
// default since redismock does not model Pub/Sub message delivery.
func TestSubscribeRoundTrip(t *testing.T) {
	addr := os.Getenv("TTSRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TTSRELAY_TEST_REDIS_ADDR not set — skipping Redis integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	b := New(rdb, "replica-b")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan types.BusEnvelope, 1)
	go func() {
		_ = b.Subscribe(ctx, func(env types.BusEnvelope) {
			received <- env
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if err := b.Publish(context.Background(), types.BusEnvelope{Channel: "xqcow"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case env := <-received:
		if env.Channel != "xqcow" {
			t.Errorf("Channel = %q, want xqcow", env.Channel)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for envelope")
	}
}
