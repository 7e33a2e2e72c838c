package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"medtrace/internal/infra/persistence/memory"
	"medtrace/pkg/domain"
)

func redisOptions(t *testing.T) Options {
	t.Helper()
	addr := os.Getenv("MEDTRACE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDTRACE_TEST_REDIS_ADDR not set; skipping redis store test")
	}
	return Options{Addr: addr, Key: "medtrace:test:" + time.Now().Format("150405.000000000")}
}

func TestRedisStorePersistAndReload(t *testing.T) {
	opts := redisOptions(t)
	ctx := context.Background()
	store, err := NewStore(ctx, opts, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = store.client.Del(context.Background(), store.Key()).Err()
		_ = store.Close()
	})

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.SetOwner("owner"); err != nil {
			return err
		}
		seq := tx.NextSequence()
		_, err := tx.PutDevice(domain.Device{
			ID:      77,
			Owner:   "maker",
			Status:  domain.StatusManufactured,
			History: domain.NewHistory(domain.HistoryEntry{Status: domain.StatusManufactured, Sequence: seq}),
		})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	boom := errors.New("boom")
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tx.NextSequence()
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	reloaded, err := NewStore(ctx, opts, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	snap := reloaded.ExportState()
	if snap.Owner != "owner" || snap.Sequence != 1 || len(snap.Devices) != 1 {
		t.Fatalf("unexpected reloaded snapshot %+v", snap)
	}
}

func TestNewClientParsesURLAndAddr(t *testing.T) {
	client, err := NewClient(Options{Addr: "redis://:secret@cache.internal:6380/2"})
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if got := client.Options().Addr; got != "cache.internal:6380" {
		t.Fatalf("unexpected addr %q", got)
	}
	if client.Options().DB != 2 || client.Options().Password != "secret" {
		t.Fatalf("url options not applied: %+v", client.Options())
	}
	_ = client.Close()

	client, err = NewClient(Options{})
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if got := client.Options().Addr; got != "localhost:6379" {
		t.Fatalf("expected default addr, got %q", got)
	}
	_ = client.Close()

	if _, err := NewClient(Options{Addr: "http://bad"}); err == nil {
		t.Fatalf("expected invalid scheme error")
	}
}

func TestRedisStoreWriteFailureLeavesMemoryUntouched(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	store := &Store{Store: memory.NewStore(domain.NewRulesEngine()), client: client, key: DefaultKey}
	t.Cleanup(func() { _ = store.Close() })

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		seq := tx.NextSequence()
		_, err := tx.PutDevice(domain.Device{
			ID:      42,
			Owner:   "maker",
			Status:  domain.StatusManufactured,
			History: domain.NewHistory(domain.HistoryEntry{Status: domain.StatusManufactured, Sequence: seq}),
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected write to an unreachable server to fail")
	}
	snap := store.ExportState()
	if snap.Sequence != 0 || len(snap.Devices) != 0 {
		t.Fatalf("failed write leaked into memory: %+v", snap)
	}
}
