// Package redis persists the registry ledger into a single Redis hash.
package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"medtrace/internal/infra/persistence/memory"
	"medtrace/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultKey is the hash key used when NewStore receives an empty key.
const DefaultKey = "medtrace:ledger"

// Store keeps the ledger in memory and mirrors every committed snapshot into
// one Redis hash, one field per bucket, written inside MULTI/EXEC.
type Store struct {
	*memory.Store
	client goredis.UniversalClient
	key    string
}

// Options configures the connection. Addr accepts either host:port or a
// redis:// URL.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewClient builds a go-redis client from opts.
func NewClient(opts Options) (*goredis.Client, error) {
	if strings.Contains(opts.Addr, "://") {
		parsed, err := goredis.ParseURL(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		return goredis.NewClient(parsed), nil
	}
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	return goredis.NewClient(&goredis.Options{Addr: addr, Password: opts.Password, DB: opts.DB}), nil
}

// NewStore connects to Redis and hydrates the in-memory store from the hash.
func NewStore(ctx context.Context, opts Options, engine *domain.RulesEngine) (*Store, error) {
	client, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	store, err := NewStoreWithClient(ctx, client, opts.Key, engine)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(ctx context.Context, client goredis.UniversalClient, key string, engine *domain.RulesEngine) (*Store, error) {
	if key == "" {
		key = DefaultKey
	}
	s := &Store{Store: memory.NewStore(engine), client: client, key: key}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("load %s: %w", s.key, err)
	}
	raw := make(map[string][]byte, len(fields))
	for k, v := range fields {
		raw[k] = []byte(v)
	}
	snapshot, found, err := memory.DecodeBuckets(raw)
	if err != nil {
		return err
	}
	if found {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, snapshot domain.Snapshot) error {
	buckets, err := memory.EncodeBuckets(snapshot)
	if err != nil {
		return err
	}
	values := make([]any, 0, 2*len(buckets))
	for _, name := range memory.Buckets {
		values = append(values, name, buckets[name])
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist %s: %w", s.key, err)
	}
	return nil
}

// RunInTransaction applies fn within a transaction and mirrors the candidate
// state to Redis before it becomes visible.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	persistCtx := context.WithoutCancel(ctx)
	return s.Store.RunInTransactionWithCommit(ctx, fn, func(snapshot domain.Snapshot) error {
		return s.persist(persistCtx, snapshot)
	})
}

// Key returns the hash key holding the ledger.
func (s *Store) Key() string { return s.key }

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }
