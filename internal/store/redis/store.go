// Package redis stores the registry snapshot as a single Redis value.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/koltyakov/relayhub/internal/domain"
)

// DefaultPrefix namespaces relayhub keys.
const DefaultPrefix = "relayhub"

// kv is the subset of [goredis.UniversalClient] the store needs.
type kv interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
}

// Store keeps the encoded registry under "<prefix>:registry".
type Store struct {
	client kv
	closer func() error
	key    string
}

// NewClient creates a universal client from a redis:// URL. Plain host:port
// addresses are accepted too.
func NewClient(addr string) (goredis.UniversalClient, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("missing redis address")
	}
	if !strings.Contains(addr, "://") {
		addr = "redis://" + addr
	}
	opts, err := goredis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("cant parse redis url: %w", err)
	}
	return goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		TLSConfig:    opts.TLSConfig,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
	}), nil
}

// Open connects to addr and verifies the connection with PING.
func Open(ctx context.Context, addr, prefix string) (*Store, error) {
	client, err := NewClient(addr)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := New(client, prefix)
	s.closer = client.Close
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client goredis.UniversalClient, prefix string) *Store {
	return newStore(client, prefix)
}

func newStore(client kv, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, key: prefix + ":registry"}
}

// Close releases the client when the store opened it.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Load reads the registry snapshot. A missing key yields
// [domain.ErrSnapshotMissing].
func (s *Store) Load(ctx context.Context) (domain.Registry, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Registry{}, domain.ErrSnapshotMissing
	}
	if err != nil {
		return domain.Registry{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return domain.DecodeSnapshot(data)
}

// Save replaces the registry snapshot. The key never expires.
func (s *Store) Save(ctx context.Context, r domain.Registry) error {
	data, err := domain.EncodeSnapshot(r)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Init writes an empty snapshot. Without force an existing snapshot is kept.
func (s *Store) Init(ctx context.Context, force bool) (bool, error) {
	data, err := domain.EncodeSnapshot(domain.NewRegistry())
	if err != nil {
		return false, err
	}
	if force {
		if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
			return false, fmt.Errorf("redis set %s: %w", s.key, err)
		}
		return true, nil
	}
	created, err := s.client.SetNX(ctx, s.key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", s.key, err)
	}
	return created, nil
}
