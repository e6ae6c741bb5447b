// Package hubtest starts an in-process relayhub server backed by a temporary
// SQLite database for tests of its HTTP consumers.
package hubtest

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/relayhub/internal/auth"
	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/registry"
	"github.com/koltyakov/relayhub/internal/server"
	"github.com/koltyakov/relayhub/internal/store/sqlite"
)

const (
	Pepper     = "hubtest-pepper"
	AdminToken = "hubtest-admin"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Hub is a running test server.
type Hub struct {
	URL      string
	HTTP     *httptest.Server
	Store    *sqlite.Store
	Registry *registry.Service
	Clock    *Clock
}

// New starts a server with an initialized registry. Everything is torn down
// through t.Cleanup.
func New(t testing.TB, mutate ...func(*config.ServerConfig)) *Hub {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "relayhub.db"))
	require.NoError(t, err)
	_, err = store.Init(ctx, false)
	require.NoError(t, err)

	cfg := config.ServerConfig{
		TLSMode:        config.TLSOff,
		AdminToken:     AdminToken,
		LivenessWindow: domain.DefaultLivenessWindow,
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   64 * 1024,
		SelectRate:     100,
		SelectBurst:    100,
	}
	cfg.APIKeyPepper = Pepper
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &Clock{t: time.Unix(1_700_000_000, 0)}
	svc := registry.New(store, registry.Options{Now: clock.Now, LivenessWindow: cfg.LivenessWindow})
	srv := server.New(cfg, svc, store, slog.New(slog.DiscardHandler), prometheus.NewRegistry())
	ts := httptest.NewServer(srv.Handler())

	// Cleanups run LIFO: stop HTTP before closing the database.
	t.Cleanup(func() { _ = store.Close() })
	t.Cleanup(ts.Close)

	return &Hub{URL: ts.URL, HTTP: ts, Store: store, Registry: svc, Clock: clock}
}

// NewAPIKey provisions a key and returns the plaintext and its identity.
func (h *Hub) NewAPIKey(t testing.TB, name string) (string, domain.Identity) {
	t.Helper()
	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	k, err := h.Store.CreateAPIKey(context.Background(), name, auth.HashAPIKey(key, Pepper))
	require.NoError(t, err)
	return key, domain.Identity(k.ID)
}
