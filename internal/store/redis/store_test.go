package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/relayhub/internal/domain"
)

type fakeKV struct {
	values map[string]string
	err    error
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: map[string]string{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *goredis.StringCmd {
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) *goredis.StatusCmd {
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeKV) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *goredis.BoolCmd {
	if f.err != nil {
		return goredis.NewBoolResult(false, f.err)
	}
	if _, ok := f.values[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.values[key] = string(value.([]byte))
	return goredis.NewBoolResult(true, nil)
}

func TestLoadMissingKey(t *testing.T) {
	t.Parallel()
	s := newStore(newFakeKV(), "")

	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrSnapshotMissing)
	assert.Equal(t, "relayhub:registry", s.key)
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := newFakeKV()
	s := newStore(kv, "test")

	r := domain.NewRegistry()
	r.Servers["k_1"] = domain.ServerRecord{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5", LastActive: 1000}
	r.PendingAssignments["srv1"] = "pubClientX"
	require.NoError(t, s.Save(ctx, r))
	assert.Contains(t, kv.values, "test:registry")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestInitKeepsExistingSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(newFakeKV(), "")

	created, err := s.Init(ctx, false)
	require.NoError(t, err)
	assert.True(t, created)

	r := domain.NewRegistry()
	r.Servers["k_1"] = domain.ServerRecord{Name: "srv1"}
	require.NoError(t, s.Save(ctx, r))

	created, err = s.Init(ctx, false)
	require.NoError(t, err)
	assert.False(t, created)
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Servers, 1)

	created, err = s.Init(ctx, true)
	require.NoError(t, err)
	assert.True(t, created)
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Servers)
}

func TestBackendErrorsAreReturned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := newFakeKV()
	kv.err = errors.New("connection refused")
	s := newStore(kv, "")

	_, err := s.Load(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSnapshotMissing)
	require.Error(t, s.Save(ctx, domain.NewRegistry()))
}

func TestNewClientRejectsEmptyAddress(t *testing.T) {
	t.Parallel()
	_, err := NewClient("  ")
	require.Error(t, err)

	c, err := NewClient("localhost:6379")
	require.NoError(t, err)
	_ = c.Close()
}

func TestLiveRedis(t *testing.T) {
	addr := os.Getenv("RELAYHUB_TEST_REDIS_URL")
	if addr == "" {
		t.Skip("RELAYHUB_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, addr, "relayhub-test")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Init(ctx, true)
	require.NoError(t, err)
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Servers)
}
