package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/relayhub/internal/domain"
)

// memStore keeps the encoded snapshot in memory so every load returns a
// fresh copy, the same way the persistent backends behave.
type memStore struct {
	mu      sync.Mutex
	data    []byte
	loadErr error
	saveErr error
	saves   int
}

func newMemStore(t *testing.T) *memStore {
	t.Helper()
	data, err := domain.EncodeSnapshot(domain.NewRegistry())
	require.NoError(t, err)
	return &memStore{data: data}
}

func (m *memStore) Load(context.Context) (domain.Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.Registry{}, m.loadErr
	}
	if m.data == nil {
		return domain.Registry{}, domain.ErrSnapshotMissing
	}
	return domain.DecodeSnapshot(m.data)
}

func (m *memStore) Save(_ context.Context, r domain.Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := domain.EncodeSnapshot(r)
	if err != nil {
		return err
	}
	m.data = data
	m.saves++
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(unix int64) *fakeClock {
	return &fakeClock{now: time.Unix(unix, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(unix int64) {
	c.mu.Lock()
	c.now = time.Unix(unix, 0)
	c.mu.Unlock()
}

func newTestService(t *testing.T, at int64) (*Service, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore(t)
	clock := newFakeClock(at)
	return New(store, Options{Now: clock.Now}), store, clock
}

func TestRegisterTwiceKeepsFirstRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)

	rec, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, domain.ServerRecord{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5", LastActive: 1000}, rec)

	clock.Set(1005)
	_, err = svc.Register(ctx, "alpha", "other", "pubB", "10.0.0.6")
	require.ErrorIs(t, err, domain.ErrAlreadyRegistered)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec, snap.Servers["alpha"])
	assert.Len(t, snap.Servers, 1)
}

func TestReputationIsAdditive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t, 1000)
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	deltas := []int64{5, -2, -10, 4, 0, -1}
	var sum, got int64
	for _, d := range deltas {
		sum += d
		got, err = svc.AdjustReputation(ctx, "alpha", d)
		require.NoError(t, err)
		assert.Equal(t, sum, got)
	}
	assert.Equal(t, int64(-4), got)
}

func TestAssignmentDeliveredExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	_, err = svc.SelectServer(ctx, "srv1", "pubClientX")
	require.NoError(t, err)

	clock.Set(1010)
	out, err := svc.Heartbeat(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatOutcome{Status: domain.HeartbeatAssignmentDelivered, ClientPublicKey: "pubClientX"}, out)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.PendingAssignments)
	assert.Equal(t, int64(1000), snap.Servers["alpha"].LastActive, "delivery must not refresh liveness")

	clock.Set(1020)
	out, err = svc.Heartbeat(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatLivenessRecorded, out.Status)
	assert.Empty(t, out.ClientPublicKey)
}

func TestHeartbeatRefreshesLastActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	clock.Set(1025)
	out, err := svc.Heartbeat(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, out.Assigned())

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1025), snap.Servers["alpha"].LastActive)

	// A clock that stepped backwards never moves LastActive back.
	clock.Set(1010)
	_, err = svc.Heartbeat(ctx, "alpha")
	require.NoError(t, err)
	snap, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1025), snap.Servers["alpha"].LastActive)
}

func TestActiveServersWindowIsInclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	cases := []struct {
		at   int64
		want int
	}{
		{990, 1}, // lastActive in the future counts as fresh
		{1000, 1},
		{1010, 1},
		{1030, 1},
		{1031, 0},
		{1032, 0},
	}
	for _, tc := range cases {
		clock.Set(tc.at)
		got, err := svc.ActiveServers(ctx)
		require.NoError(t, err)
		assert.Len(t, got, tc.want, "now=%d", tc.at)
	}
}

func TestActiveServersCustomWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore(t)
	clock := newFakeClock(1000)
	svc := New(store, Options{Now: clock.Now, LivenessWindow: 90 * time.Second})
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	clock.Set(1090)
	got, err := svc.ActiveServers(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	clock.Set(1091)
	got, err = svc.ActiveServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestActiveServersOrderedAndReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, _ := newTestService(t, 1000)
	for _, r := range []struct {
		id   domain.Identity
		name string
	}{{"k3", "gamma"}, {"k1", "alpha"}, {"k2", "alpha"}, {"k0", "beta"}} {
		_, err := svc.Register(ctx, r.id, r.name, "pub-"+string(r.id), "addr-"+string(r.id))
		require.NoError(t, err)
	}
	saves := store.saves

	got, err := svc.ActiveServers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"pub-k1", "pub-k2", "pub-k0", "pub-k3"},
		[]string{got[0].PublicKey, got[1].PublicKey, got[2].PublicKey, got[3].PublicKey})
	assert.Equal(t, saves, store.saves, "query must not persist")
}

func TestUnknownTargetsFailWithoutMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, _ := newTestService(t, 1000)
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)
	before := string(store.data)
	saves := store.saves

	_, err = svc.SelectServer(ctx, "ghost", "pubY")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.AdjustReputation(ctx, "nobody", 3)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Heartbeat(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, before, string(store.data))
	assert.Equal(t, saves, store.saves)
}

func TestSelectServerLastWriterWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t, 1000)
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	_, err = svc.SelectServer(ctx, "srv1", "first")
	require.NoError(t, err)
	_, err = svc.SelectServer(ctx, "srv1", "second")
	require.NoError(t, err)

	out, err := svc.Heartbeat(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "second", out.ClientPublicKey)
}

func TestSelectServerPrefersMostRecentlyActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)
	_, err := svc.Register(ctx, "k_b", "shared", "pubB", "10.0.0.2")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "k_a", "shared", "pubA", "10.0.0.1")
	require.NoError(t, err)

	// Equal LastActive: smallest identity wins.
	ep, err := svc.SelectServer(ctx, "shared", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.Endpoint{PublicKey: "pubA", Address: "10.0.0.1"}, ep)

	// k_a consumes the assignment; k_b then heartbeats later and becomes newest.
	_, err = svc.Heartbeat(ctx, "k_a")
	require.NoError(t, err)
	clock.Set(1010)
	_, err = svc.Heartbeat(ctx, "k_b")
	require.NoError(t, err)

	for range 3 {
		ep, err = svc.SelectServer(ctx, "shared", "c2")
		require.NoError(t, err)
		assert.Equal(t, "pubB", ep.PublicKey)
	}
}

func TestAssignmentGoesToSelectedIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)
	_, err := svc.Register(ctx, "k_a", "srv", "pubA", "10.0.0.1")
	require.NoError(t, err)
	clock.Set(1000 + 3600)
	_, err = svc.Register(ctx, "k_b", "srv", "pubB", "10.0.0.2")
	require.NoError(t, err)

	ep, err := svc.SelectServer(ctx, "srv", "client")
	require.NoError(t, err)
	assert.Equal(t, domain.Endpoint{PublicKey: "pubB", Address: "10.0.0.2"}, ep)

	// The stale relay keeps heartbeating but never sees the client.
	out, err := svc.Heartbeat(ctx, "k_a")
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatOutcome{Status: domain.HeartbeatLivenessRecorded}, out)

	// k_a is now the most recent, yet the assignment stays with k_b.
	clock.Set(1000 + 3610)
	_, err = svc.Heartbeat(ctx, "k_a")
	require.NoError(t, err)

	out, err = svc.Heartbeat(ctx, "k_b")
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatOutcome{Status: domain.HeartbeatAssignmentDelivered, ClientPublicKey: "client"}, out)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.PendingAssignments)
	assert.Empty(t, snap.AssignedTo)
}

func TestEvictDropsAssignmentOfEvictedOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)
	_, err := svc.Register(ctx, "k_a", "srv", "pubA", "10.0.0.1")
	require.NoError(t, err)
	_, err = svc.SelectServer(ctx, "srv", "client")
	require.NoError(t, err)

	clock.Set(1000 + 7200)
	_, err = svc.Register(ctx, "k_b", "srv", "pubB", "10.0.0.2")
	require.NoError(t, err)

	n, err := svc.Evict(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err := svc.Heartbeat(ctx, "k_b")
	require.NoError(t, err)
	assert.False(t, out.Assigned())

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.PendingAssignments)
	assert.Empty(t, snap.AssignedTo)
}

func TestMissingSnapshotIsStoreUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	svc := New(store, Options{})

	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.ErrorIs(t, err, domain.ErrSnapshotMissing)
	assert.Nil(t, store.data, "registry must not initialize the store implicitly")

	_, err = svc.ActiveServers(ctx)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	_, err = svc.Heartbeat(ctx, "alpha")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestSaveFailureIsStoreUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, _ := newTestService(t, 1000)
	store.saveErr = errors.New("disk full")

	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, domain.CodeStoreUnavailable, domain.ErrorCode(err))

	store.saveErr = nil
	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Servers)
}

func TestEvictRemovesIdleRecordsAndOrphanedAssignments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)
	_, err := svc.Register(ctx, "old", "stale", "pubO", "10.0.0.1")
	require.NoError(t, err)
	_, err = svc.SelectServer(ctx, "stale", "client")
	require.NoError(t, err)

	clock.Set(5000)
	_, err = svc.Register(ctx, "new", "fresh", "pubN", "10.0.0.2")
	require.NoError(t, err)

	_, err = svc.Evict(ctx, 10*time.Second)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	n, err := svc.Evict(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Servers, domain.Identity("new"))
	assert.NotContains(t, snap.Servers, domain.Identity("old"))
	assert.Empty(t, snap.PendingAssignments)

	n, err = svc.Evict(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentOperationsDoNotLoseUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t, 1000)
	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AdjustReputation(ctx, "alpha", 1)
			assert.NoError(t, err)
			_, err = svc.ActiveServers(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), snap.Servers["alpha"].Reputation)
}

func TestScenarioWalkthrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clock := newTestService(t, 1000)

	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)

	clock.Set(1010)
	active, err := svc.ActiveServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ActiveServer{{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5"}}, active)

	clock.Set(1032)
	active, err = svc.ActiveServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	ep, err := svc.SelectServer(ctx, "srv1", "pubClientX")
	require.NoError(t, err)
	assert.Equal(t, domain.Endpoint{PublicKey: "pubA", Address: "10.0.0.5"}, ep)
	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"srv1": "pubClientX"}, snap.PendingAssignments)

	out, err := svc.Heartbeat(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "pubClientX", out.ClientPublicKey)
	snap, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.PendingAssignments)
	assert.Equal(t, int64(1000), snap.Servers["alpha"].LastActive)

	_, err = svc.AdjustReputation(ctx, "alpha", 5)
	require.NoError(t, err)
	score, err := svc.AdjustReputation(ctx, "alpha", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), score)

	_, err = svc.SelectServer(ctx, "ghost", "pubY")
	require.ErrorIs(t, err, domain.ErrNotFound)
	snap, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.PendingAssignments)
}

func TestMetricsCountResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc := New(newMemStore(t), Options{Metrics: metrics})

	_, err := svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "alpha", "srv1", "pubA", "10.0.0.5")
	require.Error(t, err)
	_, err = svc.SelectServer(ctx, "srv1", "c")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("register", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("register", domain.CodeAlreadyRegistered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.servers))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pending))
}
