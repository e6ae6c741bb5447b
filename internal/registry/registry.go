// Package registry implements the relay registry state machine: registration,
// reputation, heartbeats with client assignment hand-off, server selection,
// and the active directory query.
//
// Every operation runs under a single mutex and performs a full
// load-mutate-save cycle of the [domain.Registry] snapshot through a [Store].
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koltyakov/relayhub/internal/domain"
)

// Store loads and saves the whole registry aggregate.
//
// Load must return an error wrapping [domain.ErrSnapshotMissing] when no
// snapshot was ever written; it must never substitute an empty registry.
type Store interface {
	Load(ctx context.Context) (domain.Registry, error)
	Save(ctx context.Context, r domain.Registry) error
}

// Options tune a [Service]. Zero values pick defaults.
type Options struct {
	// Now is the wall-clock source; defaults to time.Now.
	Now func() time.Time
	// LivenessWindow defaults to [domain.DefaultLivenessWindow].
	LivenessWindow time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

// Service is the registry. It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	store   Store
	now     func() time.Time
	window  int64
	log     *slog.Logger
	metrics *Metrics
}

// New builds a Service over store.
func New(store Store, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	window := opts.LivenessWindow
	if window <= 0 {
		window = domain.DefaultLivenessWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:   store,
		now:     now,
		window:  int64(window / time.Second),
		log:     logger,
		metrics: opts.Metrics,
	}
}

// LivenessWindow returns the configured window.
func (s *Service) LivenessWindow() time.Duration {
	return time.Duration(s.window) * time.Second
}

// Register creates the record for id. A second registration of the same
// identity fails with [domain.ErrAlreadyRegistered] and changes nothing.
func (s *Service) Register(ctx context.Context, id domain.Identity, name, publicKey, address string) (rec domain.ServerRecord, err error) {
	defer func() { s.metrics.observe("register", err) }()

	err = s.update(ctx, func(r *domain.Registry, now int64) (bool, error) {
		if _, ok := r.Servers[id]; ok {
			return false, &domain.RegistryError{Op: "register", Identity: id, Err: domain.ErrAlreadyRegistered}
		}
		rec = domain.ServerRecord{
			Name:       name,
			PublicKey:  publicKey,
			Address:    address,
			LastActive: now,
		}
		r.Servers[id] = rec
		return true, nil
	})
	if err != nil {
		return domain.ServerRecord{}, err
	}
	s.log.Info("server registered", "identity", id, "name", name, "address", address)
	return rec, nil
}

// AdjustReputation adds delta to the reputation of id and returns the new
// score. There is no clamping.
func (s *Service) AdjustReputation(ctx context.Context, id domain.Identity, delta int64) (score int64, err error) {
	defer func() { s.metrics.observe("reputation", err) }()

	err = s.update(ctx, func(r *domain.Registry, _ int64) (bool, error) {
		rec, ok := r.Servers[id]
		if !ok {
			return false, &domain.RegistryError{Op: "update reputation", Identity: id, Err: domain.ErrNotFound}
		}
		rec.Reputation += delta
		r.Servers[id] = rec
		score = rec.Reputation
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("reputation updated", "identity", id, "delta", delta, "reputation", score)
	return score, nil
}

// Heartbeat processes a liveness signal from id. If a client assignment is
// pending under the server's name for this identity it is removed and
// returned, and LastActive stays frozen. Otherwise LastActive is refreshed.
func (s *Service) Heartbeat(ctx context.Context, id domain.Identity) (out domain.HeartbeatOutcome, err error) {
	defer func() { s.metrics.observe("heartbeat", err) }()

	err = s.update(ctx, func(r *domain.Registry, now int64) (bool, error) {
		rec, ok := r.Servers[id]
		if !ok {
			return false, &domain.RegistryError{Op: "heartbeat", Identity: id, Err: domain.ErrNotFound}
		}
		if clientKey, ok := r.PendingAssignments[rec.Name]; ok && assignee(r, rec.Name) == id {
			delete(r.PendingAssignments, rec.Name)
			delete(r.AssignedTo, rec.Name)
			out = domain.HeartbeatOutcome{Status: domain.HeartbeatAssignmentDelivered, ClientPublicKey: clientKey}
			return true, nil
		}
		if now > rec.LastActive {
			rec.LastActive = now
		}
		r.Servers[id] = rec
		out = domain.HeartbeatOutcome{Status: domain.HeartbeatLivenessRecorded}
		return true, nil
	})
	if err != nil {
		return domain.HeartbeatOutcome{}, err
	}
	if out.Assigned() {
		s.log.Info("client assignment delivered", "identity", id)
	}
	return out, nil
}

// SelectServer matches a client to the relay registered under name and
// queues clientPublicKey for that relay's next heartbeat. An unconsumed
// assignment for the same name is overwritten. The relay endpoint is
// returned right away, before the relay has picked up the assignment.
//
// When several identities registered the same name, the most recently
// active one wins; ties go to the lexicographically smallest identity.
func (s *Service) SelectServer(ctx context.Context, name, clientPublicKey string) (ep domain.Endpoint, err error) {
	defer func() { s.metrics.observe("select", err) }()

	err = s.update(ctx, func(r *domain.Registry, _ int64) (bool, error) {
		id, ok := pickByName(r.Servers, name)
		if !ok {
			return false, &domain.RegistryError{Op: "select", Name: name, Err: domain.ErrNotFound}
		}
		rec := r.Servers[id]
		if prev, queued := r.PendingAssignments[name]; queued && prev != clientPublicKey {
			s.log.Warn("overwriting unconsumed client assignment", "name", name)
		}
		r.PendingAssignments[name] = clientPublicKey
		r.AssignedTo[name] = id
		ep = domain.Endpoint{PublicKey: rec.PublicKey, Address: rec.Address}
		return true, nil
	})
	if err != nil {
		return domain.Endpoint{}, err
	}
	return ep, nil
}

// ActiveServers lists records whose last heartbeat is within the liveness
// window (inclusive), ordered by name then identity. It never writes.
func (s *Service) ActiveServers(ctx context.Context) (out []domain.ActiveServer, err error) {
	defer func() { s.metrics.observe("active", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()

	ids := make([]domain.Identity, 0, len(r.Servers))
	for id, rec := range r.Servers {
		if age(now, rec.LastActive) <= s.window {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b domain.Identity) int {
		return cmp.Or(cmp.Compare(r.Servers[a].Name, r.Servers[b].Name), cmp.Compare(a, b))
	})

	out = make([]domain.ActiveServer, 0, len(ids))
	for _, id := range ids {
		rec := r.Servers[id]
		out = append(out, domain.ActiveServer{
			Name:       rec.Name,
			PublicKey:  rec.PublicKey,
			Address:    rec.Address,
			Reputation: rec.Reputation,
		})
	}
	return out, nil
}

// Evict removes records idle for longer than olderThan, together with
// pending assignments whose name no longer has any record. olderThan may not
// be shorter than the liveness window.
func (s *Service) Evict(ctx context.Context, olderThan time.Duration) (evicted int, err error) {
	defer func() { s.metrics.observe("evict", err) }()

	if olderThan < s.LivenessWindow() {
		return 0, &domain.RegistryError{Op: "evict", Err: fmt.Errorf("%w: retention %s is shorter than liveness window %s", domain.ErrInvalidArgument, olderThan, s.LivenessWindow())}
	}
	cutoff := int64(olderThan / time.Second)

	err = s.update(ctx, func(r *domain.Registry, now int64) (bool, error) {
		for id, rec := range r.Servers {
			if age(now, rec.LastActive) > cutoff {
				delete(r.Servers, id)
				evicted++
			}
		}
		// An assignment whose chosen relay is gone cannot be delivered to
		// anyone else: the client already holds that relay's endpoint.
		orphaned := 0
		for name := range r.PendingAssignments {
			if rec, ok := r.Servers[assignee(r, name)]; !ok || rec.Name != name {
				delete(r.PendingAssignments, name)
				delete(r.AssignedTo, name)
				orphaned++
			}
		}
		return evicted > 0 || orphaned > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		s.log.Info("evicted idle servers", "count", evicted, "older_than", olderThan.String())
	}
	return evicted, nil
}

// Snapshot returns a copy of the current registry for inspection.
func (s *Service) Snapshot(ctx context.Context) (domain.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(ctx)
	if err != nil {
		return domain.Registry{}, err
	}
	return r.Clone(), nil
}

// update runs fn against a freshly loaded snapshot under the service lock
// and saves the result when fn reports a change.
func (s *Service) update(ctx context.Context, fn func(r *domain.Registry, now int64) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(&r, s.now().Unix())
	if err != nil || !changed {
		return err
	}
	if err := s.store.Save(ctx, r); err != nil {
		s.log.Error("registry save failed", "err", err)
		return storeUnavailable("save", err)
	}
	s.metrics.setSizes(r)
	return nil
}

func (s *Service) load(ctx context.Context) (domain.Registry, error) {
	r, err := s.store.Load(ctx)
	if err != nil {
		s.log.Error("registry load failed", "err", err)
		return domain.Registry{}, storeUnavailable("load", err)
	}
	if r.Servers == nil || r.PendingAssignments == nil || r.AssignedTo == nil {
		r = r.Clone()
	}
	s.metrics.setSizes(r)
	return r, nil
}

func storeUnavailable(op string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return &domain.RegistryError{Op: op + " snapshot", Err: errors.Join(domain.ErrStoreUnavailable, err)}
}

func pickByName(servers map[domain.Identity]domain.ServerRecord, name string) (domain.Identity, bool) {
	var (
		best  domain.Identity
		found bool
	)
	for id, rec := range servers {
		if rec.Name != name {
			continue
		}
		if !found {
			best, found = id, true
			continue
		}
		cur := servers[best]
		if rec.LastActive > cur.LastActive || (rec.LastActive == cur.LastActive && id < best) {
			best = id
		}
	}
	return best, found
}

// assignee is the identity a pending assignment for name belongs to.
// Entries without a recorded owner fall back to the selection tie-break.
func assignee(r *domain.Registry, name string) domain.Identity {
	if id, ok := r.AssignedTo[name]; ok {
		return id
	}
	id, _ := pickByName(r.Servers, name)
	return id
}

// age is now-lastActive, with future timestamps counting as zero.
func age(now, lastActive int64) int64 {
	if now <= lastActive {
		return 0
	}
	return now - lastActive
}
