package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrRideNotFound is returned for an unknown ride ID.
var ErrRideNotFound = errors.New("ride not found")

// RideStore defines persistence operations for rides.
//
// Update is a conditional write: the row is only touched when the ride's
// current status is one of expect; false means a concurrent actor won the
// race and the caller must treat it as a conflict. This is what keeps the
// accept/timeout/cancel races safe even across process restarts.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	Update(ctx context.Context, r *models.Ride, expect []lifecycle.Status) (bool, error)
	// ActiveFor returns the actor's ride in a non-terminal status, or nil.
	ActiveFor(ctx context.Context, actor models.Actor) (*models.Ride, error)
	// HistoryFor returns the actor's terminal rides, most recent first.
	HistoryFor(ctx context.Context, actor models.Actor) ([]*models.Ride, error)
	// StaleSearching returns rides stuck in searching since before cutoff;
	// the sweeper resolves them through the normal no-drivers path.
	StaleSearching(ctx context.Context, cutoff time.Time) ([]*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, r *models.Ride, expect []lifecycle.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return false, ErrRideNotFound
	}
	if !statusIn(cur.Status, expect) {
		return false, nil
	}
	r.UpdatedAt = time.Now()
	m.rides[r.ID] = *r
	return true, nil
}

func (m *MemoryStore) ActiveFor(_ context.Context, actor models.Actor) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if !matchesActor(r, actor) {
			continue
		}
		if !lifecycle.Terminal(lifecycle.Status(r.Status)) {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) HistoryFor(_ context.Context, actor models.Actor) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if matchesActor(r, actor) && lifecycle.Terminal(lifecycle.Status(r.Status)) {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) StaleSearching(_ context.Context, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if lifecycle.Status(r.Status) == lifecycle.StatusSearching && r.CreatedAt.Before(cutoff) {
			cp := r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func matchesActor(r models.Ride, actor models.Actor) bool {
	switch actor.Role {
	case models.RoleCustomer:
		return r.CustomerID == actor.ID
	case models.RoleDriver:
		return r.DriverID == actor.ID
	}
	return false
}

func statusIn(s string, set []lifecycle.Status) bool {
	for _, e := range set {
		if string(e) == s {
			return true
		}
	}
	return false
}
