package cache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripsmith-ai/tripsmith/internal/state"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// flight is one in-process computation that concurrent callers share.
type flight struct {
	done    chan struct{}
	payload map[string]any
	hit     bool
	err     error
}

// flightGroup deduplicates concurrent in-process callers per key.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flight)}
}

// join returns the flight for a key and whether the caller is its leader.
func (g *flightGroup) join(key string) (*flight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	g.flights[key] = f
	return f, true
}

// finish publishes the result to waiters and retires the flight.
func (g *flightGroup) finish(key string, f *flight, payload map[string]any, hit bool, err error) {
	f.payload = payload
	f.hit = hit
	f.err = err
	g.mu.Lock()
	delete(g.flights, key)
	g.mu.Unlock()
	close(f.done)
}

// ComputeFunc produces a payload when the cache has no fresh entry.
type ComputeFunc func(ctx context.Context) (map[string]any, error)

// WithSingleFlight returns the cached payload for a key, or computes and
// caches it. Concurrent callers on a cold key, across goroutines and across
// processes, trigger exactly one underlying computation; the rest wait and
// read the cached result. The second return reports whether the payload came
// from the cache rather than this caller's own computation.
//
// If the cache backend is unavailable the computation runs directly and the
// result is returned uncached; external lookups keep working without it.
func (m *Manager) WithSingleFlight(ctx context.Context, key string, agent models.AgentType, class TTLClass, compute ComputeFunc) (map[string]any, bool, error) {
	entry, ok, err := m.Get(key)
	if err != nil {
		log.Printf("[cache] backend unavailable, bypassing cache for %s: %v", agent, err)
		payload, cerr := compute(ctx)
		return payload, false, cerr
	}
	if ok {
		return entry.Payload, true, nil
	}

	f, leader := m.flights.join(key)
	if !leader {
		select {
		case <-f.done:
			return f.payload, f.hit, f.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	payload, hit, err := m.computeUnderLease(ctx, key, agent, class, compute)
	m.flights.finish(key, f, payload, hit, err)
	return payload, hit, err
}

// computeUnderLease holds the cross-process lease while computing. Followers
// in other processes poll the cache until the leader publishes, falling back
// to contending for the lease again if it expires without a result.
func (m *Manager) computeUnderLease(ctx context.Context, key string, agent models.AgentType, class TTLClass, compute ComputeFunc) (map[string]any, bool, error) {
	owner := uuid.New().String()

	for {
		acquired, err := m.acquireLease(key, owner)
		if err != nil {
			log.Printf("[cache] lease unavailable, bypassing single-flight for %s: %v", agent, err)
			payload, cerr := compute(ctx)
			return payload, false, cerr
		}

		if acquired {
			defer m.releaseLease(key, owner)

			// Another process may have published while we contended.
			if entry, ok, err := m.Get(key); err == nil && ok {
				return entry.Payload, true, nil
			}

			payload, err := compute(ctx)
			if err != nil {
				return nil, false, err
			}
			if err := m.Put(key, agent, payload, class); err != nil {
				log.Printf("[cache] write-through failed for %s: %v", agent, err)
			}
			return payload, false, nil
		}

		// Some other process holds the lease. Wait for its result.
		payload, ok, err := m.awaitResult(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return payload, true, nil
		}
		// Lease expired without a published entry; contend again.
	}
}

// awaitResult polls the cache until an entry appears or the lease for the key
// lapses. Returns ok=false when the lease expired with no entry published.
func (m *Manager) awaitResult(ctx context.Context, key string) (map[string]any, bool, error) {
	ticker := time.NewTicker(m.pollGap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}

		entry, ok, err := m.Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("poll cache: %w", err)
		}
		if ok {
			return entry.Payload, true, nil
		}

		held, err := m.leaseHeld(key)
		if err != nil {
			return nil, false, err
		}
		if !held {
			return nil, false, nil
		}
	}
}

// acquireLease takes the key's lease if it is free or expired.
func (m *Manager) acquireLease(key, owner string) (bool, error) {
	result, err := m.db.Exec(`
		INSERT INTO cache_leases (key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE cache_leases.expires_at <= ?
	`, key, owner, state.FormatTime(m.now().Add(m.leaseTTL)), state.FormatTime(m.now()))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected == 1, nil
}

// releaseLease drops the lease if this owner still holds it.
func (m *Manager) releaseLease(key, owner string) {
	if _, err := m.db.Exec(`DELETE FROM cache_leases WHERE key = ? AND owner = ?`, key, owner); err != nil {
		log.Printf("[cache] release lease for %s: %v", key, err)
	}
}

// leaseHeld reports whether an unexpired lease exists for the key.
func (m *Manager) leaseHeld(key string) (bool, error) {
	row := m.db.QueryRow(`
		SELECT COUNT(*) FROM cache_leases WHERE key = ? AND expires_at > ?
	`, key, state.FormatTime(m.now()))

	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return count > 0, nil
}
