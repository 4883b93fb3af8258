package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripsmith-ai/tripsmith/internal/state"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

func testManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewManager(db, DefaultTTLConfig(), opts...)
}

func TestKeyIsDeterministic(t *testing.T) {
	a, err := Key(models.AgentWeather, map[string]any{"destination": "Kyoto", "days": 3})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	b, err := Key(models.AgentWeather, map[string]any{"days": 3, "destination": "Kyoto"})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if a != b {
		t.Errorf("key should be independent of map insertion order: %s vs %s", a, b)
	}

	c, _ := Key(models.AgentBudget, map[string]any{"destination": "Kyoto", "days": 3})
	if a == c {
		t.Error("different agent types must produce different keys")
	}

	d, _ := Key(models.AgentWeather, map[string]any{"destination": "Osaka", "days": 3})
	if a == d {
		t.Error("different inputs must produce different keys")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	m := testManager(t)

	key, _ := Key(models.AgentWeather, map[string]any{"destination": "Kyoto"})
	payload := map[string]any{"forecast": "rain", "high_c": 18.5}
	if err := m.Put(key, models.AgentWeather, payload, TTLVolatile); err != nil {
		t.Fatalf("put: %v", err)
	}

	entry, ok, err := m.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if entry.AgentType != models.AgentWeather || entry.TTLClass != TTLVolatile {
		t.Errorf("entry metadata mismatch: %+v", entry)
	}
	if entry.Payload["forecast"] != "rain" {
		t.Errorf("payload mismatch: %v", entry.Payload)
	}
}

func TestGetMissesUnknownKey(t *testing.T) {
	m := testManager(t)
	_, ok, err := m.Get("no-such-key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown key")
	}
}

func TestExpiredEntryIsMissAndEvicted(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex
	m := testManager(t, withClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *clock
	}))

	key, _ := Key(models.AgentWeather, map[string]any{"destination": "Kyoto"})
	if err := m.Put(key, models.AgentWeather, map[string]any{"forecast": "sun"}, TTLVolatile); err != nil {
		t.Fatalf("put: %v", err)
	}

	mu.Lock()
	later := now.Add(DefaultTTLConfig().Volatile + time.Minute)
	clock = &later
	mu.Unlock()

	_, ok, err := m.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expired entry should be a miss")
	}

	// The expired row was deleted, so a direct count sees nothing.
	row := m.db.QueryRow(`SELECT COUNT(*) FROM cache_entries WHERE key = ?`, key)
	var count int
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected lazy eviction to delete the row, found %d", count)
	}
}

func TestPurgeExpired(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex
	m := testManager(t, withClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *clock
	}))

	if err := m.Put("fresh", models.AgentBudget, map[string]any{}, TTLReference); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Put("stale", models.AgentWeather, map[string]any{}, TTLVolatile); err != nil {
		t.Fatalf("put: %v", err)
	}

	mu.Lock()
	later := now.Add(DefaultTTLConfig().Volatile + time.Minute)
	clock = &later
	mu.Unlock()

	count, err := m.PurgeExpired()
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 purged entry, got %d", count)
	}
	if _, ok, _ := m.Get("fresh"); !ok {
		t.Error("fresh entry should survive purge")
	}
}

func TestSingleFlightDeduplicatesConcurrentCallers(t *testing.T) {
	m := testManager(t, WithPollInterval(5*time.Millisecond))

	key, _ := Key(models.AgentAccommodation, map[string]any{"destination": "Kyoto"})
	var calls atomic.Int64

	compute := func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"hotel": "Gion Inn"}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]map[string]any, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = m.WithSingleFlight(context.Background(), key, models.AgentAccommodation, TTLStandard, compute)
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 underlying invocation, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i]["hotel"] != "Gion Inn" {
			t.Errorf("caller %d saw wrong payload: %v", i, results[i])
		}
	}

	// The result was written through.
	if _, ok, _ := m.Get(key); !ok {
		t.Error("expected write-through after compute")
	}
}

func TestSingleFlightServesWarmCache(t *testing.T) {
	m := testManager(t)

	key, _ := Key(models.AgentTransport, map[string]any{"from": "Tokyo"})
	if err := m.Put(key, models.AgentTransport, map[string]any{"mode": "shinkansen"}, TTLStandard); err != nil {
		t.Fatalf("put: %v", err)
	}

	payload, hit, err := m.WithSingleFlight(context.Background(), key, models.AgentTransport, TTLStandard,
		func(ctx context.Context) (map[string]any, error) {
			t.Error("compute should not run on a warm cache")
			return nil, nil
		})
	if err != nil {
		t.Fatalf("single flight: %v", err)
	}
	if !hit {
		t.Error("expected cache hit")
	}
	if payload["mode"] != "shinkansen" {
		t.Errorf("wrong payload: %v", payload)
	}
}

func TestSingleFlightPropagatesComputeError(t *testing.T) {
	m := testManager(t)

	wantErr := errors.New("provider down")
	key, _ := Key(models.AgentActivity, map[string]any{"destination": "Kyoto"})

	_, hit, err := m.WithSingleFlight(context.Background(), key, models.AgentActivity, TTLStandard,
		func(ctx context.Context) (map[string]any, error) {
			return nil, wantErr
		})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected compute error to propagate, got %v", err)
	}
	if hit {
		t.Error("error result must not be reported as a hit")
	}

	// Errors are never cached.
	if _, ok, _ := m.Get(key); ok {
		t.Error("failed compute must not leave a cache entry")
	}

	// The lease was released, so a retry computes again.
	payload, _, err := m.WithSingleFlight(context.Background(), key, models.AgentActivity, TTLStandard,
		func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
	if err != nil {
		t.Fatalf("retry after failed compute: %v", err)
	}
	if payload["ok"] != true {
		t.Errorf("retry payload wrong: %v", payload)
	}
}

func TestLeaseAcquireAndExpiry(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex
	m := testManager(t,
		WithLeaseTTL(time.Second),
		withClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return *clock
		}))

	ok, err := m.acquireLease("k", "owner-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = m.acquireLease("k", "owner-b")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Error("held lease must not be stolen")
	}

	mu.Lock()
	later := now.Add(2 * time.Second)
	clock = &later
	mu.Unlock()

	ok, err = m.acquireLease("k", "owner-b")
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !ok {
		t.Error("expired lease should be claimable")
	}

	held, err := m.leaseHeld("k")
	if err != nil {
		t.Fatalf("lease held: %v", err)
	}
	if !held {
		t.Error("fresh lease should register as held")
	}

	m.releaseLease("k", "owner-b")
	held, _ = m.leaseHeld("k")
	if held {
		t.Error("released lease should not register as held")
	}
}

func TestContextCancelledWhileWaiting(t *testing.T) {
	m := testManager(t, WithPollInterval(5*time.Millisecond))

	key, _ := Key(models.AgentLocation, map[string]any{"destination": "Kyoto"})

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = m.WithSingleFlight(context.Background(), key, models.AgentLocation, TTLStandard,
			func(ctx context.Context) (map[string]any, error) {
				close(started)
				<-release
				return map[string]any{}, nil
			})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := m.WithSingleFlight(ctx, key, models.AgentLocation, TTLStandard,
		func(ctx context.Context) (map[string]any, error) {
			return map[string]any{}, nil
		})
	close(release)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled for waiting caller, got %v", err)
	}
}
