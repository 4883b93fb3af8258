// Package cache provides a read/write-through cache for expensive external
// lookups, with TTL classes and single-flight deduplication that holds across
// process boundaries.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tripsmith-ai/tripsmith/internal/state"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// TTLClass selects how long an entry stays fresh.
type TTLClass string

const (
	// TTLVolatile is for data that goes stale quickly (weather forecasts).
	TTLVolatile TTLClass = "volatile"
	// TTLStandard is the default class for provider lookups.
	TTLStandard TTLClass = "standard"
	// TTLReference is for near-static reference data (geography, currencies).
	TTLReference TTLClass = "reference"
)

// TTLConfig holds the duration for each TTL class.
type TTLConfig struct {
	Volatile  time.Duration
	Standard  time.Duration
	Reference time.Duration
}

// DefaultTTLConfig returns the stock TTL class durations.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Volatile:  15 * time.Minute,
		Standard:  6 * time.Hour,
		Reference: 7 * 24 * time.Hour,
	}
}

// Duration returns the configured duration for a class.
func (c TTLConfig) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLVolatile:
		return c.Volatile
	case TTLReference:
		return c.Reference
	default:
		return c.Standard
	}
}

// Entry is one cached payload.
type Entry struct {
	// Key is the content hash the entry is stored under.
	Key string
	// AgentType is the agent whose lookup produced the payload.
	AgentType models.AgentType
	// Payload is the cached output.
	Payload map[string]any
	// TTLClass is the freshness class the entry was stored with.
	TTLClass TTLClass
	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time
	// CreatedAt is when the entry was written.
	CreatedAt time.Time
}

// Key derives the deterministic cache key for an agent invocation: a sha256
// over the agent type and the canonical JSON encoding of the normalized input.
// encoding/json emits map keys in sorted order, which makes the encoding
// canonical for string-keyed inputs.
func Key(agent models.AgentType, input map[string]any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal cache key input: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(agent))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Manager is the cache manager. Reads treat expired entries as misses and
// lazily evict them; writes stamp the expiry from the entry's TTL class.
type Manager struct {
	db   *state.DB
	ttls TTLConfig

	flights  *flightGroup
	leaseTTL time.Duration
	pollGap  time.Duration
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLeaseTTL overrides the distributed single-flight lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.leaseTTL = ttl }
}

// WithPollInterval overrides how often lease followers re-check the cache.
func WithPollInterval(gap time.Duration) Option {
	return func(m *Manager) { m.pollGap = gap }
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a cache manager over the shared engine database.
func NewManager(db *state.DB, ttls TTLConfig, opts ...Option) *Manager {
	m := &Manager{
		db:       db,
		ttls:     ttls,
		flights:  newFlightGroup(),
		leaseTTL: 30 * time.Second,
		pollGap:  50 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the entry for a key, or ok=false on a miss. An entry past its
// expiry is a miss; it is deleted on the way out.
func (m *Manager) Get(key string) (*Entry, bool, error) {
	row := m.db.QueryRow(`
		SELECT key, agent_type, payload, ttl_class, expires_at, created_at
		FROM cache_entries WHERE key = ?
	`, key)

	var (
		e         Entry
		agent     string
		payload   string
		class     string
		expiresAt string
		createdAt string
	)
	err := row.Scan(&e.Key, &agent, &payload, &class, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	e.AgentType = models.AgentType(agent)
	e.TTLClass = TTLClass(class)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, false, fmt.Errorf("decode cache payload: %w", err)
	}
	if e.ExpiresAt, err = state.ParseTime(expiresAt); err != nil {
		return nil, false, fmt.Errorf("parse cache expires_at: %w", err)
	}
	if e.CreatedAt, err = state.ParseTime(createdAt); err != nil {
		return nil, false, fmt.Errorf("parse cache created_at: %w", err)
	}

	if !m.now().Before(e.ExpiresAt) {
		// Lazy eviction; a failed delete just leaves the row for the next pass.
		_, _ = m.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}
	return &e, true, nil
}

// Put writes an entry through to the store, replacing any previous payload
// under the same key.
func (m *Manager) Put(key string, agent models.AgentType, payload map[string]any, class TTLClass) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}

	now := m.now()
	_, err = m.db.Exec(`
		INSERT INTO cache_entries (key, agent_type, payload, ttl_class, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			ttl_class = excluded.ttl_class,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, key, string(agent), string(data), string(class),
		state.FormatTime(now.Add(m.ttls.Duration(class))), state.FormatTime(now))
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// PurgeExpired deletes every expired entry. Returns the number deleted.
func (m *Manager) PurgeExpired() (int64, error) {
	result, err := m.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, state.FormatTime(m.now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
