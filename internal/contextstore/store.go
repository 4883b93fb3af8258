// Package contextstore persists shared planning context with an eventually
// consistent similarity index. Writes land in the record table and an outbox
// row atomically; a background reconciler drains the outbox into the vector
// index, so searches may briefly lag the latest write.
package contextstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripsmith-ai/tripsmith/internal/state"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("context record not found")

// Record is one piece of shared planning context.
type Record struct {
	// ID is the record's unique identifier.
	ID string
	// Scope partitions records, typically by plan ID.
	Scope string
	// ContentType labels the payload (preference, constraint, finding).
	ContentType string
	// Payload is the structured content.
	Payload map[string]any
	// SourceRunID is the run that wrote the record, if any.
	SourceRunID string
	// Searchable marks the record for inclusion in the similarity index.
	Searchable bool
	// CreatedAt is when the record was first written.
	CreatedAt time.Time
	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time
}

// SearchResult is one similarity search match.
type SearchResult struct {
	// Record is the matched record as currently stored.
	Record *Record
	// Score is the cosine similarity against the query, in [-1, 1].
	Score float64
	// Stale is true when the indexed vector predates the record's latest
	// write, so the score was computed against older content.
	Stale bool
}

// Store is the context store.
type Store struct {
	db       *state.DB
	embedder EmbeddingProvider

	interval    time.Duration
	maxAttempts int

	mu      sync.Mutex
	stop    chan struct{}
	stopped sync.WaitGroup
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithReconcileInterval sets how often the background reconciler drains the outbox.
func WithReconcileInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.interval = d }
}

// WithMaxIndexAttempts sets how many times an outbox row is retried before it
// is dropped with a log line.
func WithMaxIndexAttempts(n int) StoreOption {
	return func(s *Store) { s.maxAttempts = n }
}

// NewStore creates a context store over the shared engine database.
func NewStore(db *state.DB, embedder EmbeddingProvider, opts ...StoreOption) *Store {
	s := &Store{
		db:          db,
		embedder:    embedder,
		interval:    2 * time.Second,
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert writes a record. The record row and, for searchable records, an
// outbox row are committed in one transaction, so the index either catches up
// or the lag is visible in the outbox; a write is never silently unindexed.
func (s *Store) Upsert(rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode context payload: %w", err)
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	return s.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO context_records (id, scope, content_type, payload, source_run_id, searchable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				scope = excluded.scope,
				content_type = excluded.content_type,
				payload = excluded.payload,
				source_run_id = excluded.source_run_id,
				searchable = excluded.searchable,
				updated_at = excluded.updated_at
		`, rec.ID, rec.Scope, rec.ContentType, string(payload), nullString(rec.SourceRunID),
			boolToInt(rec.Searchable), state.FormatTime(rec.CreatedAt), state.FormatTime(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert context record: %w", err)
		}

		if !rec.Searchable {
			return nil
		}
		_, err = tx.Exec(`
			INSERT INTO context_outbox (record_id, attempts, enqueued_at)
			VALUES (?, 0, ?)
		`, rec.ID, state.FormatTime(now))
		if err != nil {
			return fmt.Errorf("enqueue index update: %w", err)
		}
		return nil
	})
}

// Get fetches a record by ID.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, scope, content_type, payload, source_run_id, searchable, created_at, updated_at
		FROM context_records WHERE id = ?
	`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListScope returns every record in a scope, newest first. Reads always hit
// the record table, so they see the latest write regardless of index lag.
func (s *Store) ListScope(scope string) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, scope, content_type, payload, source_run_id, searchable, created_at, updated_at
		FROM context_records WHERE scope = ?
		ORDER BY updated_at DESC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list scope: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scope: %w", err)
	}
	return recs, nil
}

// Search ranks indexed records in a scope by cosine similarity against the
// query text and returns the top limit matches. Results reflect the state of
// the index, which may lag recent writes; lagging matches are flagged Stale.
func (s *Store) Search(scope, query string, limit int) ([]*SearchResult, error) {
	queryVec, err := s.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT v.record_id, v.embedding, v.updated_at, r.updated_at
		FROM context_vectors v
		JOIN context_records r ON r.id = v.record_id
		WHERE v.scope = ?
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	type match struct {
		id    string
		score float64
		stale bool
	}
	var matches []match
	for rows.Next() {
		var (
			id        string
			embedding string
			indexedAt string
			recordAt  string
		)
		if err := rows.Scan(&id, &embedding, &indexedAt, &recordAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal([]byte(embedding), &vec); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		indexed, err := state.ParseTime(indexedAt)
		if err != nil {
			return nil, fmt.Errorf("parse vector updated_at: %w", err)
		}
		written, err := state.ParseTime(recordAt)
		if err != nil {
			return nil, fmt.Errorf("parse record updated_at: %w", err)
		}
		matches = append(matches, match{
			id:    id,
			score: cosine(queryVec, vec),
			stale: indexed.Before(written),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]*SearchResult, 0, len(matches))
	for _, m := range matches {
		rec, err := s.Get(m.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, &SearchResult{Record: rec, Score: m.score, Stale: m.stale})
	}
	return results, nil
}

// PendingIndexUpdates returns the number of outbox rows awaiting reconciliation.
func (s *Store) PendingIndexUpdates() (int64, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM context_outbox`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return count, nil
}

// Reconcile drains the outbox once: each pending record is re-read, embedded,
// and upserted into the vector index. Returns how many rows were indexed.
// A row that keeps failing past the attempt cap is dropped with a log line
// rather than wedging the queue.
func (s *Store) Reconcile() (int, error) {
	rows, err := s.db.Query(`
		SELECT id, record_id, attempts FROM context_outbox ORDER BY id
	`)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}

	type pending struct {
		outboxID int64
		recordID string
		attempts int
	}
	var queue []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.outboxID, &p.recordID, &p.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox: %w", err)
		}
		queue = append(queue, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate outbox: %w", err)
	}
	rows.Close()

	indexed := 0
	for _, p := range queue {
		if err := s.indexRecord(p.recordID); err != nil {
			if p.attempts+1 >= s.maxAttempts {
				log.Printf("[context] dropping index update for %s after %d attempts: %v", p.recordID, p.attempts+1, err)
				_, _ = s.db.Exec(`DELETE FROM context_outbox WHERE id = ?`, p.outboxID)
				continue
			}
			_, _ = s.db.Exec(`UPDATE context_outbox SET attempts = attempts + 1 WHERE id = ?`, p.outboxID)
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM context_outbox WHERE id = ?`, p.outboxID); err != nil {
			return indexed, fmt.Errorf("dequeue outbox row: %w", err)
		}
		indexed++
	}
	return indexed, nil
}

// indexRecord embeds the record's current payload and upserts the vector row.
// A record deleted or flipped unsearchable since enqueueing just drops out of
// the index.
func (s *Store) indexRecord(recordID string) error {
	rec, err := s.Get(recordID)
	if errors.Is(err, ErrNotFound) {
		_, _ = s.db.Exec(`DELETE FROM context_vectors WHERE record_id = ?`, recordID)
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Searchable {
		_, _ = s.db.Exec(`DELETE FROM context_vectors WHERE record_id = ?`, recordID)
		return nil
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload for indexing: %w", err)
	}
	vec, err := s.embedder.Embed(rec.ContentType + " " + string(payload))
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}
	embedding, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO context_vectors (record_id, scope, embedding, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			scope = excluded.scope,
			embedding = excluded.embedding,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Scope, string(embedding), string(payload), state.FormatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// StartReconciler launches the background reconciliation loop.
func (s *Store) StartReconciler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped.Add(1)

	go func() {
		defer s.stopped.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.Reconcile(); err != nil {
					log.Printf("[context] reconcile: %v", err)
				}
			}
		}
	}()
}

// StopReconciler stops the background loop and waits for it to exit.
func (s *Store) StopReconciler() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()
	s.stopped.Wait()
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		rec         Record
		payload     string
		sourceRunID sql.NullString
		searchable  int
		createdAt   string
		updatedAt   string
	)
	err := scan(&rec.ID, &rec.Scope, &rec.ContentType, &payload, &sourceRunID, &searchable, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode context payload: %w", err)
	}
	rec.SourceRunID = sourceRunID.String
	rec.Searchable = searchable != 0
	if rec.CreatedAt, err = state.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse context created_at: %w", err)
	}
	if rec.UpdatedAt, err = state.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse context updated_at: %w", err)
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
