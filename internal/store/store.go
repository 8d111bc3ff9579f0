// Package store implements the durable event log: a single SQLite table in
// WAL mode, shared by every process of the host application. Rows are
// appended by producers and consumed by the dispatch engine in delivery
// order, keyed by the autoincrement id.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/growingio/tracker-go/internal/errors"
	"github.com/growingio/tracker-go/internal/model"
)

// Store owns the events table. No other component reads or writes it.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the event database and initializes the schema.
// WAL mode plus a generous busy_timeout makes the table safe for concurrent
// writers from multiple processes.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate event db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		created    INTEGER NOT NULL,
		modified   INTEGER NOT NULL,
		data       BLOB NOT NULL,
		event_type TEXT NOT NULL,
		policy     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_policy ON events(policy, event_type, id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert appends one event row. A payload that is not well-formed JSON is
// the one intentional silent-loss path: it can never be repaired, so it is
// logged and dropped here rather than poisoning a batch later.
func (s *Store) Insert(evt *model.Event) error {
	if !json.Valid(evt.Payload) {
		err := errors.SerializationFailed(evt.Type, nil)
		s.logger.Warn("dropping event with malformed payload",
			zap.String("event_type", evt.Type),
			zap.String("policy", evt.Policy.String()))
		return err
	}
	now := time.Now().UnixMilli()
	created := evt.Timestamp
	if created == 0 {
		created = now
	}
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO events (created, modified, data, event_type, policy) VALUES (?, ?, ?, ?, ?)`,
			created, now, evt.Payload, evt.Type, int(evt.Policy),
		)
		return err
	})
}

// QueryBatch selects up to limit contiguous rows matching policy, constrained
// to the event-type tag of the oldest matching row so a batch never mixes
// tag-groups. It returns the selected rows and the highest scanned id, which
// becomes the DeleteUpTo boundary. Rows with a corrupted payload are deleted
// individually and skipped; they never block the batch.
func (s *Store) QueryBatch(policy model.SendPolicy, limit int) ([]model.StoredEvent, int64, error) {
	var tag string
	err := s.db.QueryRow(
		`SELECT event_type FROM events WHERE policy = ? ORDER BY id LIMIT 1`,
		int(policy),
	).Scan(&tag)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query batch tag: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, created, modified, data, event_type FROM events
		 WHERE policy = ? AND event_type = ? ORDER BY id LIMIT ?`,
		int(policy), tag, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query batch: %w", err)
	}
	defer rows.Close()

	var batch []model.StoredEvent
	var corrupt []int64
	var lastID int64
	for rows.Next() {
		var rec model.StoredEvent
		rec.Policy = policy
		if err := rows.Scan(&rec.ID, &rec.Created, &rec.Modified, &rec.Data, &rec.Type); err != nil {
			return nil, 0, fmt.Errorf("failed to scan batch row: %w", err)
		}
		lastID = rec.ID
		if !json.Valid(rec.Data) {
			corrupt = append(corrupt, rec.ID)
			continue
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read batch: %w", err)
	}

	for _, id := range corrupt {
		cid := id
		s.logger.Warn("removing corrupted event record", zap.Error(errors.CorruptedRecord(cid)))
		if err := retryOnContention(func() error {
			_, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, cid)
			return err
		}); err != nil {
			s.logger.Error("failed to remove corrupted record", zap.Int64("id", cid), zap.Error(err))
		}
	}

	return batch, lastID, nil
}

// DeleteUpTo deletes every row with id <= lastID matching policy and tag.
// It is the paired operation after a delivered (or permanently rejected)
// QueryBatch; the id boundary makes concurrent delivery attempts from other
// processes idempotent.
func (s *Store) DeleteUpTo(lastID int64, policy model.SendPolicy, tag string) (int64, error) {
	var deleted int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`DELETE FROM events WHERE id <= ? AND policy = ? AND event_type = ?`,
			lastID, int(policy), tag,
		)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered range: %w", err)
	}
	return deleted, nil
}

// PurgeOlderThan removes every row created before cutoff, regardless of
// delivery state. This bounds growth even when a tag is rejected forever.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(`DELETE FROM events WHERE created < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge overdue events: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged overdue events", zap.Int64("count", purged))
	}
	return purged, nil
}

// CountByPolicy returns the number of pending rows for one policy.
func (s *Store) CountByPolicy(policy model.SendPolicy) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE policy = ?`, int(policy)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
