// Package offline provides the durable SQLite-backed retry queue for records
// that could not be delivered to the remote store. Records survive process
// restarts; a drain loop retries them until they succeed or exhaust their
// retry budget and move to the dead-letter table.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the drain loop can
// read pending rows while the dispatch path enqueues new failures. SQLite
// still allows only one writer at a time, so the pool is limited to a single
// connection and every call serialises through it.
//
// # Retry ordering
//
// DequeueBatch orders rows by (retry_count ASC, id ASC): fresh failures are
// retried before chronic ones, and within the same retry count the oldest row
// goes first. Failed drains increment retry_count, so a poisoned record drifts
// to the back of the line until it crosses the budget and is dead-lettered.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Record is one queued upsert payload.
type Record struct {
	ID         int64
	ProducerID string
	FilePath   string
	Payload    map[string]any
	RetryCount int
	CreatedAt  time.Time
	LastError  string
}

// DeadLetter is a record that exhausted its retry budget.
type DeadLetter struct {
	ID         int64
	ProducerID string
	FilePath   string
	Payload    map[string]any
	RetryCount int
	FailedAt   time.Time
	LastError  string
}

// Stats summarises queue state for the operator surface.
type Stats struct {
	Pending     int            `json:"pending"`
	DeadLetters int            `json:"dead_letters"`
	MaxSize     int            `json:"max_size"`
	Utilisation float64        `json:"utilisation"`
	ByPC        map[string]int `json:"by_pc"`
}

// Queue is the durable offline queue. It is safe for concurrent use.
type Queue struct {
	db         *sql.DB
	maxSize    int
	maxRetries int
}

const ddl = `
CREATE TABLE IF NOT EXISTS pending (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    producer_id TEXT    NOT NULL,
    file_path   TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    last_error  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_retry
    ON pending (retry_count, id);
CREATE INDEX IF NOT EXISTS idx_pending_producer
    ON pending (producer_id);

CREATE TABLE IF NOT EXISTS dead_letter (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    producer_id TEXT    NOT NULL,
    file_path   TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    retry_count INTEGER NOT NULL,
    failed_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    last_error  TEXT    NOT NULL DEFAULT ''
);
`

// Open opens (or creates) the queue database at path. Parent directories are
// created as needed. If path is ":memory:" an in-memory database is used;
// suitable for tests, gone on Close.
func Open(path string, maxSize, maxRetries int) (*Queue, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("offline: create queue dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("offline: open %q: %w", path, err)
	}

	// Single writer; serialise every call through one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("offline: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offline: apply schema: %w", err)
	}

	return &Queue{db: db, maxSize: maxSize, maxRetries: maxRetries}, nil
}

// Enqueue persists a payload for later delivery. When the pending table is at
// MaxSize, the oldest rows (by created_at, then id) are evicted to make room;
// the number of evicted rows is returned so the caller can log the loss.
func (q *Queue) Enqueue(ctx context.Context, producerID, filePath string, payload map[string]any, lastError string) (evicted int64, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("offline: marshal payload: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("offline: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&count); err != nil {
		return 0, fmt.Errorf("offline: count pending: %w", err)
	}

	if q.maxSize > 0 && count >= q.maxSize {
		overflow := count - q.maxSize + 1
		res, err := tx.ExecContext(ctx,
			`DELETE FROM pending WHERE id IN (
			     SELECT id FROM pending ORDER BY created_at, id LIMIT ?)`,
			overflow)
		if err != nil {
			return 0, fmt.Errorf("offline: evict oldest: %w", err)
		}
		evicted, _ = res.RowsAffected()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending (producer_id, file_path, payload, last_error)
		 VALUES (?, ?, ?, ?)`,
		producerID, filePath, string(body), lastError)
	if err != nil {
		return 0, fmt.Errorf("offline: enqueue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("offline: commit enqueue: %w", err)
	}
	return evicted, nil
}

// DequeueBatch returns up to n pending records ordered by
// (retry_count ASC, id ASC). Rows are not removed; call MarkCompleted or
// MarkFailed per record after the delivery attempt.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, producer_id, file_path, payload, retry_count, created_at, last_error
		 FROM   pending
		 ORDER  BY retry_count, id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("offline: dequeue query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			body      string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.ProducerID, &rec.FilePath, &body,
			&rec.RetryCount, &createdAt, &rec.LastError); err != nil {
			return nil, fmt.Errorf("offline: dequeue scan: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		// A malformed payload yields a nil map so one bad row cannot wedge
		// the drain loop; the row will fail delivery and dead-letter out.
		if err := json.Unmarshal([]byte(body), &rec.Payload); err != nil {
			rec.Payload = nil
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offline: dequeue rows: %w", err)
	}
	return records, nil
}

// MarkCompleted removes a delivered record from the pending table.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id); err != nil {
		return fmt.Errorf("offline: mark completed %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. When the record has already
// burned all but its last retry, it is moved to the dead-letter table inside
// one transaction and moved=true is returned; otherwise the retry count is
// incremented in place.
func (q *Queue) MarkFailed(ctx context.Context, id int64, lastError string) (moved bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("offline: begin mark failed: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx, `SELECT retry_count FROM pending WHERE id = ?`, id).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("offline: read retry count %d: %w", id, err)
	}

	if retryCount >= q.maxRetries-1 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dead_letter (producer_id, file_path, payload, retry_count, last_error)
			 SELECT producer_id, file_path, payload, retry_count + 1, ?
			 FROM   pending WHERE id = ?`,
			lastError, id)
		if err != nil {
			return false, fmt.Errorf("offline: dead-letter %d: %w", id, err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("offline: remove dead-lettered %d: %w", id, err)
		}
		moved = true
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE pending SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
			lastError, id)
		if err != nil {
			return false, fmt.Errorf("offline: mark failed %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("offline: commit mark failed: %w", err)
	}
	return moved, nil
}

// Count returns the number of pending records.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&n); err != nil {
		return 0, fmt.Errorf("offline: count pending: %w", err)
	}
	return n, nil
}

// DeadLetterCount returns the number of dead-lettered records.
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter`).Scan(&n); err != nil {
		return 0, fmt.Errorf("offline: count dead letters: %w", err)
	}
	return n, nil
}

// DeadLetters returns up to n dead-lettered records, most recent first.
func (q *Queue) DeadLetters(ctx context.Context, n int) ([]DeadLetter, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, producer_id, file_path, payload, retry_count, failed_at, last_error
		 FROM   dead_letter
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("offline: dead-letter query: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			body     string
			failedAt string
		)
		if err := rows.Scan(&dl.ID, &dl.ProducerID, &dl.FilePath, &body,
			&dl.RetryCount, &failedAt, &dl.LastError); err != nil {
			return nil, fmt.Errorf("offline: dead-letter scan: %w", err)
		}
		dl.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		if err := json.Unmarshal([]byte(body), &dl.Payload); err != nil {
			dl.Payload = nil
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offline: dead-letter rows: %w", err)
	}
	return letters, nil
}

// RetryDeadLetter moves a dead-lettered record back to the pending table with
// a reset retry count. It returns false when no dead letter has that id.
func (q *Queue) RetryDeadLetter(ctx context.Context, id int64) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("offline: begin retry dead letter: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO pending (producer_id, file_path, payload, retry_count, last_error)
		 SELECT producer_id, file_path, payload, 0, last_error
		 FROM   dead_letter WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("offline: re-enqueue dead letter %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("offline: remove retried dead letter %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("offline: commit retry dead letter: %w", err)
	}
	return true, nil
}

// Stats returns queue counters including a per-producer pending breakdown.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	s := Stats{MaxSize: q.maxSize, ByPC: make(map[string]int)}

	var err error
	if s.Pending, err = q.Count(ctx); err != nil {
		return Stats{}, err
	}
	if s.DeadLetters, err = q.DeadLetterCount(ctx); err != nil {
		return Stats{}, err
	}
	if q.maxSize > 0 {
		s.Utilisation = float64(s.Pending) / float64(q.maxSize)
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT producer_id, COUNT(*) FROM pending GROUP BY producer_id`)
	if err != nil {
		return Stats{}, fmt.Errorf("offline: per-producer counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return Stats{}, fmt.Errorf("offline: per-producer scan: %w", err)
		}
		s.ByPC[id] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("offline: per-producer rows: %w", err)
	}
	return s, nil
}

// Close closes the underlying database. The queue must not be used after
// Close returns.
func (q *Queue) Close() error {
	return q.db.Close()
}
