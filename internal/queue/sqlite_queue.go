// Package queue provides a WAL-mode SQLite-backed durable buffer for decoded
// SWO packets awaiting shipment to the central collector. It adds Dequeue
// and Ack operations on top of a plain Enqueue so the edge daemon gets
// at-least-once delivery across a collector outage.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. The ingest path's
// decode callback calls Enqueue while a separate collector-shipping
// goroutine calls Dequeue and Ack; the pool is limited to one connection,
// so these calls take turns on it rather than running in parallel.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the packet is returned again by the next
// Dequeue call after restart, ensuring every packet eventually reaches the
// collector even when the uplink is temporarily unavailable.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tripwire/swodecode/internal/record"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed durable packet queue. It is safe
// for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	// This gives a significant write-throughput improvement over FULL while
	// still guaranteeing that a committed transaction survives a process exit.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM packet_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS packet_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT    NOT NULL,
    seq          INTEGER NOT NULL,
    packet_type  TEXT    NOT NULL,
    decoded_at   TEXT    NOT NULL,
    packet       TEXT    NOT NULL,
    enqueued_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_packet_queue_pending
    ON packet_queue (delivered, id);
`

// Enqueue persists p to the SQLite database. The row is stored with
// delivered = 0 and is included in subsequent Dequeue results until Ack is
// called for its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, p record.Packet) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("queue: marshal packet: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO packet_queue (session_id, seq, packet_type, decoded_at, packet)
		 VALUES (?, ?, ?, ?, ?)`,
		p.SessionID,
		p.Seq,
		p.Type,
		p.DecodedAt.UTC().Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingPacket is an unacknowledged queued packet returned by Dequeue.
// ID is the database primary key used to acknowledge the packet via Ack.
type PendingPacket struct {
	ID  int64
	Pkt record.Packet
}

// Dequeue returns up to n unacknowledged packets in insertion order (oldest
// first). It does not mark rows as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingPacket, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, packet
		 FROM   packet_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var packets []PendingPacket
	for rows.Next() {
		var (
			pp   PendingPacket
			body string
		)
		if err := rows.Scan(&pp.ID, &body); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &pp.Pkt); err != nil {
			// A malformed row is skipped rather than aborting the whole
			// dequeue; Ack is never called for it so it stays pending and
			// visible to operators inspecting the database directly.
			continue
		}
		packets = append(packets, pp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return packets, nil
}

// Ack marks the rows identified by ids as delivered. Acknowledged rows are
// excluded from subsequent Dequeue results. Ack is idempotent: calling it
// multiple times with the same IDs is safe.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE packet_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) packets. It reads
// from an atomic counter updated by Enqueue and Ack, so it never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
