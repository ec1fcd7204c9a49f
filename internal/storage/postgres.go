package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/swodecode/internal/record"
)

const (
	// DefaultBatchSize is the maximum number of packet rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending packets even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for swod.
//
// Packet ingestion is batched: callers enqueue individual Packet values via
// BatchInsertPackets, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. Session and sync-frame operations are
// executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Packet
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Packet, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// packets, and closes the connection pool. It is safe to call Close more
// than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertPackets enqueues p for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertPackets(ctx context.Context, p Packet) error {
	s.mu.Lock()
	s.batch = append(s.batch, p)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// PacketFromRecord converts a decoded record.Packet into the storage Packet
// shape, folding the type-specific DWT/extension fields into a single JSONB
// detail blob.
func PacketFromRecord(p record.Packet, receivedAt time.Time) Packet {
	detail := map[string]any{}
	if p.Relation != 0 {
		detail["relation"] = p.Relation
	}
	if p.Clkch {
		detail["clkch"] = true
	}
	if p.Wrap {
		detail["wrap"] = true
	}
	if p.Source != 0 {
		detail["source"] = p.Source
	}
	if p.CPIWrap || p.ExcWrap || p.SleepWrap || p.LSUWrap || p.FoldWrap || p.CycWrap {
		detail["cpi_wrap"] = p.CPIWrap
		detail["exc_wrap"] = p.ExcWrap
		detail["sleep_wrap"] = p.SleepWrap
		detail["lsu_wrap"] = p.LSUWrap
		detail["fold_wrap"] = p.FoldWrap
		detail["cyc_wrap"] = p.CycWrap
	}
	if p.Exception != 0 || p.Function != 0 {
		detail["exception"] = p.Exception
		detail["function"] = p.Function
	}
	if p.SleepSample || p.PC != 0 {
		detail["sleep_sample"] = p.SleepSample
		detail["pc"] = p.PC
	}
	if p.Cmpn != 0 || p.Offset != 0 || p.WNR || p.Data != 0 {
		detail["cmpn"] = p.Cmpn
		detail["offset"] = p.Offset
		detail["wnr"] = p.WNR
		detail["data"] = p.Data
	}

	var raw []byte
	if len(detail) > 0 {
		raw, _ = json.Marshal(detail)
	}

	return Packet{
		SessionID:  p.SessionID,
		Seq:        p.Seq,
		PacketType: p.Type,
		Value:      p.Value,
		Address:    p.Address,
		Payload:    p.Payload,
		Detail:     raw,
		DecodedAt:  p.DecodedAt,
		ReceivedAt: receivedAt,
	}
}

// Flush drains the current packet buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent replay support, e.g. a re-shipped queue
// batch after a crash).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Packet, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO packets
			(session_id, seq, packet_type, value, address, payload, detail, decoded_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, seq, received_at) DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		p := &toInsert[i]
		detail := []byte(p.Detail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			p.SessionID, p.Seq, p.PacketType, p.Value, p.Address,
			p.Payload, detail, p.DecodedAt, p.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec packet: %w", err)
		}
	}
	return nil
}

// QueryPackets returns paginated packets that fall within [q.From, q.To) on
// the received_at column. The time-range constraint enables PostgreSQL
// partition pruning so only the relevant partitions are scanned.
//
// Results are ordered by received_at ASC, seq ASC.
func (s *Store) QueryPackets(ctx context.Context, q PacketQuery) ([]Packet, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.SessionID != "" {
		where += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, q.SessionID)
		argIdx++
	}
	if q.PacketType != "" {
		where += fmt.Sprintf(" AND packet_type = $%d", argIdx)
		args = append(args, q.PacketType)
	}

	sql := fmt.Sprintf(`
		SELECT session_id, seq, packet_type, value, address, payload, detail, decoded_at, received_at
		FROM   packets
		%s
		ORDER  BY received_at, seq
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()

	var packets []Packet
	for rows.Next() {
		var p Packet
		var detail []byte
		err := rows.Scan(
			&p.SessionID, &p.Seq, &p.PacketType, &p.Value, &p.Address,
			&p.Payload, &detail, &p.DecodedAt, &p.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		p.Detail = detail
		packets = append(packets, p)
	}
	return packets, rows.Err()
}

// --- Session CRUD ---

// UpsertSession inserts a new session or, on session_id conflict, updates
// last_seen_at and daemon_version.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, source_name, started_at, last_seen_at, daemon_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			last_seen_at   = EXCLUDED.last_seen_at,
			daemon_version = EXCLUDED.daemon_version`,
		sess.SessionID, sess.SourceName, sess.StartedAt, sess.LastSeenAt, sess.DaemonVersion,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given ID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, source_name, started_at, last_seen_at, daemon_version
		FROM   sessions
		WHERE  session_id = $1`, sessionID,
	).Scan(&sess.SessionID, &sess.SourceName, &sess.StartedAt, &sess.LastSeenAt, &sess.DaemonVersion)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// ListSessions returns all known sessions ordered by started_at descending.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, source_name, started_at, last_seen_at, daemon_version
		FROM   sessions
		ORDER  BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.SessionID, &sess.SourceName, &sess.StartedAt, &sess.LastSeenAt, &sess.DaemonVersion); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- SyncFrame operations ---

// InsertSyncFrame persists a single raw-byte-range attestation row.
func (s *Store) InsertSyncFrame(ctx context.Context, f SyncFrame) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_frames
			(frame_id, session_id, byte_offset, byte_length, packet_count, first_seq, last_seq, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.FrameID, f.SessionID, f.ByteOffset, f.ByteLength, f.PacketCount, f.FirstSeq, f.LastSeq, f.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sync frame: %w", err)
	}
	return nil
}

// ListSyncFrames returns all sync frames for sessionID ordered by
// byte_offset ascending.
func (s *Store) ListSyncFrames(ctx context.Context, sessionID string) ([]SyncFrame, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT frame_id, session_id, byte_offset, byte_length, packet_count, first_seq, last_seq, received_at
		FROM   sync_frames
		WHERE  session_id = $1
		ORDER  BY byte_offset`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list sync frames: %w", err)
	}
	defer rows.Close()

	var frames []SyncFrame
	for rows.Next() {
		var f SyncFrame
		err := rows.Scan(&f.FrameID, &f.SessionID, &f.ByteOffset, &f.ByteLength,
			&f.PacketCount, &f.FirstSeq, &f.LastSeq, &f.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("scan sync frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
