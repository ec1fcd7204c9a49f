// Package storage provides the PostgreSQL-backed persistence layer for the
// swod trace collector daemon. It exposes typed model structs for the three
// database tables (sessions, packets, sync_frames) and a Store that wraps a
// pgxpool connection pool with a batched packet-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// Session maps to the `sessions` table: one row per trace source that has
// ever fed bytes through the ingest API.
type Session struct {
	SessionID     string     `json:"session_id"`
	SourceName    string     `json:"source_name"`
	StartedAt     time.Time  `json:"started_at"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	DaemonVersion string     `json:"daemon_version,omitempty"`
}

// Packet maps to the `packets` partitioned table. Detail carries the
// type-specific fields of record.Packet not promoted to their own column,
// as a JSONB blob that round-trips without modification.
type Packet struct {
	SessionID  string          `json:"session_id"`
	Seq        int64           `json:"seq"`
	PacketType string          `json:"packet_type"`
	Value      uint32          `json:"value"`
	Address    uint8           `json:"address,omitempty"`
	Payload    []byte          `json:"payload,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	DecodedAt  time.Time       `json:"decoded_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// SyncFrame maps to the `sync_frames` table: one row per ingested raw-byte
// chunk, attesting the byte range it covered and how many packets it
// decoded into. It lets an operator correlate a stored packet run back to
// the exact bytes the probe sent, without attempting any timestamp
// reconstruction across packets.
type SyncFrame struct {
	FrameID      string    `json:"frame_id"`
	SessionID    string    `json:"session_id"`
	ByteOffset   int64     `json:"byte_offset"`
	ByteLength   int       `json:"byte_length"`
	PacketCount  int       `json:"packet_count"`
	FirstSeq     int64     `json:"first_seq"`
	LastSeq      int64     `json:"last_seq"`
	ReceivedAt   time.Time `json:"received_at"`
}

// PacketQuery carries the filter and pagination parameters for QueryPackets.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when ≤ 0. An empty
// SessionID matches all sessions. An empty PacketType applies no type
// filter.
type PacketQuery struct {
	SessionID  string
	PacketType string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
