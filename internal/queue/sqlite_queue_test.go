package queue_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/swodecode/internal/queue"
	"github.com/tripwire/swodecode/internal/record"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// makePacket returns a minimal record.Packet for use in tests.
func makePacket(sessionID string, seq int64, typ string) record.Packet {
	return record.Packet{
		SessionID: sessionID,
		Seq:       seq,
		DecodedAt: time.Now().UTC().Truncate(time.Millisecond),
		Type:      typ,
		Size:      2,
		Value:     42,
	}
}

// openMemQueue opens an in-memory SQLiteQueue and registers t.Cleanup to
// close it, ensuring the database is closed even when tests fail.
func openMemQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := queue.New(path)
	if err != nil {
		t.Fatalf("queue.New(%q): %v", path, err)
	}
	_ = q.Close()
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

func TestEnqueue_IncreasesDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, makePacket("sess-1", 1, "INST")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestEnqueue_MultiplePackets_DepthAccumulates(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, makePacket("sess-1", int64(i), "INST")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if d := q.Depth(); d != 5 {
		t.Errorf("Depth = %d after 5 enqueues, want 5", d)
	}
}

// ---------------------------------------------------------------------------
// Dequeue
// ---------------------------------------------------------------------------

func TestDequeue_ReturnsPacketsInInsertionOrder(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	pkts := []record.Packet{
		makePacket("sess-1", 1, "INST"),
		makePacket("sess-1", 2, "OVERFLOW"),
		makePacket("sess-1", 3, "HW"),
	}
	for _, p := range pkts {
		if err := q.Enqueue(ctx, p); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	pending, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d packets, want 3", len(pending))
	}

	for i, pp := range pending {
		if pp.Pkt.Seq != pkts[i].Seq {
			t.Errorf("packet[%d].Seq = %d, want %d", i, pp.Pkt.Seq, pkts[i].Seq)
		}
		if pp.Pkt.Type != pkts[i].Type {
			t.Errorf("packet[%d].Type = %q, want %q", i, pp.Pkt.Type, pkts[i].Type)
		}
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = q.Enqueue(ctx, makePacket("sess-1", int64(i), "INST"))
	}

	pending, err := q.Dequeue(ctx, 4)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("Dequeue returned %d packets, want 4", len(pending))
	}
}

func TestDequeue_ZeroLimit_ReturnsNil(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, makePacket("sess-1", 1, "INST"))

	pending, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue(0): %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Dequeue(0) returned %d packets, want 0", len(pending))
	}
}

func TestDequeue_PreservesTimestampAndSession(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	orig := time.Now().UTC().Round(time.Millisecond)
	p := record.Packet{
		SessionID: "probe-a",
		Seq:       7,
		DecodedAt: orig,
		Type:      "INST",
		Value:     1,
	}
	_ = q.Enqueue(ctx, p)

	pending, err := q.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Dequeue returned %d packets, want 1", len(pending))
	}
	if !pending[0].Pkt.DecodedAt.Equal(orig) {
		t.Errorf("DecodedAt = %v, want %v", pending[0].Pkt.DecodedAt, orig)
	}
	if pending[0].Pkt.SessionID != "probe-a" {
		t.Errorf("SessionID = %q, want %q", pending[0].Pkt.SessionID, "probe-a")
	}
}

// ---------------------------------------------------------------------------
// Ack
// ---------------------------------------------------------------------------

func TestAck_MarksPacketDelivered(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, makePacket("sess-1", 1, "INST"))

	pending, err := q.Dequeue(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Dequeue: err=%v, got %d packets", err, len(pending))
	}

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after Ack, want 0", d)
	}

	pending2, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(pending2) != 0 {
		t.Errorf("second Dequeue returned %d packets after Ack, want 0", len(pending2))
	}
}

func TestAck_Idempotent(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, makePacket("sess-1", 1, "INST"))
	pending, _ := q.Dequeue(ctx, 1)

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("second (duplicate) Ack: %v", err)
	}

	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after duplicate Ack, want 0", d)
	}
}

func TestAck_EmptyIDs_IsNoop(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Ack(ctx, nil); err != nil {
		t.Errorf("Ack(nil): unexpected error: %v", err)
	}
	if err := q.Ack(ctx, []int64{}); err != nil {
		t.Errorf("Ack([]): unexpected error: %v", err)
	}
}

func TestAck_PartialAck_LeavesPendingPackets(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, makePacket("sess-1", int64(i), "INST"))
	}

	pending, _ := q.Dequeue(ctx, 10)
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending packets, got %d", len(pending))
	}

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := q.Depth(); d != 2 {
		t.Errorf("Depth = %d after partial Ack, want 2", d)
	}

	remaining, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after partial Ack: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("Dequeue returned %d packets, want 2", len(remaining))
	}
}

// ---------------------------------------------------------------------------
// Crash recovery
// ---------------------------------------------------------------------------

func TestCrashRecovery_UnacknowledgedPacketsRedelivered(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	func() {
		q, err := queue.New(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, makePacket("sess-1", 1, "INST"))
		_ = q.Enqueue(ctx, makePacket("sess-1", 2, "OVERFLOW"))

		pending, err := q.Dequeue(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("phase 1 Dequeue: err=%v, got %d packets", err, len(pending))
		}
		_ = q.Ack(ctx, []int64{pending[0].ID})
	}()

	q2, err := queue.New(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 1 {
		t.Errorf("after restart Depth = %d, want 1 (one unacknowledged packet)", d)
	}

	pending, err := q2.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after restart: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("after restart got %d packets, want 1", len(pending))
	}
	if pending[0].Pkt.Seq != 2 {
		t.Errorf("Seq = %d, want 2", pending[0].Pkt.Seq)
	}
}

func TestCrashRecovery_AllAcked_EmptyOnRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	func() {
		q, err := queue.New(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, makePacket("sess-1", 1, "INST"))
		_ = q.Enqueue(ctx, makePacket("sess-1", 2, "OVERFLOW"))

		pending, _ := q.Dequeue(ctx, 10)
		ids := make([]int64, len(pending))
		for i, pp := range pending {
			ids[i] = pp.ID
		}
		_ = q.Ack(ctx, ids)
	}()

	q2, err := queue.New(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 0 {
		t.Errorf("after restart Depth = %d, want 0 (all acked)", d)
	}
}

func TestEnqueue_PreservesPayloadBytes(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	p := makePacket("sess-1", 1, "INST")
	p.Payload = []byte{0xDE, 0xAD, 0xBE, 0xEF}
	_ = q.Enqueue(ctx, p)

	pending, err := q.Dequeue(ctx, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Dequeue: err=%v, got %d packets", err, len(pending))
	}
	if fmt.Sprintf("% x", pending[0].Pkt.Payload) != "de ad be ef" {
		t.Errorf("Payload = % x, want de ad be ef", pending[0].Pkt.Payload)
	}
}
