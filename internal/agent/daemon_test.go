package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/tripwire/swodecode/internal/agent"
	"github.com/tripwire/swodecode/internal/config"
	"github.com/tripwire/swodecode/internal/queue"
	"github.com/tripwire/swodecode/internal/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		CollectorAddr: "127.0.0.1:0",
		IngestAddr:    "127.0.0.1:0",
		LiveAddr:      "127.0.0.1:0",
	}
}

// fakeCollector records sent batches and can be made to fail on demand.
type fakeCollector struct {
	startErr error
	sendErr  error
	started  bool
	stopped  bool
	sent     map[string][]record.Packet
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{sent: make(map[string][]record.Packet)}
}

func (f *fakeCollector) Start(_ context.Context) error {
	f.started = true
	return f.startErr
}

func (f *fakeCollector) Send(_ context.Context, sessionID string, packets []record.Packet) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[sessionID] = append(f.sent[sessionID], packets...)
	return nil
}

func (f *fakeCollector) Stop() { f.stopped = true }

func TestDaemon_StartStop_NoComponents(t *testing.T) {
	d := agent.New(testConfig(), testLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.Stop()
}

func TestDaemon_Start_TwiceReturnsError(t *testing.T) {
	d := agent.New(testConfig(), testLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected error starting an already-running daemon")
	}
}

func TestDaemon_CollectorStartError_PropagatesAndResetsState(t *testing.T) {
	fc := newFakeCollector()
	fc.startErr = errors.New("dial failed")

	d := agent.New(testConfig(), testLogger(), agent.WithCollector(fc))

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected Start to propagate collector start error")
	}

	// A failed Start should allow a subsequent Start to be attempted.
	fc.startErr = nil
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	d.Stop()
}

func TestDaemon_ShipLoop_DequeuesAndAcksOnSuccessfulSend(t *testing.T) {
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	pkt := record.Packet{SessionID: "sess-1", Seq: 1, Type: "Overflow", DecodedAt: time.Now()}
	if err := q.Enqueue(context.Background(), pkt); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	fc := newFakeCollector()

	d := agent.New(testConfig(), testLogger(), agent.WithQueue(q), agent.WithCollector(fc))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && q.Depth() != 0 {
		time.Sleep(20 * time.Millisecond)
	}

	if q.Depth() != 0 {
		t.Fatalf("want queue depth 0 after shipping, got %d", q.Depth())
	}
	if len(fc.sent["sess-1"]) != 1 {
		t.Fatalf("want 1 packet sent for sess-1, got %d", len(fc.sent["sess-1"]))
	}
}

func TestDaemon_HealthzHandler_ReportsQueueDepth(t *testing.T) {
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	defer q.Close()

	pkt := record.Packet{SessionID: "sess-1", Seq: 1, Type: "Overflow", DecodedAt: time.Now()}
	if err := q.Enqueue(context.Background(), pkt); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d := agent.New(testConfig(), testLogger(), agent.WithQueue(q))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	d.HealthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var h agent.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health status: %v", err)
	}
	if h.Status != "ok" {
		t.Fatalf("want status ok, got %q", h.Status)
	}
	if h.QueueDepth != 1 {
		t.Fatalf("want queue depth 1, got %d", h.QueueDepth)
	}
}
