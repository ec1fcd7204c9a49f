package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tripwire/swodecode/internal/provenance"
	"github.com/tripwire/swodecode/internal/record"
)

// collectSink is a test double for Sink that records every published packet.
type collectSink struct {
	mu      sync.Mutex
	packets []record.Packet
}

func (c *collectSink) Publish(p record.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
}

func (c *collectSink) all() []record.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.Packet, len(c.packets))
	copy(out, c.packets)
	return out
}

func newTestServer(sinks ...Sink) (*Server, http.Handler) {
	srv := NewServer(256, sinks)
	return srv, NewRouter(srv, nil)
}

func TestHandleHealthz_Returns200(t *testing.T) {
	_, h := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

func TestHandlePostFrame_EmptyBody_Returns400(t *testing.T) {
	_, h := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/abc/frames", bytes.NewReader(nil))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePostFrame_DecodesAndPublishes(t *testing.T) {
	sink := &collectSink{}
	_, h := newTestServer(sink)

	// A single Overflow packet: 0x70.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/abc/frames", bytes.NewReader([]byte{0x70}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	packets := sink.all()
	if len(packets) != 1 {
		t.Fatalf("want 1 published packet, got %d", len(packets))
	}
	if packets[0].SessionID != "abc" {
		t.Errorf("session id = %q, want %q", packets[0].SessionID, "abc")
	}
	if packets[0].Seq != 1 {
		t.Errorf("seq = %d, want 1", packets[0].Seq)
	}
}

func TestHandlePostFrame_OversizedBody_Returns413(t *testing.T) {
	_, h := newTestServer()
	body := bytes.Repeat([]byte{0x00}, maxFrameBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/abc/frames", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestHandleGetPackets_UnknownSession_Returns404(t *testing.T) {
	_, h := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/ghost/packets", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlePostFrame_WithProvenance_RecordsEntry(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "provenance.log")
	prov, err := provenance.Open(logPath)
	if err != nil {
		t.Fatalf("provenance.Open: %v", err)
	}

	srv := NewServer(256, nil)
	srv.SetProvenance(prov)
	h := NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/abc/frames", bytes.NewReader([]byte{0x70}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	// Sync before reading back so the append is visible on disk.
	if err := prov.Close(); err != nil {
		t.Fatalf("prov.Close: %v", err)
	}

	entries, err := provenance.Verify(logPath)
	if err != nil {
		t.Fatalf("provenance.Verify: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 provenance entry, got %d", len(entries))
	}

	var payload struct {
		ByteOffset  int64 `json:"byte_offset"`
		ByteLength  int64 `json:"byte_length"`
		PacketCount int   `json:"packet_count"`
	}
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if entries[0].SessionID != "abc" {
		t.Errorf("session id = %q, want %q", entries[0].SessionID, "abc")
	}
	if payload.ByteOffset != 0 {
		t.Errorf("byte_offset = %d, want 0", payload.ByteOffset)
	}
	if payload.ByteLength != 1 {
		t.Errorf("byte_length = %d, want 1", payload.ByteLength)
	}
	if payload.PacketCount != 1 {
		t.Errorf("packet_count = %d, want 1", payload.PacketCount)
	}
}

func TestHandleGetPackets_ReturnsDecodedPackets(t *testing.T) {
	_, h := newTestServer()

	postReq := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/abc/frames", bytes.NewReader([]byte{0x70, 0x70}))
	postRec := httptest.NewRecorder()
	h.ServeHTTP(postRec, postReq)
	if postRec.Code != http.StatusAccepted {
		t.Fatalf("seed post failed: %d %s", postRec.Code, postRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/abc/packets", nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}

	var packets []record.Packet
	if err := json.NewDecoder(getRec.Body).Decode(&packets); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("want 2 packets, got %d", len(packets))
	}
	if packets[0].Seq != 1 || packets[1].Seq != 2 {
		t.Errorf("unexpected seq ordering: %d, %d", packets[0].Seq, packets[1].Seq)
	}
}
