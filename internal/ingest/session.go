// Package ingest provides the HTTP REST API that accepts raw SWO byte
// chunks from trace probes, decodes them per-session, and fans the
// resulting packets out to the rest of the daemon.
package ingest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/swodecode/internal/record"
	"github.com/tripwire/swodecode/swo"
)

// recentCapacity bounds the in-memory ring buffer kept per session for the
// GET /packets endpoint. It is a fast-path convenience view, not a
// durable record; durable history lives in internal/storage.
const recentCapacity = 256

// Sink receives every packet decoded from any session's ingested bytes. A
// Sink must not retain the Payload slice beyond the call; Publish should
// copy if it needs to keep the bytes.
type Sink interface {
	Publish(p record.Packet)
}

// session owns one swo.Context and its recent-packet ring buffer. All
// access is serialised by mu, matching swo.Context's own "not safe for
// concurrent use" contract.
type session struct {
	mu         sync.Mutex
	ctx        *swo.Context
	seq        atomic.Int64
	ring       []record.Packet
	ringPos    int
	byteOffset int64
}

func newSession(bufferSize int, opts ...swo.Option) (*session, error) {
	c, err := swo.Init(bufferSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("ingest: init context: %w", err)
	}
	return &session{
		ctx:  c,
		ring: make([]record.Packet, 0, recentCapacity),
	}, nil
}

// frameResult summarises one feed call for the caller's provenance
// attestation: the byte range consumed and how many packets it produced.
type frameResult struct {
	byteOffset  int64
	byteLength  int64
	packetCount int
}

// feed decodes raw into decoded packets tagged with sessionID, publishing
// each one to sinks and appending it to the session's recent-packet ring.
// It returns the byte range this call consumed and how many packets were
// decoded from it, for the caller to attest in internal/provenance.
func (s *session) feed(sessionID string, raw []byte, sinks []Sink) (frameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fr := frameResult{byteOffset: s.byteOffset, byteLength: int64(len(raw))}
	s.byteOffset += int64(len(raw))

	if err := s.ctx.Feed(raw); err != nil {
		return fr, fmt.Errorf("ingest: feed session %s: %w", sessionID, err)
	}

	var cbErr error
	err := s.ctx.SetCallback(func(p *swo.Packet) bool {
		seq := s.seq.Add(1)
		rec := record.FromPacket(sessionID, seq, time.Now().UTC(), *p)

		if len(s.ring) < recentCapacity {
			s.ring = append(s.ring, rec)
		} else {
			s.ring[s.ringPos] = rec
			s.ringPos = (s.ringPos + 1) % recentCapacity
		}

		for _, sink := range sinks {
			sink.Publish(rec)
		}
		fr.packetCount++
		return true
	})
	if err != nil {
		return fr, fmt.Errorf("ingest: set callback: %w", err)
	}

	if err := s.ctx.Decode(0); err != nil {
		cbErr = fmt.Errorf("ingest: decode session %s: %w", sessionID, err)
	}
	return fr, cbErr
}

// recent returns up to n most-recently decoded packets in chronological
// order, oldest first.
func (s *session) recent(n int) []record.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.ring)
	if n <= 0 || n > total {
		n = total
	}
	if n == 0 {
		return nil
	}

	out := make([]record.Packet, 0, n)
	// Oldest-first order: starting point depends on whether the ring has
	// wrapped (len == recentCapacity) or is still filling linearly.
	start := 0
	if total == recentCapacity {
		start = s.ringPos
	}
	for i := total - n; i < total; i++ {
		out = append(out, s.ring[(start+i)%total])
	}
	return out
}
