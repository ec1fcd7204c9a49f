package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/swodecode/internal/provenance"
	"github.com/tripwire/swodecode/internal/record"
	"github.com/tripwire/swodecode/swo"
)

// maxFrameBytes bounds a single ingested chunk to guard against a
// misbehaving probe flooding memory with one oversized request body.
const maxFrameBytes = 1 << 20 // 1 MiB

// Server holds the dependencies needed by the ingest HTTP handlers: one
// swo.Context per session, and the sinks that receive every decoded
// packet (typically internal/live's broadcaster plus storage and queue
// adapters, composed by the caller). A provenance log is attached
// separately with SetProvenance.
type Server struct {
	sessions   map[string]*session
	mu         sync.RWMutex
	bufferSize int
	opts       []swo.Option
	sinks      []Sink
	prov       *provenance.Logger
}

// NewServer creates a Server. bufferSize is passed to swo.Init for every
// new session; opts are applied to every session's Options (e.g.
// swo.WithGTS2Width). sinks receive every packet decoded across all
// sessions, in decode order per session.
func NewServer(bufferSize int, sinks []Sink, opts ...swo.Option) *Server {
	return &Server{
		sessions:   make(map[string]*session),
		bufferSize: bufferSize,
		opts:       opts,
		sinks:      sinks,
	}
}

// SetProvenance attaches a hash-chained attestation log. When set, every
// accepted frame is recorded as one byte-range/packet-count entry in the
// session's chain. Provenance is optional; a Server with none still
// decodes and fans out packets normally.
func (s *Server) SetProvenance(p *provenance.Logger) {
	s.prov = p
}

func (s *Server) sessionFor(id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	sess, err := newSession(s.bufferSize, s.opts...)
	if err != nil {
		return nil, err
	}
	s.sessions[id] = sess
	return sess, nil
}

// handleHealthz responds to GET /healthz. No authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handlePostFrame responds to POST /api/v1/sessions/{id}/frames. The
// request body is the raw SWO byte chunk, fed verbatim to that session's
// decoder. Resulting packets are published to the server's sinks as they
// are decoded.
func (s *Server) handlePostFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxFrameBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "frame exceeds maximum size")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must not be empty")
		return
	}

	sess, err := s.sessionFor(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to initialise session")
		return
	}

	fr, err := sess.feed(id, body, s.sinks)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusInternalServerError, "failed to decode frame")
		return
	}

	if s.prov != nil {
		payload, marshalErr := json.Marshal(map[string]any{
			"byte_offset":  fr.byteOffset,
			"byte_length":  fr.byteLength,
			"packet_count": fr.packetCount,
		})
		if marshalErr == nil {
			if _, appendErr := s.prov.Append(id, payload); appendErr != nil {
				slog.Default().Warn("ingest: failed to append provenance entry",
					slog.String("session_id", id), slog.Any("error", appendErr))
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"session_id": id, "bytes_accepted": len(body)})
}

// handleGetPackets responds to GET /api/v1/sessions/{id}/packets.
//
// Supported query parameter:
//
//	limit – maximum number of most-recent packets to return (default 100,
//	        capped to the session's in-memory ring buffer size)
//
// Returns the packets this daemon instance has decoded for the session
// since it last started; this is a fast in-memory view, not the full
// durable history (see internal/storage for that).
func (s *Server) handleGetPackets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	packets := sess.recent(limit)
	if packets == nil {
		packets = []record.Packet{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(packets)
}
