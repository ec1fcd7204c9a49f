package export

import (
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tripwire/swodecode/internal/record"
)

// Sink receives every packet pushed through PushPackets, after it has been
// accepted. Typically internal/live's Broadcaster and internal/storage's
// Store both implement this (storage via a thin adapter that also
// persists), so a single push fans out to live viewers and the durable
// store in one pass.
type Sink interface {
	Publish(p record.Packet)
}

// Server implements PacketStreamServer. It receives batches pushed by a
// collector client, hands each packet to its configured sinks, and sends a
// single Ack for the whole stream once the client closes its send side.
type Server struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewServer creates a Server that fans pushed packets out to sinks.
func NewServer(sinks []Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sinks: sinks, logger: logger}
}

// PushPackets implements PacketStreamServer. For each PacketBatch
// received it publishes every packet to the configured sinks, then, once
// the collector closes its send side, responds with a single Ack
// reporting the total number of packets received across the whole
// stream.
func (s *Server) PushPackets(stream PacketStream_PushPacketsServer) error {
	total := 0
	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{Ok: true, Received: total})
		}
		if err != nil {
			if ctx := stream.Context(); ctx.Err() != nil {
				s.logger.Debug("export: stream closed", slog.Any("reason", ctx.Err()))
				return nil
			}
			s.logger.Error("export: PushPackets transport error", slog.Any("error", err))
			return err
		}

		if batch.SessionID == "" {
			return status.Error(codes.InvalidArgument, "session_id is required")
		}

		for _, p := range batch.Packets {
			for _, sink := range s.sinks {
				sink.Publish(p)
			}
			total++
		}

		s.logger.Debug("export: batch received",
			slog.String("session_id", batch.SessionID),
			slog.Int("count", len(batch.Packets)),
		)
	}
}
