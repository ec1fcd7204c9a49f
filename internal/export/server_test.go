package export_test

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tripwire/swodecode/internal/export"
	"github.com/tripwire/swodecode/internal/record"
)

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

func startTestServer(t *testing.T, sinks ...export.Sink) (export.PacketStreamClient, func()) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	grpcSrv := grpc.NewServer()
	export.RegisterPacketStreamServer(grpcSrv, export.NewServer(sinks, slog.Default()))

	go func() {
		_ = grpcSrv.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	client := export.NewPacketStreamClient(conn)
	cleanup := func() {
		conn.Close()
		grpcSrv.Stop()
	}
	return client, cleanup
}

func TestPushPackets_DeliversToSinksAndAcks(t *testing.T) {
	sink := &collectSink{}
	client, cleanup := startTestServer(t, sink)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.PushPackets(ctx)
	if err != nil {
		t.Fatalf("PushPackets: %v", err)
	}

	batch := &export.PacketBatch{
		SessionID: "sess-1",
		Packets: []record.Packet{
			{SessionID: "sess-1", Seq: 1, Type: "Overflow", Size: 1},
			{SessionID: "sess-1", Seq: 2, Type: "Overflow", Size: 1},
		},
	}
	if err := stream.Send(batch); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ack, err := stream.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if !ack.Ok || ack.Received != 2 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	packets := sink.all()
	if len(packets) != 2 {
		t.Fatalf("want 2 published packets, got %d", len(packets))
	}
}

func TestPushPackets_EmptySessionID_ReturnsError(t *testing.T) {
	client, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.PushPackets(ctx)
	if err != nil {
		t.Fatalf("PushPackets: %v", err)
	}

	if err := stream.Send(&export.PacketBatch{Packets: []record.Packet{{Seq: 1}}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := stream.CloseAndRecv(); err == nil {
		t.Fatal("expected error for missing session_id, got nil")
	}
}
