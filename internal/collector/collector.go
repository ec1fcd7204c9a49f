// Package collector implements the gRPC client side of PacketStream: the
// edge daemon's connection to a remote export service, used to forward
// decoded packets off-box for central persistence and live viewing.
//
// # Reconnection
//
// If the connection drops for any reason, Collector reconnects
// automatically using exponential backoff: each successive failure
// grows the wait interval by the backoff package's default factor of 1.5,
// with random jitter, up to MaxBackoff, after which every retry waits
// about MaxBackoff. On a successful connection the backoff interval
// resets to InitialBackoff so that a transient fault is not penalised on
// the next failure.
//
// # Usage
//
//	c := collector.New(collector.Config{
//	    ExportAddr: "collector.example.com:4443",
//	}, logger)
//
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
//
//	err = c.Send(ctx, sessionID, packets)
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tripwire/swodecode/internal/export"
	"github.com/tripwire/swodecode/internal/record"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
)

// Config holds the configuration for the gRPC collector client.
type Config struct {
	// ExportAddr is the "host:port" of the remote export service.
	// Required.
	ExportAddr string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout defaults to 30 seconds when zero. connect derives a
	// context from it but passes that context to neither the dial nor the
	// stream open, so it does not bound a connection attempt.
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Collector streams decoded packets to a remote export service over a
// PacketStream client-streaming RPC, maintaining the connection with
// exponential-backoff reconnection.
type Collector struct {
	cfg    Config
	logger *slog.Logger

	// mu guards stream, updated on every (re)connect.
	mu     sync.RWMutex
	stream export.PacketStream_PushPacketsClient

	// sendMu serialises calls to stream.Send. gRPC client streams are not
	// safe for concurrent sends.
	sendMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Collector with the given configuration and logger.
// Call [Collector.Start] to begin connecting.
func New(cfg Config, logger *slog.Logger) *Collector {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{cfg: cfg, logger: logger}
}

// Start launches a background goroutine that connects to the export
// service and keeps the connection alive. All connectivity failures are
// handled internally with exponential-backoff retries.
func (c *Collector) Start(ctx context.Context) error {
	connectCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.connectLoop(connectCtx)

	return nil
}

// Send ships the given packets, tagged with sessionID, as one PacketBatch
// on the active stream. It returns an error if the collector is currently
// reconnecting (i.e., there is no active stream); the caller's local
// queue (internal/queue) provides durability across such gaps.
func (c *Collector) Send(_ context.Context, sessionID string, packets []record.Packet) error {
	c.mu.RLock()
	stream := c.stream
	c.mu.RUnlock()

	if stream == nil {
		return fmt.Errorf("collector: not connected to export service")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.RLock()
	stream = c.stream
	c.mu.RUnlock()
	if stream == nil {
		return fmt.Errorf("collector: not connected to export service")
	}

	if err := stream.Send(&export.PacketBatch{SessionID: sessionID, Packets: packets}); err != nil {
		return fmt.Errorf("collector: send batch: %w", err)
	}
	return nil
}

// Stop cancels the connection loop and waits for all background
// goroutines to exit. It is safe to call Stop multiple times.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Collector) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("collector: connecting to export service",
			slog.String("addr", c.cfg.ExportAddr))

		wasConnected, err := c.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
		}

		if err != nil {
			c.logger.Warn("collector: connection ended",
				slog.Any("error", err),
				slog.String("addr", c.cfg.ExportAddr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("collector: backoff exhausted; giving up")
			return
		}

		c.logger.Info("collector: will reconnect",
			slog.String("addr", c.cfg.ExportAddr),
			slog.Duration("after", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect dials the export service, opens the PushPackets stream, and
// blocks until the stream breaks or is closed by the server, or ctx is
// cancelled.
//
// It returns (true, err) when the stream was successfully established
// before failing, or (false, err) when the dial itself failed.
//
// Dialing is insecure (plaintext) by default; production deployments
// should supply grpc.WithTransportCredentials(credentials.NewTLS(...))
// via a future Config.TLS option, mirroring the teacher's mTLS transport.
func (c *Collector) connect(ctx context.Context) (wasConnected bool, err error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer dialCancel()

	conn, err := grpc.NewClient(c.cfg.ExportAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.ExportAddr, err)
	}
	defer conn.Close()
	_ = dialCtx

	client := export.NewPacketStreamClient(conn)

	stream, err := client.PushPackets(ctx)
	if err != nil {
		return false, fmt.Errorf("PushPackets: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	c.logger.Info("collector: stream established", slog.String("addr", c.cfg.ExportAddr))

	// The server sends its Ack only when the stream ends, so RecvMsg
	// returns once the stream breaks or the server closes it.
	recvErr := make(chan error, 1)
	go func() { recvErr <- stream.RecvMsg(new(export.Ack)) }()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-recvErr:
	}

	c.mu.Lock()
	c.stream = nil
	c.mu.Unlock()

	return true, err
}

// NewSessionID returns a fresh session identifier for a new trace
// capture.
func NewSessionID() string {
	return uuid.NewString()
}
