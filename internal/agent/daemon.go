// Package agent contains the swod daemon orchestrator. It wires together
// the ingest HTTP API, the live WebSocket feed, the export gRPC service,
// the collector client, the local durable queue, and storage/provenance
// sinks, managing their lifecycle through a shared context — the same
// role the teacher's Agent plays for its watchers, queue, and transport.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/tripwire/swodecode/internal/config"
	"github.com/tripwire/swodecode/internal/provenance"
	"github.com/tripwire/swodecode/internal/queue"
	"github.com/tripwire/swodecode/internal/record"
)

// shipBatchSize is how many queued packets the ship loop dequeues at once.
const shipBatchSize = 256

// shipPollInterval is how often the ship loop polls the queue; the loop
// ticks at this fixed interval whether or not the last send succeeded.
const shipPollInterval = 2 * time.Second

// Collector is the interface for the gRPC client that forwards queued
// packets to the remote export service.
type Collector interface {
	// Start begins connecting to the export service.
	Start(ctx context.Context) error
	// Send ships packets tagged with sessionID. It returns an error if the
	// collector is not currently connected.
	Send(ctx context.Context, sessionID string, packets []record.Packet) error
	// Stop gracefully closes the connection.
	Stop()
}

// Daemon is the central orchestrator of the swod trace collection
// service. It starts and supervises the ingest, live, and export
// servers, the local durable queue's shipping loop, and optional
// storage/provenance sinks.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	ingestHandler http.Handler
	liveHandler   http.Handler
	exportSrv     *grpc.Server

	queue      *queue.SQLiteQueue
	collector  Collector
	provenance *provenance.Logger

	startTime time.Time
	cancel    context.CancelFunc

	mu         sync.RWMutex
	running    bool
	lastShipAt time.Time

	wg sync.WaitGroup

	ingestSrv *http.Server
	liveSrv   *http.Server
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithIngestHandler registers the HTTP handler serving the ingest REST API.
func WithIngestHandler(h http.Handler) Option {
	return func(d *Daemon) { d.ingestHandler = h }
}

// WithLiveHandler registers the HTTP handler serving the live WebSocket feed.
func WithLiveHandler(h http.Handler) Option {
	return func(d *Daemon) { d.liveHandler = h }
}

// WithExportServer registers the gRPC server exposing the PacketStream
// service that a remote collector dials into.
func WithExportServer(s *grpc.Server) Option {
	return func(d *Daemon) { d.exportSrv = s }
}

// WithQueue registers the local durable packet queue.
func WithQueue(q *queue.SQLiteQueue) Option {
	return func(d *Daemon) { d.queue = q }
}

// WithCollector registers the gRPC client that ships queued packets to a
// remote export service.
func WithCollector(c Collector) Option {
	return func(d *Daemon) { d.collector = c }
}

// WithProvenance registers the hash-chained attestation log.
func WithProvenance(p *provenance.Logger) Option {
	return func(d *Daemon) { d.provenance = p }
}

// New creates a new Daemon from the provided configuration and logger.
// Components are supplied via the functional options above; any component
// left unset is simply not started, which is useful in tests that only
// exercise part of the daemon.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start initialises and starts all registered components using the
// provided context. It returns a non-nil error if any component fails to
// initialise. On success, internal goroutines handle ingest, live,
// export, and queue shipping until Stop is called or ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("starting swod daemon",
		slog.String("collector_addr", d.cfg.CollectorAddr),
		slog.String("ingest_addr", d.cfg.IngestAddr),
		slog.String("live_addr", d.cfg.LiveAddr),
		slog.Int("num_sources", len(d.cfg.Sources)),
	)

	if d.collector != nil {
		if err := d.collector.Start(ctx); err != nil {
			cancel()
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			return fmt.Errorf("agent: collector failed to start: %w", err)
		}
	}

	if d.ingestHandler != nil {
		d.ingestSrv = &http.Server{
			Addr:         d.cfg.IngestAddr,
			Handler:      d.ingestHandler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		d.wg.Add(1)
		go d.serveHTTP(d.ingestSrv, "ingest")
	}

	if d.liveHandler != nil {
		d.liveSrv = &http.Server{
			Addr:         d.cfg.LiveAddr,
			Handler:      d.liveHandler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // WebSocket connections are long-lived
		}
		d.wg.Add(1)
		go d.serveHTTP(d.liveSrv, "live")
	}

	if d.exportSrv != nil {
		lis, err := net.Listen("tcp", d.cfg.CollectorAddr)
		if err != nil {
			cancel()
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			return fmt.Errorf("agent: export listener: %w", err)
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.logger.Info("export gRPC server listening", slog.String("addr", d.cfg.CollectorAddr))
			if err := d.exportSrv.Serve(lis); err != nil {
				d.logger.Warn("export server stopped", slog.Any("error", err))
			}
		}()
	}

	if d.queue != nil && d.collector != nil {
		d.wg.Add(1)
		go d.shipLoop(ctx)
	}

	d.logger.Info("swod daemon started")
	return nil
}

// serveHTTP runs server.ListenAndServe, logging the outcome, and exits
// once the listener is closed by Stop.
func (d *Daemon) serveHTTP(server *http.Server, name string) {
	defer d.wg.Done()
	d.logger.Info(name+" server listening", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.logger.Error(name+" server error", slog.Any("error", err))
	}
}

// shipLoop repeatedly dequeues pending packets and hands them to the
// collector, grouping by session, acknowledging only the packets the
// collector successfully accepted. It exits when ctx is cancelled.
func (d *Daemon) shipLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(shipPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.shipOnce(ctx)
		}
	}
}

// shipOnce dequeues up to shipBatchSize packets, groups them by session,
// and sends one batch per session to the collector. Sessions that send
// successfully are acknowledged; others remain pending for the next tick.
func (d *Daemon) shipOnce(ctx context.Context) {
	pending, err := d.queue.Dequeue(ctx, shipBatchSize)
	if err != nil {
		d.logger.Warn("agent: dequeue failed", slog.Any("error", err))
		return
	}
	if len(pending) == 0 {
		return
	}

	bySession := make(map[string][]record.Packet)
	idsBySession := make(map[string][]int64)
	for _, pp := range pending {
		bySession[pp.Pkt.SessionID] = append(bySession[pp.Pkt.SessionID], pp.Pkt)
		idsBySession[pp.Pkt.SessionID] = append(idsBySession[pp.Pkt.SessionID], pp.ID)
	}

	var shipped int64
	for sessionID, packets := range bySession {
		if err := d.collector.Send(ctx, sessionID, packets); err != nil {
			d.logger.Warn("agent: collector send failed; packets remain queued",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
			continue
		}
		if err := d.queue.Ack(ctx, idsBySession[sessionID]); err != nil {
			d.logger.Warn("agent: ack failed", slog.String("session_id", sessionID), slog.Any("error", err))
			continue
		}
		shipped += int64(len(packets))
	}

	if shipped > 0 {
		d.mu.Lock()
		d.lastShipAt = time.Now()
		d.mu.Unlock()
	}
}

// Stop signals all components to shut down and waits for internal
// goroutines to exit. It is safe to call Stop multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if d.ingestSrv != nil {
		if err := d.ingestSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("ingest server shutdown error", slog.Any("error", err))
		}
	}
	if d.liveSrv != nil {
		if err := d.liveSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("live server shutdown error", slog.Any("error", err))
		}
	}
	if d.exportSrv != nil {
		d.exportSrv.GracefulStop()
	}
	if d.collector != nil {
		d.collector.Stop()
	}

	d.wg.Wait()

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Warn("error closing packet queue", slog.Any("error", err))
		}
	}
	if d.provenance != nil {
		if err := d.provenance.Close(); err != nil {
			d.logger.Warn("error closing provenance log", slog.Any("error", err))
		}
	}

	d.logger.Info("swod daemon stopped")
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status     string  `json:"status"`
	UptimeS    float64 `json:"uptime_s"`
	QueueDepth int     `json:"queue_depth"`
	LastShipAt string  `json:"last_ship_at,omitempty"`
}

// Health returns a snapshot of the current daemon health state.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(d.startTime).Seconds(),
	}

	if d.queue != nil {
		h.QueueDepth = d.queue.Depth()
	}
	if !d.lastShipAt.IsZero() {
		h.LastShipAt = d.lastShipAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the daemon's
// health status as a JSON object and HTTP 200.
func (d *Daemon) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		d.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
