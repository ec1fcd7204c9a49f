// Command swod is the swodecode trace collection daemon. It loads a YAML
// configuration file, decodes incoming SWO byte chunks over a REST API,
// fans decoded packets out to a live WebSocket feed and, when postgres_dsn
// is set, to PostgreSQL, and exposes a gRPC PacketStream service that
// downstream collectors push packets to. When upstream_addr is set it also
// queues locally decoded packets in a durable SQLite queue and forwards
// them upstream with its own collector client.
// It shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/tripwire/swodecode/internal/agent"
	"github.com/tripwire/swodecode/internal/collector"
	"github.com/tripwire/swodecode/internal/config"
	"github.com/tripwire/swodecode/internal/export"
	"github.com/tripwire/swodecode/internal/ingest"
	"github.com/tripwire/swodecode/internal/live"
	"github.com/tripwire/swodecode/internal/provenance"
	"github.com/tripwire/swodecode/internal/queue"
	"github.com/tripwire/swodecode/internal/record"
	"github.com/tripwire/swodecode/internal/storage"
	"github.com/tripwire/swodecode/internal/version"
	"github.com/tripwire/swodecode/swo"
)

func main() {
	configPath := flag.String("config", "/etc/swod/config.yaml", "path to the swod YAML configuration file")
	jwtPubKeyPath := flag.String("jwt-pubkey", "", "path to PEM RSA public key for ingest JWT validation (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swod: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("swod starting",
		slog.String("version", version.String()),
		slog.String("config_path", *configPath),
		slog.String("collector_addr", cfg.CollectorAddr),
		slog.String("ingest_addr", cfg.IngestAddr),
		slog.String("live_addr", cfg.LiveAddr),
		slog.String("health_addr", cfg.HealthAddr),
	)

	// ── local durable queue ──────────────────────────────────────────────
	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open packet queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("packet queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	// ── provenance log ───────────────────────────────────────────────────
	prov, err := provenance.Open(cfg.ProvenanceLogPath)
	if err != nil {
		logger.Error("failed to open provenance log", slog.String("path", cfg.ProvenanceLogPath), slog.Any("error", err))
		os.Exit(1)
	}

	// ── optional PostgreSQL storage ──────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *storage.Store
	if cfg.PostgresDSN != "" {
		store, err = storage.New(ctx, cfg.PostgresDSN, 0, 0)
		if err != nil {
			logger.Error("failed to open storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close(context.Background())
		logger.Info("PostgreSQL storage connected")
	} else {
		logger.Warn("no postgres_dsn configured; long-term storage disabled (dev mode)")
	}

	// ── sinks ──────────────────────────────────────────────────────────────
	// commonSinks fan out a packet regardless of where it entered this
	// daemon (locally ingested, or pushed here by a further-downstream
	// swod instance's collector): the live feed and, if configured,
	// long-term storage.
	broadcaster := live.NewBroadcaster(logger, 64)
	defer broadcaster.Close()

	var commonSinks []ingest.Sink
	commonSinks = append(commonSinks, broadcaster)
	if store != nil {
		commonSinks = append(commonSinks, &storageSink{store: store, logger: logger})
	}

	// ingestSinks additionally queues locally-decoded packets for shipment
	// to a further-upstream node; packets arriving via the export service
	// have already reached their destination and are not re-queued.
	ingestSinks := commonSinks
	if cfg.UpstreamAddr != "" {
		ingestSinks = append(append([]ingest.Sink{}, commonSinks...), &queueSink{q: q, logger: logger})
	}

	// ── ingest REST API ───────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if *jwtPubKeyPath != "" {
		pem, err := os.ReadFile(*jwtPubKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = ingest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt-pubkey not configured; ingest API authentication disabled (dev mode)")
	}

	bufferSize := 256
	var ingestOpts []swo.Option
	if len(cfg.Sources) > 0 {
		bufferSize = cfg.Sources[0].BufferSize
		if w := cfg.Sources[0].GTS2Width; w > 0 {
			ingestOpts = append(ingestOpts, swo.WithGTS2Width(w))
		}
	}
	ingestSrv := ingest.NewServer(bufferSize, ingestSinks, ingestOpts...)
	ingestSrv.SetProvenance(prov)
	ingestHandler := ingest.NewRouter(ingestSrv, pubKey)

	// ── live WebSocket feed ───────────────────────────────────────────────
	liveHandler := http.NewServeMux()
	liveHandler.Handle("/ws", live.NewHandler(broadcaster, logger, 10*time.Second))

	// ── export gRPC service ───────────────────────────────────────────────
	// exportSinks holds the same underlying sink values as commonSinks,
	// re-typed as export.Sink: Go's structural interfaces are satisfied
	// per concrete type, not per slice, so each element is re-wrapped here.
	var exportSinks []export.Sink
	exportSinks = append(exportSinks, broadcaster)
	if store != nil {
		exportSinks = append(exportSinks, &storageSink{store: store, logger: logger})
	}

	exportSrv := grpc.NewServer()
	export.RegisterPacketStreamServer(exportSrv, export.NewServer(exportSinks, logger))

	// ── daemon orchestrator ───────────────────────────────────────────────
	daemonOpts := []agent.Option{
		agent.WithIngestHandler(ingestHandler),
		agent.WithLiveHandler(liveHandler),
		agent.WithExportServer(exportSrv),
		agent.WithQueue(q),
		agent.WithProvenance(prov),
	}

	if cfg.UpstreamAddr != "" {
		c := collector.New(collector.Config{ExportAddr: cfg.UpstreamAddr}, logger)
		daemonOpts = append(daemonOpts, agent.WithCollector(c))
		logger.Info("forwarding to upstream collector", slog.String("upstream_addr", cfg.UpstreamAddr))
	} else {
		logger.Info("no upstream_addr configured; running as a terminal node")
	}

	d := agent.New(cfg, logger, daemonOpts...)

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	// ── healthz HTTP server ───────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.HealthzHandler)
	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	d.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("swod exited cleanly")
}

// queueSink enqueues every published packet into the local durable queue
// for later shipment by the collector.
type queueSink struct {
	q      *queue.SQLiteQueue
	logger *slog.Logger
}

func (s *queueSink) Publish(p record.Packet) {
	if err := s.q.Enqueue(context.Background(), p); err != nil {
		s.logger.Warn("failed to enqueue packet", slog.String("session_id", p.SessionID), slog.Any("error", err))
	}
}

// storageSink persists every published packet into PostgreSQL via the
// batched insert path.
type storageSink struct {
	store  *storage.Store
	logger *slog.Logger
}

func (s *storageSink) Publish(p record.Packet) {
	row := storage.PacketFromRecord(p, time.Now())
	if err := s.store.BatchInsertPackets(context.Background(), row); err != nil {
		s.logger.Warn("failed to persist packet", slog.String("session_id", p.SessionID), slog.Any("error", err))
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
