// Package live provides the in-process WebSocket broadcaster for the swod
// trace daemon. The Broadcaster fans newly decoded packets out to all
// currently-connected trace-viewer clients without applying back-pressure
// to the ingest HTTP handler goroutine.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of
//     JSON-encoded packet messages. A non-blocking send is used so that a
//     slow or disconnected client never stalls the ingest path.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Closing a subscription or unregistering a client signals the
//     associated WebSocket pump goroutine to exit cleanly.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tripwire/swodecode/internal/record"
)

// PacketMessage is the top-level JSON envelope pushed to browser WebSocket
// clients. Type is always "packet".
type PacketMessage struct {
	Type string        `json:"type"`
	Data record.Packet `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded packet frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans decoded packets out to all currently-connected WebSocket
// clients. It is safe for concurrent use and implements ingest.Sink, so it
// can be registered directly as one of a Server's sinks.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the
// default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose
// Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes
// its Send channel so the associated write goroutine exits cleanly.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish implements ingest.Sink. It wraps p in a PacketMessage envelope
// and delivers the JSON encoding to every registered client using a
// non-blocking send. When a client's buffer is full the message is
// dropped and the client's Dropped counter is incremented.
func (b *Broadcaster) Publish(p record.Packet) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(PacketMessage{Type: "packet", Data: p})
	if err != nil {
		b.logger.Error("live broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
			// delivered
		default:
			c.Dropped.Add(1)
			b.logger.Warn("live broadcaster: client buffer full, dropping packet",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Close removes all registered clients, closes every channel, and
// releases internal resources. After Close returns, Publish is a no-op
// and Register returns clients whose Send channel is already closed.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
