package ws

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of messages that can be queued per client.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	// ErrConnNotFound is returned when sending to a connection that is gone.
	ErrConnNotFound = errors.New("connection not found")

	// ErrSendBufferFull is returned when a client is not draining its queue.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client is one live WebSocket connection. ID is issued at accept time and
// is the only handle other packages use.
type Client struct {
	ID         string
	RemoteAddr string
	conn       *websocket.Conn
	send       chan []byte
}

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	client      *Client
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"maxConns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"droppedMessages"`
	IdleReaped      int64 `json:"idleReaped"`
}

// ConnManager tracks all active WebSocket connections by ID. It owns each
// client's buffered send queue and write pump, enforces the connection
// limit and reaps idle connections.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[string]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can go without sending
// anything before it is closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[string]*connEntry),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		interval := idleCheckInterval
		if cm.idleTTL < interval {
			interval = cm.idleTTL / 2
		}
		go cm.idleReapLoop(ctx, interval)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context
// is cancelled when the client is removed or the manager shuts down.
// If the manager is closed or at capacity the connection is closed and an
// already-cancelled context is returned.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return cancelledContext()
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.mu.Unlock()
		cm.rejected.Add(1)
		log.Warn().Str("module", "ws").Str("conn", c.ID).Int("max", cm.maxConns).Msg("rejecting connection, at capacity")
		// Close waits on the peer; never hold cm.mu across it.
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return cancelledContext()
	}
	defer cm.mu.Unlock()

	now := time.Now()
	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c.ID] = &connEntry{
		client:      c,
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}

	go cm.writePump(ctx, c)

	return ctx
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Remove stops a client's write pump and forgets it. Removing an unknown
// ID is a no-op.
func (cm *ConnManager) Remove(id string) {
	cm.mu.Lock()
	entry, ok := cm.clients[id]
	if ok {
		delete(cm.clients, id)
		close(entry.client.send)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// Send queues a message for the connection. It never blocks: a client
// whose queue is full loses the message.
func (cm *ConnManager) Send(id string, data []byte) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	entry, ok := cm.clients[id]
	if !ok {
		return eris.Wrapf(ErrConnNotFound, "send to %s", id)
	}
	select {
	case entry.client.send <- data:
		return nil
	default:
		cm.droppedMessages.Add(1)
		return eris.Wrapf(ErrSendBufferFull, "send to %s", id)
	}
}

// TouchActivity updates the last-active timestamp for a connection.
func (cm *ConnManager) TouchActivity(id string) {
	cm.mu.Lock()
	if entry, ok := cm.clients[id]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// IDs returns the IDs of all active connections.
func (cm *ConnManager) IDs() []string {
	cm.mu.Lock()
	ids := make([]string, 0, len(cm.clients))
	for id := range cm.clients {
		ids = append(ids, id)
	}
	cm.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	ID          string        `json:"id"`
	RemoteAddr  string        `json:"remoteAddr"`
	ConnectedAt time.Time     `json:"connectedAt"`
	LastActive  time.Time     `json:"lastActive"`
	Idle        time.Duration `json:"idle"`
}

// Clients returns metadata for all active connections.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.clients))
	for id, entry := range cm.clients {
		result = append(result, ConnInfo{
			ID:          id,
			RemoteAddr:  entry.client.RemoteAddr,
			ConnectedAt: entry.connectedAt,
			LastActive:  entry.lastActive,
			Idle:        now.Sub(entry.lastActive),
		})
	}
	return result
}

// Shutdown closes every connection with StatusGoingAway and refuses new
// ones. The read loops notice the close and run their own cleanup.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	entries := make([]*connEntry, 0, len(cm.clients))
	for _, entry := range cm.clients {
		close(entry.client.send)
		entries = append(entries, entry)
	}
	cm.clients = make(map[string]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for _, entry := range entries {
		entry.cancel()
		entry.client.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	log.Info().Str("module", "ws").Int("closed", len(entries)).Msg("connections shut down")
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*connEntry
	for id, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, entry)
			delete(cm.clients, id)
			close(entry.client.send)
		}
	}
	cm.mu.Unlock()

	for _, entry := range stale {
		entry.cancel()
		entry.client.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		log.Info().Str("module", "ws").Str("conn", entry.client.ID).Msg("reaped idle connection")
	}
}

// writePump drains the client's send channel, writing each message
// to the WebSocket connection. It exits when ctx is cancelled or the
// send channel is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("write failed")
				return
			}
		}
	}
}
