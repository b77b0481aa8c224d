package ws

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/gamelobby/internal/protocol"
)

// maxMessageSize is the read limit for a single inbound message.
const maxMessageSize = 64 << 10

// Limiter decides whether a client address may open another connection.
type Limiter interface {
	Allow(ip string) bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLimiter rate-limits new connections per client IP.
func WithLimiter(l Limiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = l
	}
}

// Handler handles WebSocket upgrade requests and client message loops.
type Handler struct {
	dispatcher *protocol.Dispatcher
	conns      *ConnManager
	limiter    Limiter
	active     sync.WaitGroup
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(dispatcher *protocol.Dispatcher, conns *ConnManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		dispatcher: dispatcher,
		conns:      conns,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client. Every way the connection can end leads back
// here, so the session cleanup below runs once per connection and only
// after the last inbound message has been fully handled.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		log.Warn().Str("module", "ws").Str("ip", ip).Msg("connection rate limit exceeded")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	h.active.Add(1)
	defer h.active.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxMessageSize)

	client := &Client{
		ID:         uuid.NewString(),
		RemoteAddr: ip,
		conn:       conn,
	}

	connCtx := h.conns.Add(client)
	defer func() {
		h.conns.Remove(client.ID)
		h.dispatcher.Disconnect(client.ID)
		log.Debug().Str("module", "ws").Str("conn", client.ID).Msg("connection closed")
	}()
	log.Debug().Str("module", "ws").Str("conn", client.ID).Str("ip", ip).Msg("connection opened")

	h.readLoop(r.Context(), connCtx, client)
}

// Wait blocks until every connection handled so far has finished its
// cleanup. Call it after the listener has stopped accepting.
func (h *Handler) Wait() {
	h.active.Wait()
}

// readLoop reads messages from the client until the connection closes
// or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "ws").Str("conn", client.ID).Msg("read failed")
			}
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.conns.TouchActivity(client.ID)

		reply := h.dispatcher.Dispatch(ctx, client.ID, data)
		if reply == nil {
			continue
		}
		if err := h.conns.Send(client.ID, reply); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("conn", client.ID).Msg("failed to queue reply")
		}
	}
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
