package ws

import (
	"slices"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/gamelobby/internal/lobby"
	"github.com/christopherjohns/gamelobby/internal/protocol"
	"github.com/christopherjohns/gamelobby/internal/session"
)

// Scope selects who receives room updates.
type Scope string

const (
	// ScopeGlobal sends room updates to every connection.
	ScopeGlobal Scope = "global"
	// ScopeRoom sends room updates to the room's members and to the user
	// whose action caused them.
	ScopeRoom Scope = "room"
)

// ParseScope validates a configured scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGlobal, ScopeRoom:
		return Scope(s), nil
	}
	return "", eris.Errorf("unknown fan-out scope %q", s)
}

// Sender delivers encoded messages to connections.
type Sender interface {
	Send(connID string, data []byte) error
	IDs() []string
}

// HubStats counts fan-out deliveries.
type HubStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Hub turns lobby events into messages for the connections that should see
// them. It is registered as a lobby observer.
type Hub struct {
	lobby    *lobby.Store
	sessions *session.Registry
	conns    Sender
	scope    Scope

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewHub creates a Hub delivering through conns.
func NewHub(l *lobby.Store, sessions *session.Registry, conns Sender, scope Scope) *Hub {
	if scope == "" {
		scope = ScopeGlobal
	}
	return &Hub{
		lobby:    l,
		sessions: sessions,
		conns:    conns,
		scope:    scope,
	}
}

// Notify implements lobby.Observer.
func (h *Hub) Notify(ev lobby.Event) {
	switch ev.Kind {
	case lobby.RoomUpdated:
		// A later change may already have superseded ev.Room.
		r, ok := h.lobby.Room(ev.RoomID)
		if !ok {
			return
		}
		h.broadcast(protocol.NewRoomUpdate(r), h.roomTargets(r.Players, ev.UserID))

	case lobby.RoomDeleted:
		h.broadcast(protocol.NewRoomDeleted(ev.RoomID), h.roomTargets(nil, ev.UserID))

	case lobby.UserUpdated, lobby.UserRemoved:
		h.broadcast(protocol.NewUserUpdate(h.lobby.ListOnlineUsers()), h.conns.IDs())

	case lobby.ChatPosted:
		r, ok := h.lobby.Room(ev.RoomID)
		if !ok {
			return
		}
		h.broadcast(protocol.NewChatMessage(ev.Chat), h.memberConns(r.Players))
	}
}

// roomTargets returns the connections that should see a room change.
func (h *Hub) roomTargets(members []string, actor string) []string {
	if h.scope == ScopeGlobal {
		return h.conns.IDs()
	}
	if actor != "" && !slices.Contains(members, actor) {
		members = append(slices.Clone(members), actor)
	}
	return h.memberConns(members)
}

func (h *Hub) memberConns(userIDs []string) []string {
	targets := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if connID, ok := h.sessions.ConnectionOf(id); ok {
			targets = append(targets, connID)
		}
	}
	return targets
}

// broadcast encodes msg once and queues it for each target. A failure for
// one connection does not stop delivery to the rest.
func (h *Hub) broadcast(msg any, targets []string) {
	if len(targets) == 0 {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("failed to encode broadcast")
		return
	}
	for _, id := range targets {
		if err := h.conns.Send(id, data); err != nil {
			h.failed.Add(1)
			log.Warn().Err(err).Str("module", "ws").Str("conn", id).Msg("fan-out send failed")
			continue
		}
		h.delivered.Add(1)
	}
}

// Stats returns delivery counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Delivered: h.delivered.Load(),
		Failed:    h.failed.Load(),
	}
}
