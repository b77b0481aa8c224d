package protocol

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/gamelobby/internal/lobby"
	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/session"
	"github.com/christopherjohns/gamelobby/internal/storage"
	"github.com/christopherjohns/gamelobby/internal/user"
)

// DefaultHistoryLimit is the number of chat messages returned when a
// get_chat_history request does not ask for a specific amount.
const DefaultHistoryLimit = 50

// handlerFunc applies one request. A nil reply means nothing is sent back
// directly; broadcasts happen through lobby events.
type handlerFunc func(ctx context.Context, connID string, data []byte) (any, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHistoryLimit sets the default chat history size.
func WithHistoryLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.historyLimit = n
		}
	}
}

// Dispatcher routes inbound envelopes to lobby operations. It keeps no
// per-connection state of its own; sessions live in the registry.
type Dispatcher struct {
	lobby        *lobby.Store
	sessions     *session.Registry
	historyLimit int
	handlers     map[string]handlerFunc
}

// NewDispatcher creates a Dispatcher over the given lobby and sessions.
func NewDispatcher(l *lobby.Store, sessions *session.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		lobby:        l,
		sessions:     sessions,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.handlers = map[string]handlerFunc{
		TypeAuth:           d.handleAuth,
		TypeCreateRoom:     d.handleCreateRoom,
		TypeJoinRoom:       d.handleJoinRoom,
		TypeLeaveRoom:      d.handleLeaveRoom,
		TypeChatMessage:    d.handleChatMessage,
		TypeGetRooms:       d.handleGetRooms,
		TypeGetUsers:       d.handleGetUsers,
		TypeQuickJoin:      d.handleQuickJoin,
		TypeSetRoomStatus:  d.handleSetRoomStatus,
		TypeGetChatHistory: d.handleGetChatHistory,
		TypePing:           d.handlePing,
	}
	return d
}

// Dispatch applies one raw inbound message from connID and returns the
// encoded direct reply, or nil when there is none. Failures are returned as
// error messages; they never end the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, raw []byte) []byte {
	env, err := Decode(raw)
	if err != nil {
		return d.fail(connID, "", err)
	}

	if userID, ok := d.sessions.IdentityOf(connID); ok {
		d.lobby.TouchUser(userID)
	}

	h, ok := d.handlers[env.Type]
	if !ok {
		return d.fail(connID, env.Type, protocolErrorf(nil, "unknown message type: %s", env.Type))
	}
	reply, err := h(ctx, connID, env.Data)
	if err != nil {
		return d.fail(connID, env.Type, err)
	}
	if reply == nil {
		return nil
	}
	data, err := Encode(reply)
	if err != nil {
		log.Error().Err(err).Str("module", "protocol").Str("type", env.Type).Msg("failed to encode reply")
		return nil
	}
	return data
}

// Disconnect tears down connID's session: the binding is dropped and the
// bound user removed from the lobby. Only the first call for a connection
// has any effect. The identity cannot be claimed by another connection
// until the lobby has forgotten it.
func (d *Dispatcher) Disconnect(connID string) {
	userID, ok := d.sessions.Unbind(connID)
	if !ok {
		return
	}
	d.lobby.RemoveUser(userID)
	d.sessions.Release(userID, connID)
	log.Debug().Str("module", "protocol").Str("conn", connID).Str("user", userID).Msg("session closed")
}

func (d *Dispatcher) fail(connID, request string, err error) []byte {
	e := classify(err)
	log.Debug().Err(err).Str("module", "protocol").Str("conn", connID).Str("type", request).
		Str("kind", string(e.Kind)).Msg("request failed")
	data, encErr := Encode(ErrorReply{
		Type:    TypeError,
		Success: false,
		Error:   e.Message,
		Kind:    e.Kind,
		Request: request,
	})
	if encErr != nil {
		log.Error().Err(encErr).Str("module", "protocol").Msg("failed to encode error reply")
		return nil
	}
	return data
}

func (d *Dispatcher) requireUser(connID string) (string, error) {
	userID, ok := d.sessions.IdentityOf(connID)
	if !ok {
		return "", ErrNotAuthenticated
	}
	return userID, nil
}

func (d *Dispatcher) roomReply(typ, roomID string) RoomReply {
	reply := RoomReply{Type: typ, RoomID: roomID}
	if r, ok := d.lobby.Room(roomID); ok {
		reply.Room = &r
	}
	return reply
}

func (d *Dispatcher) handleAuth(_ context.Context, connID string, data []byte) (any, error) {
	var p authPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	p.UserID = strings.TrimSpace(p.UserID)
	p.Username = strings.TrimSpace(p.Username)
	if p.UserID == "" || p.Username == "" {
		return nil, protocolErrorf(nil, "missing user credentials")
	}

	// Bind before touching the lobby so a rejected auth changes nothing.
	if err := d.sessions.Bind(connID, p.UserID); err != nil {
		return nil, err
	}
	d.lobby.AddUser(user.New(p.UserID, p.Username))

	u, _ := d.lobby.User(p.UserID)
	log.Info().Str("module", "protocol").Str("conn", connID).Str("user", p.UserID).Msg("user authenticated")
	return AuthSuccess{Type: TypeAuthSuccess, User: u}, nil
}

func (d *Dispatcher) handleCreateRoom(_ context.Context, connID string, data []byte) (any, error) {
	userID, err := d.requireUser(connID)
	if err != nil {
		return nil, err
	}
	var p createRoomPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, protocolErrorf(nil, "room name is required")
	}
	if p.GameType == "" {
		p.GameType = room.DefaultGameType
	}

	roomID := d.lobby.CreateRoom(p.Name, userID, p.GameType)
	return d.roomReply(TypeRoomCreated, roomID), nil
}

func (d *Dispatcher) handleJoinRoom(_ context.Context, connID string, data []byte) (any, error) {
	userID, err := d.requireUser(connID)
	if err != nil {
		return nil, err
	}
	var p roomPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if p.RoomID == "" {
		return nil, protocolErrorf(nil, "roomId is required")
	}

	if err := d.lobby.JoinRoom(p.RoomID, userID); err != nil {
		return nil, err
	}
	return d.roomReply(TypeRoomJoined, p.RoomID), nil
}

func (d *Dispatcher) handleLeaveRoom(_ context.Context, connID string, data []byte) (any, error) {
	userID, err := d.requireUser(connID)
	if err != nil {
		return nil, err
	}
	var p roomPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if p.RoomID == "" {
		return nil, protocolErrorf(nil, "roomId is required")
	}

	if err := d.lobby.LeaveRoom(p.RoomID, userID); err != nil {
		return nil, err
	}
	return d.roomReply(TypeRoomLeft, p.RoomID), nil
}

func (d *Dispatcher) handleChatMessage(_ context.Context, connID string, data []byte) (any, error) {
	userID, err := d.requireUser(connID)
	if err != nil {
		return nil, err
	}
	var p chatPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if p.RoomID == "" {
		return nil, protocolErrorf(nil, "roomId is required")
	}
	text := strings.TrimSpace(p.Message)
	if text == "" {
		return nil, protocolErrorf(nil, "message content is required")
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		return nil, protocolErrorf(nil, "message exceeds maximum length of %d characters", MaxChatLength)
	}

	return nil, d.lobby.SendChatMessage(p.RoomID, userID, text)
}

func (d *Dispatcher) handleGetRooms(context.Context, string, []byte) (any, error) {
	return RoomList{Type: TypeRoomList, Rooms: d.lobby.ListRooms()}, nil
}

func (d *Dispatcher) handleGetUsers(context.Context, string, []byte) (any, error) {
	return UserList{Type: TypeUserList, Users: d.lobby.ListOnlineUsers()}, nil
}

func (d *Dispatcher) handleQuickJoin(_ context.Context, connID string, data []byte) (any, error) {
	userID, err := d.requireUser(connID)
	if err != nil {
		return nil, err
	}
	var p quickJoinPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}

	roomID, err := d.lobby.FindOrCreateRoom(userID, p.GameType)
	if err != nil {
		return nil, err
	}
	return d.roomReply(TypeRoomJoined, roomID), nil
}

func (d *Dispatcher) handleSetRoomStatus(_ context.Context, connID string, data []byte) (any, error) {
	userID, err := d.requireUser(connID)
	if err != nil {
		return nil, err
	}
	var p roomStatusPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if p.RoomID == "" {
		return nil, protocolErrorf(nil, "roomId is required")
	}

	return nil, d.lobby.SetRoomStatus(p.RoomID, userID, p.Status)
}

func (d *Dispatcher) handleGetChatHistory(ctx context.Context, _ string, data []byte) (any, error) {
	var p chatHistoryPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if p.RoomID == "" {
		return nil, protocolErrorf(nil, "roomId is required")
	}
	if p.Limit <= 0 {
		p.Limit = d.historyLimit
	}

	msgs, err := d.lobby.ChatHistory(ctx, p.RoomID, p.Limit)
	if err != nil {
		log.Warn().Err(err).Str("module", "protocol").Str("room", p.RoomID).Msg("chat history unavailable")
		msgs = nil
	}
	if msgs == nil {
		msgs = []storage.ChatMessage{}
	}
	return ChatHistory{Type: TypeChatHistory, RoomID: p.RoomID, Messages: msgs}, nil
}

func (d *Dispatcher) handlePing(context.Context, string, []byte) (any, error) {
	return Pong{Type: TypePong}, nil
}
