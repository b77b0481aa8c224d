// Package protocol implements the lobby's JSON message protocol: inbound
// envelopes, outbound messages and the dispatcher that applies them.
package protocol

import (
	"bytes"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/storage"
	"github.com/christopherjohns/gamelobby/internal/user"
)

// Inbound message types.
const (
	TypeAuth           = "auth"
	TypeCreateRoom     = "create_room"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeChatMessage    = "chat_message"
	TypeGetRooms       = "get_rooms"
	TypeGetUsers       = "get_users"
	TypeQuickJoin      = "quick_join"
	TypeSetRoomStatus  = "set_room_status"
	TypeGetChatHistory = "get_chat_history"
	TypePing           = "ping"
)

// Outbound message types. Chat lines go out as TypeChatMessage.
const (
	TypeAuthSuccess = "auth_success"
	TypeRoomCreated = "room_created"
	TypeRoomJoined  = "room_joined"
	TypeRoomLeft    = "room_left"
	TypeRoomList    = "room_list"
	TypeUserList    = "user_list"
	TypeRoomUpdate  = "room_update"
	TypeRoomDeleted = "room_deleted"
	TypeUserUpdate  = "user_update"
	TypeChatHistory = "chat_history"
	TypePong        = "pong"
	TypeError       = "error"
)

// MaxChatLength is the longest chat message accepted, in characters.
const MaxChatLength = 2000

// Envelope is an inbound message. Data is either a JSON object or a string
// holding one.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses an inbound envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, protocolErrorf(err, "invalid JSON format")
	}
	if env.Type == "" {
		return Envelope{}, protocolErrorf(nil, "message type is required")
	}
	return env, nil
}

// decodeData unmarshals an envelope's data into v. Missing, null and empty
// string data leave v untouched.
func decodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return protocolErrorf(err, "invalid payload")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return protocolErrorf(err, "invalid payload")
	}
	return nil
}

// Encode marshals an outbound message.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode message")
	}
	return data, nil
}

type authPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type createRoomPayload struct {
	Name     string `json:"name"`
	GameType string `json:"gameType"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type chatPayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

type quickJoinPayload struct {
	GameType string `json:"gameType"`
}

type roomStatusPayload struct {
	RoomID string      `json:"roomId"`
	Status room.Status `json:"status"`
}

type chatHistoryPayload struct {
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit"`
}

// AuthSuccess confirms an auth request.
type AuthSuccess struct {
	Type string    `json:"type"`
	User user.User `json:"user"`
}

// RoomReply is the direct reply to create, join, quick join and leave.
// Room is omitted once the room no longer exists.
type RoomReply struct {
	Type   string     `json:"type"`
	RoomID string     `json:"roomId"`
	Room   *room.Room `json:"room,omitempty"`
}

// RoomList is the reply to get_rooms.
type RoomList struct {
	Type  string      `json:"type"`
	Rooms []room.Room `json:"rooms"`
}

// UserList is the reply to get_users and the body of user_update
// broadcasts.
type UserList struct {
	Type  string      `json:"type"`
	Users []user.User `json:"users"`
}

// RoomUpdate carries the current snapshot of one room.
type RoomUpdate struct {
	Type string    `json:"type"`
	Room room.Room `json:"room"`
}

// RoomDeleted announces that a room emptied and was removed.
type RoomDeleted struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// ChatMessage is a chat line delivered to a room.
type ChatMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistory is the reply to get_chat_history.
type ChatHistory struct {
	Type     string                `json:"type"`
	RoomID   string                `json:"roomId"`
	Messages []storage.ChatMessage `json:"messages"`
}

// Pong answers ping.
type Pong struct {
	Type string `json:"type"`
}

// ErrorReply reports a failed request to the connection that sent it.
type ErrorReply struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    Kind   `json:"kind"`
	Request string `json:"request,omitempty"`
}

// NewRoomUpdate builds a room_update message.
func NewRoomUpdate(r room.Room) RoomUpdate {
	return RoomUpdate{Type: TypeRoomUpdate, Room: r}
}

// NewRoomDeleted builds a room_deleted message.
func NewRoomDeleted(roomID string) RoomDeleted {
	return RoomDeleted{Type: TypeRoomDeleted, RoomID: roomID}
}

// NewUserUpdate builds a user_update message.
func NewUserUpdate(users []user.User) UserList {
	return UserList{Type: TypeUserUpdate, Users: users}
}

// NewChatMessage builds a chat_message delivery from a stored chat line.
func NewChatMessage(m storage.ChatMessage) ChatMessage {
	return ChatMessage{
		Type:      TypeChatMessage,
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Username:  m.Username,
		Message:   m.Message,
		Timestamp: m.Timestamp,
	}
}
