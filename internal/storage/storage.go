// Package storage is the durable side of the lobby: user and room records
// and the append-only chat log. Writes are upserts. Nothing here is on the
// consistency path of the in-memory lobby state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/user"
)

// ErrNotFound is returned by lookups for records that do not exist.
var ErrNotFound = errors.New("record not found")

// ChatMessage is one persisted chat line.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence collaborator. Each call may fail independently.
type Store interface {
	InsertUser(ctx context.Context, u user.User) error
	UpdateUser(ctx context.Context, u user.User) error
	GetUserByID(ctx context.Context, id string) (user.User, error)
	DeleteUser(ctx context.Context, id string) error

	InsertRoom(ctx context.Context, r room.Room) error
	UpdateRoom(ctx context.Context, r room.Room) error
	DeleteRoom(ctx context.Context, id string) error

	InsertChatMessage(ctx context.Context, msg ChatMessage) error
	// GetChatHistory returns up to limit of the most recent messages for a
	// room, oldest first.
	GetChatHistory(ctx context.Context, roomID string, limit int) ([]ChatMessage, error)
}
