package lobby

import (
	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/storage"
	"github.com/christopherjohns/gamelobby/internal/user"
)

// EventKind identifies what changed.
type EventKind int

const (
	RoomUpdated EventKind = iota + 1
	RoomDeleted
	UserUpdated
	UserRemoved
	ChatPosted
)

func (k EventKind) String() string {
	switch k {
	case RoomUpdated:
		return "room_updated"
	case RoomDeleted:
		return "room_deleted"
	case UserUpdated:
		return "user_updated"
	case UserRemoved:
		return "user_removed"
	case ChatPosted:
		return "chat_posted"
	}
	return "unknown"
}

// Event describes a committed change. Room and User are snapshots taken
// while the change was applied; observers may keep them.
//
// UserID is the user whose action caused the event. For RoomDeleted it is
// the last member to leave.
type Event struct {
	Kind   EventKind
	RoomID string
	UserID string
	Room   room.Room
	User   user.User
	Chat   storage.ChatMessage
}

// Observer receives events after the change that produced them has been
// applied and the store's locks released. Notify runs on the caller's
// goroutine and must not block for long.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Notify(ev Event) { f(ev) }
