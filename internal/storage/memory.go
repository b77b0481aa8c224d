package storage

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/user"
)

// MemoryStore keeps records in process memory. It is the default store when
// no Redis address is configured, and retains up to maxChat messages per
// room.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]user.User
	rooms   map[string]room.Room
	chats   map[string][]ChatMessage
	maxChat int
}

// NewMemoryStore creates a store that retains up to maxChat messages per room.
func NewMemoryStore(maxChat int) *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]user.User),
		rooms:   make(map[string]room.Room),
		chats:   make(map[string][]ChatMessage),
		maxChat: maxChat,
	}
}

func (s *MemoryStore) InsertUser(_ context.Context, u user.User) error {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, u user.User) error {
	return s.InsertUser(ctx, u)
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return user.User{}, eris.Wrapf(ErrNotFound, "user %s", id)
	}
	return u, nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.users, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) InsertRoom(_ context.Context, r room.Room) error {
	s.mu.Lock()
	s.rooms[r.ID] = r.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateRoom(ctx context.Context, r room.Room) error {
	return s.InsertRoom(ctx, r)
}

// DeleteRoom removes the room record and its chat history.
func (s *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.rooms, id)
	delete(s.chats, id)
	s.mu.Unlock()
	return nil
}

// GetRoomByID returns a stored room record.
func (s *MemoryStore) GetRoomByID(_ context.Context, id string) (room.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return room.Room{}, eris.Wrapf(ErrNotFound, "room %s", id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) InsertChatMessage(_ context.Context, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.chats[msg.RoomID], msg)
	if s.maxChat > 0 && len(msgs) > s.maxChat {
		msgs = msgs[len(msgs)-s.maxChat:]
	}
	s.chats[msg.RoomID] = msgs
	return nil
}

func (s *MemoryStore) GetChatHistory(_ context.Context, roomID string, limit int) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.chats[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]ChatMessage, len(msgs))
	copy(result, msgs)
	return result, nil
}

// Counts returns the number of stored users and rooms.
func (s *MemoryStore) Counts() (users, rooms int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), len(s.rooms)
}
