package room

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxPlayers is the capacity given to rooms when none is configured.
	DefaultMaxPlayers = 4

	// DefaultGameType is used when a create request omits the game type.
	DefaultGameType = "Generic"

	// maxIDAttempts bounds the re-roll loop in UniqueID before falling back
	// to a UUID suffix.
	maxIDAttempts = 64
)

// Status is the lifecycle stage of a room.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusFinished:
		return true
	}
	return false
}

// Room is a lobby room. Players holds member user IDs without duplicates;
// its order carries no meaning.
type Room struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	GameType   string    `json:"gameType"`
	CreatedBy  string    `json:"createdBy"`
	Players    []string  `json:"players"`
	MaxPlayers int       `json:"maxPlayers"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// New returns a WAITING room whose only member is the creator.
func New(id, name, creatorID, gameType string, maxPlayers int) *Room {
	if gameType == "" {
		gameType = DefaultGameType
	}
	if maxPlayers <= 0 {
		maxPlayers = DefaultMaxPlayers
	}
	return &Room{
		ID:         id,
		Name:       name,
		GameType:   gameType,
		CreatedBy:  creatorID,
		Players:    []string{creatorID},
		MaxPlayers: maxPlayers,
		Status:     StatusWaiting,
		CreatedAt:  time.Now(),
	}
}

// IsFull returns true if the room has reached its capacity.
func (r *Room) IsFull() bool {
	return len(r.Players) >= r.MaxPlayers
}

// IsEmpty returns true once the last member has left.
func (r *Room) IsEmpty() bool {
	return len(r.Players) == 0
}

// HasPlayer reports whether userID is a member.
func (r *Room) HasPlayer(userID string) bool {
	return slices.Contains(r.Players, userID)
}

// AddPlayer appends userID unless the room is full or already lists it.
func (r *Room) AddPlayer(userID string) bool {
	if r.IsFull() || r.HasPlayer(userID) {
		return false
	}
	r.Players = append(r.Players, userID)
	return true
}

// RemovePlayer drops userID from the member list.
func (r *Room) RemovePlayer(userID string) bool {
	i := slices.Index(r.Players, userID)
	if i < 0 {
		return false
	}
	r.Players = slices.Delete(r.Players, i, i+1)
	return true
}

// Available reports whether a new player could join a game of gameType.
// An empty gameType matches any room.
func (r *Room) Available(gameType string) bool {
	if r.Status != StatusWaiting || r.IsFull() {
		return false
	}
	return gameType == "" || r.GameType == gameType
}

// Clone returns a copy that shares no memory with r.
func (r *Room) Clone() Room {
	c := *r
	c.Players = slices.Clone(r.Players)
	if c.Players == nil {
		c.Players = []string{}
	}
	return c
}

// GenerateID returns "room_" followed by a random six-digit number.
func GenerateID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("room_%d", 100000+binary.BigEndian.Uint32(b)%900000)
}

// UniqueID generates IDs with gen until taken reports one as free. It gives
// up after a bounded number of collisions and returns a UUID-based ID.
func UniqueID(gen func() string, taken func(id string) bool) string {
	for i := 0; i < maxIDAttempts; i++ {
		id := gen()
		if !taken(id) {
			return id
		}
	}
	return "room_" + uuid.NewString()
}
