// Package lobby holds the authoritative in-memory model of rooms and users.
package lobby

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/storage"
	"github.com/christopherjohns/gamelobby/internal/user"
)

const (
	defaultPersistTimeout = 2 * time.Second
	defaultChatRetention  = 500
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyMember = errors.New("user is already in the room")
	ErrNotMember     = errors.New("user is not in the room")
	ErrUnknownUser   = errors.New("unknown user")
	ErrNotCreator    = errors.New("only the room creator can do that")
	ErrInvalidStatus = errors.New("invalid room status")
)

// Option configures a Store.
type Option func(*Store)

// WithPersistence sets the store that receives best-effort copies of every
// change. The default is an in-memory store.
func WithPersistence(p storage.Store) Option {
	return func(s *Store) {
		s.persist = p
	}
}

// WithMaxPlayers sets the capacity of newly created rooms.
func WithMaxPlayers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPlayers = n
		}
	}
}

// WithIDGenerator replaces the room ID generator. Collisions with live rooms
// are re-rolled.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// WithPersistTimeout bounds each persistence call.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// Store is the concurrent table of rooms and users.
//
// Lock order: roomsMu before usersMu, on every path that takes both. A path
// may take usersMu alone but must never acquire roomsMu while holding it.
// Neither lock is held while calling the persistence store or observers.
type Store struct {
	roomsMu sync.RWMutex
	rooms   map[string]*room.Room

	usersMu sync.RWMutex
	users   map[string]*user.User

	obsMu     sync.RWMutex
	observers []Observer

	persist        storage.Store
	persistTimeout time.Duration
	maxPlayers     int
	newID          func() string
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		rooms:          make(map[string]*room.Room),
		users:          make(map[string]*user.User),
		persistTimeout: defaultPersistTimeout,
		maxPlayers:     room.DefaultMaxPlayers,
		newID:          room.GenerateID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persist == nil {
		s.persist = storage.NewMemoryStore(defaultChatRetention)
	}
	return s
}

// Subscribe registers an observer for all future events.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

type write struct {
	op  string
	run func(ctx context.Context, p storage.Store) error
}

// batch collects the side effects of one operation while locks are held so
// they can be issued after the locks are released.
type batch struct {
	writes []write
	events []Event
}

func (b *batch) saveRoom(r room.Room, created bool) {
	if created {
		b.writes = append(b.writes, write{"insert_room", func(ctx context.Context, p storage.Store) error {
			return p.InsertRoom(ctx, r)
		}})
		return
	}
	b.writes = append(b.writes, write{"update_room", func(ctx context.Context, p storage.Store) error {
		return p.UpdateRoom(ctx, r)
	}})
}

func (b *batch) deleteRoom(id string) {
	b.writes = append(b.writes, write{"delete_room", func(ctx context.Context, p storage.Store) error {
		return p.DeleteRoom(ctx, id)
	}})
}

func (b *batch) saveUser(u user.User, created bool) {
	if created {
		b.writes = append(b.writes, write{"insert_user", func(ctx context.Context, p storage.Store) error {
			return p.InsertUser(ctx, u)
		}})
		return
	}
	b.writes = append(b.writes, write{"update_user", func(ctx context.Context, p storage.Store) error {
		return p.UpdateUser(ctx, u)
	}})
}

func (b *batch) deleteUser(id string) {
	b.writes = append(b.writes, write{"delete_user", func(ctx context.Context, p storage.Store) error {
		return p.DeleteUser(ctx, id)
	}})
}

func (b *batch) emit(ev Event) {
	b.events = append(b.events, ev)
}

// commit issues persistence writes and then notifies observers. It must be
// called with no store lock held.
func (s *Store) commit(b *batch) {
	for _, w := range b.writes {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		err := w.run(ctx, s.persist)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "lobby").Str("op", w.op).Msg("persistence write failed")
		}
	}

	if len(b.events) == 0 {
		return
	}
	s.obsMu.RLock()
	observers := slices.Clone(s.observers)
	s.obsMu.RUnlock()
	for _, ev := range b.events {
		for _, o := range observers {
			o.Notify(ev)
		}
	}
}

// linkUserLocked points userID's current room at roomID. Requires usersMu.
func (s *Store) linkUserLocked(b *batch, userID, roomID string) bool {
	u, ok := s.users[userID]
	if !ok {
		return false
	}
	u.CurrentRoom = roomID
	b.saveUser(*u, false)
	return true
}

// createRoomLocked inserts a new room owned by creatorID. Requires roomsMu
// and usersMu.
func (s *Store) createRoomLocked(b *batch, name, creatorID, gameType string) string {
	id := room.UniqueID(s.newID, func(id string) bool {
		_, taken := s.rooms[id]
		return taken
	})
	r := room.New(id, name, creatorID, gameType, s.maxPlayers)
	s.rooms[id] = r

	snap := r.Clone()
	b.saveRoom(snap, true)
	if !s.linkUserLocked(b, creatorID, id) {
		log.Warn().Str("module", "lobby").Str("room", id).Str("user", creatorID).
			Msg("room creator is not a known user, skipping user linkage")
	}
	b.emit(Event{Kind: RoomUpdated, RoomID: id, UserID: creatorID, Room: snap})
	return id
}

// CreateRoom creates a room with creatorID as its only member and returns
// its ID. An unknown creator still gets a room but no user record is
// updated.
func (s *Store) CreateRoom(name, creatorID, gameType string) string {
	var b batch
	s.roomsMu.Lock()
	s.usersMu.Lock()
	id := s.createRoomLocked(&b, name, creatorID, gameType)
	s.usersMu.Unlock()
	s.roomsMu.Unlock()

	s.commit(&b)
	return id
}

// JoinRoom adds userID to the room. It fails without changing anything if
// the room does not exist, already lists the user, or is full.
func (s *Store) JoinRoom(roomID, userID string) error {
	var b batch
	s.roomsMu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.roomsMu.Unlock()
		return eris.Wrapf(ErrRoomNotFound, "join %s", roomID)
	}
	if r.HasPlayer(userID) {
		s.roomsMu.Unlock()
		return eris.Wrapf(ErrAlreadyMember, "join %s", roomID)
	}
	if !r.AddPlayer(userID) {
		s.roomsMu.Unlock()
		return eris.Wrapf(ErrRoomFull, "join %s", roomID)
	}
	snap := r.Clone()
	b.saveRoom(snap, false)

	s.usersMu.Lock()
	s.linkUserLocked(&b, userID, roomID)
	s.usersMu.Unlock()
	s.roomsMu.Unlock()

	b.emit(Event{Kind: RoomUpdated, RoomID: roomID, UserID: userID, Room: snap})
	s.commit(&b)
	return nil
}

// leaveLocked removes userID from r and deletes r once it is empty.
// Requires roomsMu and usersMu.
func (s *Store) leaveLocked(b *batch, r *room.Room, userID string) {
	r.RemovePlayer(userID)
	snap := r.Clone()
	if r.IsEmpty() {
		delete(s.rooms, r.ID)
		b.deleteRoom(r.ID)
		b.emit(Event{Kind: RoomDeleted, RoomID: r.ID, UserID: userID, Room: snap})
	} else {
		b.saveRoom(snap, false)
		b.emit(Event{Kind: RoomUpdated, RoomID: r.ID, UserID: userID, Room: snap})
	}

	if u, ok := s.users[userID]; ok && u.CurrentRoom == r.ID {
		u.CurrentRoom = ""
		b.saveUser(*u, false)
	}
}

// LeaveRoom removes userID from the room, deleting the room if it becomes
// empty. It fails if the room does not exist or the user is not a member.
func (s *Store) LeaveRoom(roomID, userID string) error {
	var b batch
	s.roomsMu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.roomsMu.Unlock()
		return eris.Wrapf(ErrRoomNotFound, "leave %s", roomID)
	}
	if !r.HasPlayer(userID) {
		s.roomsMu.Unlock()
		return eris.Wrapf(ErrNotMember, "leave %s", roomID)
	}
	s.usersMu.Lock()
	s.leaveLocked(&b, r, userID)
	s.usersMu.Unlock()
	s.roomsMu.Unlock()

	s.commit(&b)
	return nil
}

// AddUser inserts or replaces the user record. A user already present
// keeps its current room.
func (s *Store) AddUser(u user.User) {
	var b batch
	s.usersMu.Lock()
	existing, ok := s.users[u.ID]
	if ok {
		u.CurrentRoom = existing.CurrentRoom
	} else {
		u.CurrentRoom = ""
	}
	stored := u
	s.users[u.ID] = &stored
	b.saveUser(u, !ok)
	s.usersMu.Unlock()

	b.emit(Event{Kind: UserUpdated, UserID: u.ID, User: u})
	s.commit(&b)
}

// RemoveUser takes userID out of every room it belongs to, deleting rooms
// that become empty, and then deletes the user record.
func (s *Store) RemoveUser(userID string) {
	var b batch
	s.roomsMu.Lock()
	s.usersMu.Lock()

	var member []*room.Room
	for _, r := range s.rooms {
		if r.HasPlayer(userID) {
			member = append(member, r)
		}
	}
	slices.SortFunc(member, func(x, y *room.Room) int { return cmp.Compare(x.ID, y.ID) })
	for _, r := range member {
		s.leaveLocked(&b, r, userID)
	}

	u, known := s.users[userID]
	if known {
		delete(s.users, userID)
		b.deleteUser(userID)
		b.emit(Event{Kind: UserRemoved, UserID: userID, User: *u})
	}
	s.usersMu.Unlock()
	s.roomsMu.Unlock()

	s.commit(&b)
}

// SendChatMessage records a chat line from userID in roomID. Chat lives only
// in the persistence store.
func (s *Store) SendChatMessage(roomID, userID, text string) error {
	s.usersMu.RLock()
	u, ok := s.users[userID]
	var username string
	if ok {
		username = u.Username
	}
	s.usersMu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrUnknownUser, "chat from %s", userID)
	}

	msg := storage.ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Message:   text,
		Timestamp: time.Now(),
	}
	b := batch{
		writes: []write{{"insert_chat_message", func(ctx context.Context, p storage.Store) error {
			return p.InsertChatMessage(ctx, msg)
		}}},
	}
	b.emit(Event{Kind: ChatPosted, RoomID: roomID, UserID: userID, Chat: msg})
	s.commit(&b)
	return nil
}

// ListRooms returns a snapshot of every room, oldest first.
func (s *Store) ListRooms() []room.Room {
	s.roomsMu.RLock()
	result := make([]room.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		result = append(result, r.Clone())
	}
	s.roomsMu.RUnlock()
	sortRooms(result)
	return result
}

// ListOnlineUsers returns a snapshot of online users ordered by ID.
func (s *Store) ListOnlineUsers() []user.User {
	s.usersMu.RLock()
	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		if u.Online {
			result = append(result, *u)
		}
	}
	s.usersMu.RUnlock()
	slices.SortFunc(result, func(x, y user.User) int { return cmp.Compare(x.ID, y.ID) })
	return result
}

// Room returns a snapshot of one room.
func (s *Store) Room(id string) (room.Room, bool) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return room.Room{}, false
	}
	return r.Clone(), true
}

// User returns a snapshot of one user.
func (s *Store) User(id string) (user.User, bool) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return user.User{}, false
	}
	return *u, true
}

// TouchUser refreshes the user's last-activity time.
func (s *Store) TouchUser(id string) {
	var b batch
	s.usersMu.Lock()
	u, ok := s.users[id]
	if ok {
		u.Touch()
		b.saveUser(*u, false)
	}
	s.usersMu.Unlock()
	s.commit(&b)
}

// FindAvailableRooms returns waiting rooms with a free seat, oldest first.
// An empty gameType matches every room.
func (s *Store) FindAvailableRooms(gameType string) []room.Room {
	s.roomsMu.RLock()
	var result []room.Room
	for _, r := range s.rooms {
		if r.Available(gameType) {
			result = append(result, r.Clone())
		}
	}
	s.roomsMu.RUnlock()
	sortRooms(result)
	return result
}

// FindOrCreateRoom puts userID into the oldest available room of gameType
// that it is not already in, or creates one for it.
func (s *Store) FindOrCreateRoom(userID, gameType string) (string, error) {
	if gameType == "" {
		gameType = room.DefaultGameType
	}

	var b batch
	s.roomsMu.Lock()
	s.usersMu.Lock()
	if _, ok := s.users[userID]; !ok {
		s.usersMu.Unlock()
		s.roomsMu.Unlock()
		return "", eris.Wrapf(ErrUnknownUser, "quick join for %s", userID)
	}

	var best *room.Room
	for _, r := range s.rooms {
		if !r.Available(gameType) || r.HasPlayer(userID) {
			continue
		}
		if best == nil || olderRoom(r, best) {
			best = r
		}
	}

	var id string
	if best != nil {
		best.AddPlayer(userID)
		snap := best.Clone()
		b.saveRoom(snap, false)
		s.linkUserLocked(&b, userID, best.ID)
		b.emit(Event{Kind: RoomUpdated, RoomID: best.ID, UserID: userID, Room: snap})
		id = best.ID
	} else {
		id = s.createRoomLocked(&b, gameType+" room", userID, gameType)
	}
	s.usersMu.Unlock()
	s.roomsMu.Unlock()

	s.commit(&b)
	return id, nil
}

// SetRoomStatus changes the room's lifecycle status. Only the creator may
// do so.
func (s *Store) SetRoomStatus(roomID, userID string, status room.Status) error {
	if !status.Valid() {
		return eris.Wrapf(ErrInvalidStatus, "status %q", status)
	}

	var b batch
	s.roomsMu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.roomsMu.Unlock()
		return eris.Wrapf(ErrRoomNotFound, "set status of %s", roomID)
	}
	if r.CreatedBy != userID {
		s.roomsMu.Unlock()
		return eris.Wrapf(ErrNotCreator, "set status of %s", roomID)
	}
	if r.Status == status {
		s.roomsMu.Unlock()
		return nil
	}
	r.Status = status
	snap := r.Clone()
	s.roomsMu.Unlock()

	b.saveRoom(snap, false)
	b.emit(Event{Kind: RoomUpdated, RoomID: roomID, UserID: userID, Room: snap})
	s.commit(&b)
	return nil
}

// ChatHistory returns up to limit recent chat messages for a room, oldest
// first, from the persistence store.
func (s *Store) ChatHistory(ctx context.Context, roomID string, limit int) ([]storage.ChatMessage, error) {
	msgs, err := s.persist.GetChatHistory(ctx, roomID, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "chat history for %s", roomID)
	}
	return msgs, nil
}

// Counts returns the number of live rooms and users.
func (s *Store) Counts() (rooms, users int) {
	s.roomsMu.RLock()
	rooms = len(s.rooms)
	s.roomsMu.RUnlock()
	s.usersMu.RLock()
	users = len(s.users)
	s.usersMu.RUnlock()
	return rooms, users
}

func olderRoom(a, b *room.Room) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortRooms(rooms []room.Room) {
	slices.SortFunc(rooms, func(a, b room.Room) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
