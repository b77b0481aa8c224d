package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/user"
)

// writeTimeout bounds a single queued write against the wrapped store.
const writeTimeout = 2 * time.Second

type write struct {
	name string
	run  func(ctx context.Context) error
}

// AsyncStore queues writes for a single background worker so callers never
// wait on store I/O. Writes reach the wrapped store in submission order. When
// the queue is full the write is dropped. Reads go straight through.
type AsyncStore struct {
	next  Store
	queue chan write
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncStore starts a worker writing to next with a queue of size entries.
func NewAsyncStore(next Store, size int) *AsyncStore {
	if size <= 0 {
		size = 1
	}
	s := &AsyncStore{
		next:  next,
		queue: make(chan write, size),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncStore) run() {
	defer close(s.done)
	for w := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.run(ctx); err != nil {
			s.failed.Add(1)
			log.Warn().Err(err).Str("module", "storage").Str("op", w.name).Msg("persistence write failed")
		}
		cancel()
	}
}

func (s *AsyncStore) submit(name string, run func(ctx context.Context) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	select {
	case s.queue <- write{name: name, run: run}:
	default:
		s.dropped.Add(1)
		log.Warn().Str("module", "storage").Str("op", name).Msg("persistence queue full, dropping write")
	}
	return nil
}

// Close stops accepting writes and waits for queued ones to finish.
func (s *AsyncStore) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

// Dropped returns the number of writes discarded because the queue was full
// or the store was closed.
func (s *AsyncStore) Dropped() int64 { return s.dropped.Load() }

// Failed returns the number of writes the wrapped store rejected.
func (s *AsyncStore) Failed() int64 { return s.failed.Load() }

func (s *AsyncStore) InsertUser(_ context.Context, u user.User) error {
	return s.submit("insert_user", func(ctx context.Context) error { return s.next.InsertUser(ctx, u) })
}

func (s *AsyncStore) UpdateUser(_ context.Context, u user.User) error {
	return s.submit("update_user", func(ctx context.Context) error { return s.next.UpdateUser(ctx, u) })
}

func (s *AsyncStore) GetUserByID(ctx context.Context, id string) (user.User, error) {
	return s.next.GetUserByID(ctx, id)
}

func (s *AsyncStore) DeleteUser(_ context.Context, id string) error {
	return s.submit("delete_user", func(ctx context.Context) error { return s.next.DeleteUser(ctx, id) })
}

func (s *AsyncStore) InsertRoom(_ context.Context, r room.Room) error {
	return s.submit("insert_room", func(ctx context.Context) error { return s.next.InsertRoom(ctx, r) })
}

func (s *AsyncStore) UpdateRoom(_ context.Context, r room.Room) error {
	return s.submit("update_room", func(ctx context.Context) error { return s.next.UpdateRoom(ctx, r) })
}

func (s *AsyncStore) DeleteRoom(_ context.Context, id string) error {
	return s.submit("delete_room", func(ctx context.Context) error { return s.next.DeleteRoom(ctx, id) })
}

func (s *AsyncStore) InsertChatMessage(_ context.Context, msg ChatMessage) error {
	return s.submit("insert_chat_message", func(ctx context.Context) error { return s.next.InsertChatMessage(ctx, msg) })
}

func (s *AsyncStore) GetChatHistory(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	return s.next.GetChatHistory(ctx, roomID, limit)
}
