package storage

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/gamelobby/internal/room"
	"github.com/christopherjohns/gamelobby/internal/user"
)

const (
	usersKey = "lobby:users"
	roomsKey = "lobby:rooms"
)

// chatKey returns the Redis key for a room's chat list.
func chatKey(roomID string) string {
	return "lobby:room:" + roomID + ":chat"
}

// RedisStore persists users and rooms as JSON values in two hashes, and chat
// as a capped list per room.
type RedisStore struct {
	client  redis.Cmdable
	maxChat int64
}

// NewRedisStore creates a RedisStore that retains up to maxChat messages per room.
func NewRedisStore(client redis.Cmdable, maxChat int) *RedisStore {
	return &RedisStore{
		client:  client,
		maxChat: int64(maxChat),
	}
}

func (s *RedisStore) InsertUser(ctx context.Context, u user.User) error {
	return s.put(ctx, usersKey, u.ID, u)
}

func (s *RedisStore) UpdateUser(ctx context.Context, u user.User) error {
	return s.put(ctx, usersKey, u.ID, u)
}

func (s *RedisStore) GetUserByID(ctx context.Context, id string) (user.User, error) {
	var u user.User
	if err := s.get(ctx, usersKey, id, &u); err != nil {
		return user.User{}, eris.Wrapf(err, "user %s", id)
	}
	return u, nil
}

func (s *RedisStore) DeleteUser(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, usersKey, id).Err(); err != nil {
		return eris.Wrapf(err, "failed to delete user %s", id)
	}
	return nil
}

func (s *RedisStore) InsertRoom(ctx context.Context, r room.Room) error {
	return s.put(ctx, roomsKey, r.ID, r)
}

func (s *RedisStore) UpdateRoom(ctx context.Context, r room.Room) error {
	return s.put(ctx, roomsKey, r.ID, r)
}

// GetRoomByID returns a stored room record.
func (s *RedisStore) GetRoomByID(ctx context.Context, id string) (room.Room, error) {
	var r room.Room
	if err := s.get(ctx, roomsKey, id, &r); err != nil {
		return room.Room{}, eris.Wrapf(err, "room %s", id)
	}
	return r, nil
}

// DeleteRoom removes the room record and its chat history in one round trip.
func (s *RedisStore) DeleteRoom(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, roomsKey, id)
	pipe.Del(ctx, chatKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "failed to delete room %s", id)
	}
	return nil
}

// InsertChatMessage appends to the room's list, trimming it to maxChat.
func (s *RedisStore) InsertChatMessage(ctx context.Context, msg ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "failed to marshal chat message")
	}

	key := chatKey(msg.RoomID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.maxChat > 0 {
		pipe.LTrim(ctx, key, -s.maxChat, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "failed to append chat message")
	}
	return nil
}

func (s *RedisStore) GetChatHistory(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, chatKey(roomID), start, -1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to read chat history")
	}

	msgs := make([]ChatMessage, 0, len(vals))
	for _, v := range vals {
		var m ChatMessage
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			log.Warn().Err(err).Str("module", "storage").Str("room", roomID).Msg("skipping undecodable chat message")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) put(ctx context.Context, key, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "failed to marshal %s", field)
	}
	if err := s.client.HSet(ctx, key, field, data).Err(); err != nil {
		return eris.Wrapf(err, "failed to write %s", field)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key, field string, v any) error {
	data, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "failed to read record")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrap(err, "failed to decode record")
	}
	return nil
}
