package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gibbonas/MemAgent/pkg/memory"
)

const redisKeyPrefix = "memagent:session:"

// RedisStore keeps JSON-encoded session state in Redis so sessions survive a
// restart. Get hands out a decoded copy; callers must Save after mutating.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = &RedisStore{}

// NewRedisStore wraps client. A zero ttl keeps sessions until reset.
func NewRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("session: redis client is nil")
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(sessionID string) string { return redisKeyPrefix + sessionID }

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*memory.State, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	raw, err := s.client.Get(ctx, redisKey(sessionID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return s.Create(ctx, sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "session: redis get")
	}
	var st memory.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, errors.Wrap(err, "session: decode state")
	}
	if !st.Stage.Valid() {
		return nil, errors.Errorf("session: stored state has unknown stage %q", st.Stage)
	}
	return &st, nil
}

func (s *RedisStore) Create(ctx context.Context, sessionID string) (*memory.State, error) {
	st := memory.NewState()
	if err := s.Save(ctx, sessionID, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *RedisStore) Reset(ctx context.Context, sessionID string) (*memory.State, error) {
	return s.Create(ctx, sessionID)
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, st *memory.State) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}
	if st == nil {
		return errors.New("session: nil state")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "session: encode state")
	}
	if err := s.client.Set(ctx, redisKey(sessionID), b, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "session: redis set")
	}
	return nil
}

// Delete removes a session entirely.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, redisKey(sessionID)).Result()
	if err != nil {
		return errors.Wrap(err, "session: redis del")
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
