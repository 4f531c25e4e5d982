// Package checkpoint persists change-stream resume tokens so the listener can
// continue where it stopped after a reconnect or restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store saves and loads the resume token of a named stream. Load returns a nil
// token when nothing has been saved yet.
type Store interface {
	Save(ctx context.Context, stream string, token []byte) error
	Load(ctx context.Context, stream string) ([]byte, error)
}

type record struct {
	Token   []byte    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

// RedisStore keeps checkpoints in Redis under changefeed:resume:<stream>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses the URL, connects and pings.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "changefeed:resume:",
	}
}

// Client exposes the connection so leases can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(stream string) string {
	return s.prefix + stream
}

func (s *RedisStore) Save(ctx context.Context, stream string, token []byte) error {
	data, err := json.Marshal(record{Token: token, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(stream), data, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, stream string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(stream)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return rec.Token, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore keeps checkpoints for the life of the process only.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, stream string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[stream] = append([]byte(nil), token...)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, stream string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[stream]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), token...), nil
}
