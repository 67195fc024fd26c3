package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// collectionTTL is a storage backstop: a room's hashes expire 72h
	// after the last write, matching the retention window, so rooms
	// nobody sweeps still decay.
	collectionTTL = 72 * time.Hour

	// changeChannel carries collection paths whose content changed.
	changeChannel = "onceview:changes"
)

// RedisStore is the production backend. Each room collection is one
// hash (child ID -> JSON value); change notifications fan out over a
// single pub/sub channel carrying the changed collection path.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// collectionKey returns the hash key for a room collection.
func collectionKey(p Path) string {
	return fmt.Sprintf("room:%s:%s", p.Room, p.Kind)
}

func (s *RedisStore) publish(ctx context.Context, p Path) {
	col := Path{Room: p.Room, Kind: p.Kind}
	// Best-effort: a lost notification only delays the next snapshot.
	_ = s.client.Publish(ctx, changeChannel, col.String()).Err()
}

// Write replaces the value at a child path.
func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if p.IsCollection() {
		return fmt.Errorf("%w: write requires a child path, got %q", ErrBadPath, path)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	key := collectionKey(p)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, p.Child, string(raw))
	pipe.Expire(ctx, key, collectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.publish(ctx, p)
	return nil
}

// Merge shallow-merges fields into the record at a child path. The
// read-modify-write is not transactional; concurrent merges on the
// same record are last-write-wins, which the presence model accepts.
func (s *RedisStore) Merge(ctx context.Context, path string, partial map[string]any) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if p.IsCollection() {
		return fmt.Errorf("%w: merge requires a child path, got %q", ErrBadPath, path)
	}
	fields, err := encodePartial(partial, time.Now())
	if err != nil {
		return err
	}

	key := collectionKey(p)
	base, err := s.client.HGet(ctx, key, p.Child).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	merged := mergeRaw(json.RawMessage(base), fields)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, p.Child, string(merged))
	pipe.Expire(ctx, key, collectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.publish(ctx, p)
	return nil
}

// AppendUnique creates a new child under a message collection with a
// generated ULID key and returns the key.
func (s *RedisStore) AppendUnique(ctx context.Context, path string, value any) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	if !p.IsCollection() || p.Kind != "messages" {
		return "", fmt.Errorf("%w: append requires a message collection path, got %q", ErrBadPath, path)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	id := ulid.Make().String()
	key := collectionKey(p)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, id, string(raw))
	pipe.Expire(ctx, key, collectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	s.publish(ctx, p)
	return id, nil
}

// Delete removes a child or a whole collection.
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}

	key := collectionKey(p)
	if p.IsCollection() {
		err = s.client.Del(ctx, key).Err()
	} else {
		err = s.client.HDel(ctx, key, p.Child).Err()
	}
	if err != nil {
		return err
	}

	s.publish(ctx, p)
	return nil
}

// ReadOnce returns the current snapshot of a collection.
func (s *RedisStore) ReadOnce(ctx context.Context, path string) (Snapshot, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if !p.IsCollection() {
		return nil, fmt.Errorf("%w: read requires a collection path, got %q", ErrBadPath, path)
	}

	values, err := s.client.HGetAll(ctx, collectionKey(p)).Result()
	if err != nil {
		return nil, err
	}

	snap := make(Snapshot, len(values))
	for id, raw := range values {
		snap[id] = json.RawMessage(raw)
	}
	return snap, nil
}

// Subscribe delivers the current snapshot immediately, then the full
// snapshot again whenever a change notification for the path arrives.
func (s *RedisStore) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if !p.IsCollection() {
		return nil, fmt.Errorf("%w: subscribe requires a collection path, got %q", ErrBadPath, path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, changeChannel)

	go func() {
		defer pubsub.Close()

		deliver := func() {
			snap, err := s.ReadOnce(ctx, path)
			if err != nil {
				return
			}
			fn(snap)
		}
		deliver()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == p.String() {
					deliver()
				}
			}
		}
	}()

	return cancel, nil
}

// Rooms enumerates room codes currently holding messages.
func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	var (
		codes  []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "room:*:messages", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			code := strings.TrimSuffix(strings.TrimPrefix(key, "room:"), ":messages")
			codes = append(codes, code)
		}
		cursor = next
		if cursor == 0 {
			return codes, nil
		}
	}
}
