// Package realtime provides the document store the summon protocol
// synchronises through: JSON documents in Redis, optimistic multi-document
// transactions, and push notifications of every committed revision.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a document key does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by Put when the key is already taken.
	ErrExists = errors.New("document already exists")
	// ErrConflict is returned when an optimistic transaction kept losing
	// against concurrent writers and gave up.
	ErrConflict = errors.New("document changed concurrently")
)

const (
	channelPrefix      = "docs:"
	watchBuffer        = 16
	defaultTxAttempts  = 32
	connectPingTimeout = 5 * time.Second
)

// Tx is the view of the watched documents inside one optimistic
// transaction. Reads go to Redis; mutations are buffered and applied in a
// single MULTI/EXEC only if none of the watched keys changed meanwhile.
type Tx interface {
	Get(key string) ([]byte, error)
	Set(key string, doc []byte)
	Retain(key string, ttl time.Duration)
	Schedule(set, member string, at time.Time)
	Unschedule(set, member string)
}

// RedisStore implements the realtime document store using Redis
type RedisStore struct {
	client     *redis.Client
	txAttempts int
	logger     *slog.Logger
}

// Option customises a RedisStore.
type Option func(*RedisStore)

// WithTxAttempts bounds how many times a transaction is replayed after
// losing an optimistic race.
func WithTxAttempts(n int) Option {
	return func(s *RedisStore) {
		if n > 0 {
			s.txAttempts = n
		}
	}
}

// WithLogger sets the logger used for background watch failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore creates a new Redis-backed document store
func NewRedisStore(redisURL string, opts ...Option) (*RedisStore, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts...), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:     client,
		txAttempts: defaultTxAttempts,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func channel(key string) string {
	return channelPrefix + key
}

// Get returns the current revision of a document.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

// Put creates a document. It never overwrites: an existing key yields
// ErrExists.
func (s *RedisStore) Put(ctx context.Context, key string, doc []byte) error {
	created, err := s.client.SetNX(ctx, key, doc, 0).Result()
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if !created {
		return ErrExists
	}
	if err := s.client.Publish(ctx, channel(key), doc).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside an optimistic transaction watching keys. fn checks
// its preconditions through Tx.Get and buffers writes; returning an error
// aborts without writing anything. Every Set also publishes the new
// revision on the document's channel inside the same MULTI.
//
// fn may run several times when the transaction is replayed, so it must
// not keep state across calls.
func (s *RedisStore) Update(ctx context.Context, keys []string, fn func(Tx) error) error {
	for attempt := 0; attempt < s.txAttempts; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{ctx: ctx, rtx: rtx, written: make(map[string][]byte)}
			if err := fn(tx); err != nil {
				return err
			}
			if len(tx.ops) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, op := range tx.ops {
					op(pipe)
				}
				return nil
			})
			return err
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Watch streams revisions of a document. The subscription is established
// before the current revision is read, so a subscriber that connects after
// the last write still receives it. Delivery is at-least-once; consumers
// must tolerate duplicates. The channel closes when ctx ends.
func (s *RedisStore) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	pubsub := s.client.Subscribe(ctx, channel(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	out := make(chan []byte, watchBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		send := func(doc []byte) bool {
			select {
			case out <- doc:
				return true
			case <-ctx.Done():
				return false
			}
		}

		current, err := s.Get(ctx, key)
		switch {
		case err == nil:
			if !send(current) {
				return
			}
		case errors.Is(err, ErrNotFound):
		default:
			if ctx.Err() == nil {
				s.logger.Warn("watch initial read failed", "key", key, "error", err)
			}
		}

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if !send([]byte(msg.Payload)) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Due returns the members of a schedule set whose time is at or before now.
func (s *RedisStore) Due(ctx context.Context, set string, now time.Time) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read schedule %s: %w", set, err)
	}
	return members, nil
}

// Touch creates or refreshes a short-lived marker key.
func (s *RedisStore) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}
	return nil
}

// Drop removes a marker key. Dropping a missing key is not an error.
func (s *RedisStore) Drop(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("drop %s: %w", key, err)
	}
	return nil
}

// Alive reports, per key, whether the marker currently exists.
func (s *RedisStore) Alive(ctx context.Context, keys ...string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check markers: %w", err)
	}
	alive := make([]bool, len(keys))
	for i, cmd := range cmds {
		alive[i] = cmd.Val() > 0
	}
	return alive, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type redisTx struct {
	ctx     context.Context
	rtx     *redis.Tx
	written map[string][]byte
	ops     []func(redis.Pipeliner)
}

func (t *redisTx) Get(key string) ([]byte, error) {
	if doc, ok := t.written[key]; ok {
		return doc, nil
	}
	doc, err := t.rtx.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

func (t *redisTx) Set(key string, doc []byte) {
	t.written[key] = doc
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.Set(t.ctx, key, doc, 0)
		pipe.Publish(t.ctx, channel(key), doc)
	})
}

// Retain gives key an expiry. It must follow the Set of the same key, since
// a plain SET clears any previous expiry.
func (t *redisTx) Retain(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.Expire(t.ctx, key, ttl)
	})
}

func (t *redisTx) Schedule(set, member string, at time.Time) {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.ZAdd(t.ctx, set, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	})
}

func (t *redisTx) Unschedule(set, member string) {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.ZRem(t.ctx, set, member)
	})
}
