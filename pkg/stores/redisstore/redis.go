// Package redisstore implements a cache.Store on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowgraph/pkg/cache"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// DefaultPrefix is prepended to every key.
const DefaultPrefix = "flowgraph:"

// Store keeps one JSON document per node entry under
// <prefix>cache:<workflow>:<node>. Writing a whole document with one SET
// replaces an entry atomically.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

var _ cache.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires entries after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Redis cache store.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "redis_cache").Logger()
	return s
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func (s *Store) workflowPrefix(wf uuid.UUID) string {
	return s.prefix + "cache:" + wf.String() + ":"
}

func (s *Store) key(wf uuid.UUID, node workflow.NodeID) string {
	return s.workflowPrefix(wf) + strconv.Itoa(int(node))
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, wf uuid.UUID, node workflow.NodeID, entry cache.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := s.client.Set(ctx, s.key(wf, node), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	s.logger.Debug().
		Str("workflow", wf.String()).
		Int("node", int(node)).
		Int("outputs", len(entry.Outputs)).
		Msg("Cache entry saved")
	return nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, wf uuid.UUID, node workflow.NodeID) (cache.Entry, error) {
	data, err := s.client.Get(ctx, s.key(wf, node)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return cache.Entry{}, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return entry, nil
}

// Delete implements cache.Store.
func (s *Store) Delete(ctx context.Context, wf uuid.UUID, node workflow.NodeID) error {
	if err := s.client.Del(ctx, s.key(wf, node)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context, wf uuid.UUID) error {
	keys, err := s.keys(ctx, wf)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for start := 0; start < len(keys); start += 100 {
			end := min(start+100, len(keys))
			pipe.Del(ctx, keys[start:end]...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear cache entries: %w", err)
	}

	s.logger.Debug().
		Str("workflow", wf.String()).
		Int("entries", len(keys)).
		Msg("Cache cleared")
	return nil
}

// Nodes returns the ids of the nodes with an entry.
func (s *Store) Nodes(ctx context.Context, wf uuid.UUID) ([]workflow.NodeID, error) {
	keys, err := s.keys(ctx, wf)
	if err != nil {
		return nil, err
	}

	prefix := s.workflowPrefix(wf)
	ids := make([]workflow.NodeID, 0, len(keys))
	for _, key := range keys {
		id, err := strconv.Atoi(key[len(prefix):])
		if err != nil {
			continue
		}
		ids = append(ids, workflow.NodeID(id))
	}
	return ids, nil
}

func (s *Store) keys(ctx context.Context, wf uuid.UUID) ([]string, error) {
	pattern := s.workflowPrefix(wf) + "*"

	var cursor uint64
	var keys []string
	seen := make(map[string]bool)
	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		// SCAN may return a key more than once.
		for _, key := range batch {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}

		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
