package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/domain"
)

// Store is a thin namespaced layer over Redis. Every engine above it goes
// through Key for key construction and through Transaction/Eval for any
// multi-field mutation that must be internally consistent; Pipeline exists
// only as a throughput optimization for reads and independent writes.
type Store struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Key joins parts under the configured namespace prefix.
func (s *Store) Key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Client exposes the underlying connection for read-only commands that
// tolerate eventually-consistent snapshots.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Transaction runs fn inside MULTI/EXEC. All queued commands apply
// atomically or not at all.
func (s *Store) Transaction(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := s.client.TxPipelined(ctx, fn)
	return Wrap(err)
}

// Pipeline batches commands without atomicity guarantees.
func (s *Store) Pipeline(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := s.client.Pipelined(ctx, fn)
	return Wrap(err)
}

// Eval runs a server-side script atomically, EVALSHA with EVAL fallback.
// Used wherever a read-modify-write spans fields that must stay consistent
// under concurrent writers.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, Wrap(err)
	}
	return res, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return Wrap(s.client.Ping(ctx).Err())
}

// Wrap tags non-nil store errors as infrastructure failures so callers can
// distinguish them from data errors. redis.Nil passes through untouched.
func Wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
