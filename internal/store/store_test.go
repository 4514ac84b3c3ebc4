package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchids/queuepulse/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "qp")
}

func TestKeyNamespacing(t *testing.T) {
	st := newStore(t)
	assert.Equal(t, "qp:jobs:redis:default:SendEmail", st.Key("jobs", "redis", "default", "SendEmail"))
	assert.Equal(t, "qp:workers:all", st.Key("workers", "all"))
}

func TestTransactionAppliesAllCommands(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	err := st.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, st.Key("counters"), "a", 1)
		pipe.HIncrBy(ctx, st.Key("counters"), "b", 2)
		return nil
	})
	require.NoError(t, err)

	fields, err := st.Client().HGetAll(ctx, st.Key("counters")).Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, fields)
}

func TestEvalRunsScript(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	script := redis.NewScript(`return redis.call('INCRBY', KEYS[1], ARGV[1])`)
	res, err := st.Eval(ctx, script, []string{st.Key("n")}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res)

	res, err = st.Eval(ctx, script, []string{st.Key("n")}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res)
}

func TestWrapTagsInfrastructureErrors(t *testing.T) {
	assert.NoError(t, Wrap(nil))

	// redis.Nil is data absence, not infrastructure failure.
	assert.Equal(t, redis.Nil, Wrap(redis.Nil))

	wrapped := Wrap(errors.New("connection refused"))
	assert.ErrorIs(t, wrapped, domain.ErrStoreUnavailable)
}

func TestPing(t *testing.T) {
	st := newStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
