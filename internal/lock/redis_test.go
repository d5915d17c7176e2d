package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeRedis struct {
	mu     sync.Mutex
	held    map[string]string
	setErr  error
	evalErr error
	evals   int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{held: make(map[string]string)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.held[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.held[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	if f.held[keys[0]] == args[0].(string) {
		delete(f.held, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestNewRedis_NilClient(t *testing.T) {
	_, err := NewRedis(nil, time.Second, time.Second, nil)
	require.Error(t, err)
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	f := newFakeRedis()
	l, err := NewRedis(f, time.Second, 30*time.Millisecond, nil)
	require.NoError(t, err)
	l.poll = 5 * time.Millisecond

	release, err := l.Acquire(context.Background(), "conv:1")
	require.NoError(t, err)
	assert.Contains(t, f.held, "lock:conv:1")

	_, err = l.Acquire(context.Background(), "conv:1")
	require.ErrorIs(t, err, ErrTimeout)

	release()
	assert.NotContains(t, f.held, "lock:conv:1")
	assert.Equal(t, 1, f.evals)

	release2, err := l.Acquire(context.Background(), "conv:1")
	require.NoError(t, err)
	release2()
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	f := newFakeRedis()
	core, logs := observer.New(zap.WarnLevel)
	l, err := NewRedis(f, time.Second, 0, zap.New(core))
	require.NoError(t, err)

	release, err := l.Acquire(context.Background(), "conv:1")
	require.NoError(t, err)

	// lease expired and another holder took over
	f.held["lock:conv:1"] = "someone-else"
	release()
	assert.Equal(t, "someone-else", f.held["lock:conv:1"])
	assert.Equal(t, 1, logs.FilterMessage("redis lock lease expired before release").Len())
}

func TestRedis_SetNXError(t *testing.T) {
	f := newFakeRedis()
	f.setErr = errors.New("connection refused")
	l, err := NewRedis(f, time.Second, time.Second, nil)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "conv:1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestRedis_ReleaseErrorIsLogged(t *testing.T) {
	f := newFakeRedis()
	f.evalErr = errors.New("i/o timeout")
	core, logs := observer.New(zap.WarnLevel)
	l, err := NewRedis(f, 5*time.Second, 0, zap.New(core))
	require.NoError(t, err)

	release, err := l.Acquire(context.Background(), "conv:1")
	require.NoError(t, err)
	release()

	entries := logs.FilterMessage("redis lock release failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "lock:conv:1", entries[0].ContextMap()["key"])
	assert.Contains(t, f.held, "lock:conv:1")
}
