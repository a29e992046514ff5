package runlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Exclusive(t *testing.T) {
	l := NewLocal()
	release, err := l.TryLock(context.Background())
	require.NoError(t, err)

	_, err = l.TryLock(context.Background())
	assert.ErrorIs(t, err, ErrLocked)

	release()
	release() // second call is a no-op

	release2, err := l.TryLock(context.Background())
	require.NoError(t, err)
	release2()
}

// fakeRedis emulates SET NX and the compare-and-delete script.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	setErr  error
	evalErr error
	evals   int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{values: map[string]string{}} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	f := newFakeRedis()
	l := newRedis(f, "sleepetl:batch", time.Minute, zerolog.Nop())

	release, err := l.TryLock(context.Background())
	require.NoError(t, err)
	assert.Contains(t, f.values, "sleepetl:batch")

	release()
	assert.NotContains(t, f.values, "sleepetl:batch")
	assert.Equal(t, 1, f.evals)
}

func TestRedis_HeldByOtherReplica(t *testing.T) {
	f := newFakeRedis()
	f.values["sleepetl:batch"] = "someone-else"
	l := newRedis(f, "sleepetl:batch", time.Minute, zerolog.Nop())

	_, err := l.TryLock(context.Background())
	assert.ErrorIs(t, err, ErrLocked)

	// The in-process lock must have been given back.
	delete(f.values, "sleepetl:batch")
	release, err := l.TryLock(context.Background())
	require.NoError(t, err)
	release()
}

func TestRedis_HeldInProcess(t *testing.T) {
	l := newRedis(newFakeRedis(), "sleepetl:batch", time.Minute, zerolog.Nop())
	release, err := l.TryLock(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = l.TryLock(context.Background())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestRedis_UnavailableFallsBackToLocal(t *testing.T) {
	f := newFakeRedis()
	f.setErr = errors.New("dial tcp: connection refused")
	l := newRedis(f, "sleepetl:batch", time.Minute, zerolog.Nop())

	release, err := l.TryLock(context.Background())
	require.NoError(t, err)
	_, err = l.TryLock(context.Background())
	assert.ErrorIs(t, err, ErrLocked)
	release()
	assert.Equal(t, 0, f.evals)
}

func TestRedis_ReleaseErrorStillFreesLocal(t *testing.T) {
	f := newFakeRedis()
	f.evalErr = errors.New("timeout")
	l := newRedis(f, "sleepetl:batch", time.Minute, zerolog.Nop())

	release, err := l.TryLock(context.Background())
	require.NoError(t, err)
	release()

	// Redis key is still set (it will expire); the local half is free.
	_, err = l.TryLock(context.Background())
	assert.ErrorIs(t, err, ErrLocked)
	f.values = map[string]string{}
	release, err = l.TryLock(context.Background())
	require.NoError(t, err)
	release()
}
