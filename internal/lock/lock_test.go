package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLockAndUnlock(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	locker := NewLocker(client, "rollout:production.checkout", "holder-1")
	require.NoError(t, locker.Lock(ctx, time.Minute))

	// A second holder must not acquire the same key.
	other := NewLocker(client, "rollout:production.checkout", "holder-2")
	assert.Error(t, other.Lock(ctx, time.Minute))

	require.NoError(t, locker.Unlock(ctx))
	assert.NoError(t, other.Lock(ctx, time.Minute))
}

func TestLockIssuesSetNX(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "rollout:start:prod.checkout", "worker-1")

	mock.ExpectSetNX("rollout:start:prod.checkout", "worker-1", 30*time.Second).SetVal(true)

	assert.NoError(t, locker.Lock(context.Background(), 30*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnlockOnlyDeletesOwnValue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "rollout:start:prod.checkout", "worker-1")

	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"rollout:start:prod.checkout"}, "worker-1").SetVal(int64(1))

	assert.NoError(t, locker.Unlock(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnlockByNonHolderFails(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	locker := NewLocker(client, "replay:cycle", "holder-1")
	require.NoError(t, locker.Lock(ctx, time.Minute))

	imposter := NewLocker(client, "replay:cycle", "holder-2")
	assert.Error(t, imposter.Unlock(ctx))
}

func TestExtendLock(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	locker := NewLocker(client, "rollout:staging.search", "holder-1")
	require.NoError(t, locker.Lock(ctx, time.Second))
	assert.NoError(t, locker.ExtendLock(ctx, time.Minute))

	imposter := NewLocker(client, "rollout:staging.search", "holder-2")
	assert.Error(t, imposter.ExtendLock(ctx, time.Minute))
}

func TestWaitLockTimesOut(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	locker := NewLocker(client, "rollout:production.billing", "holder-1")
	require.NoError(t, locker.Lock(ctx, time.Minute))

	other := NewLocker(client, "rollout:production.billing", "holder-2")
	err := other.WaitLock(ctx, time.Minute, 300*time.Millisecond)
	assert.Error(t, err)
}
