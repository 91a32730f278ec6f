package streak

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reflectai/api/internal/config"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client), s
}

func TestRedisLockerGrantsOnce(t *testing.T) {
	locker, s := newRedisLocker(t)
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	s.FastForward(2 * time.Minute)
	ok, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease expired")
}

func TestJobRunsOncePerDayAcrossInstances(t *testing.T) {
	svc, mem, clock := newTestService(t, 1)
	ctx := context.Background()
	_, err := svc.RecordWords(ctx, "usr_1", 10)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)

	locker, _ := newRedisLocker(t)
	cfg := config.StreakConfig{Schedule: "59 23 * * *", Timezone: "UTC", MinDailyWords: 1}
	first := NewJob(svc, cfg, locker, zap.NewNop())
	second := NewJob(svc, cfg, locker, zap.NewNop())

	assert.True(t, first.Run(ctx))
	assert.False(t, second.Run(ctx))
	assert.Equal(t, 1, mem.resets)

	s, err := svc.Snapshot(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.CurrentStreak)
}

func TestJobLogsAndDropsFailures(t *testing.T) {
	svc, mem, _ := newTestService(t, 1)
	mem.resetFn = func(context.Context, time.Time) (int64, error) { return 0, errors.New("db down") }

	job := NewJob(svc, config.StreakConfig{Schedule: "59 23 * * *", Timezone: "UTC"}, nil, zap.NewNop())
	assert.False(t, job.Run(context.Background()))
}

func TestJobStartRejectsBadSchedule(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	job := NewJob(svc, config.StreakConfig{Schedule: "every tuesday", Timezone: "UTC"}, nil, zap.NewNop())
	assert.Error(t, job.Start())
}

func TestJobStartStop(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	job := NewJob(svc, config.StreakConfig{Schedule: "59 23 * * *", Timezone: "UTC"}, nil, zap.NewNop())
	require.NoError(t, job.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job.Stop(ctx)
}
