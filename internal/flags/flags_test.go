package flags

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mind-engage/mindengage-exams/internal/db"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingSource struct {
	calls atomic.Int32
	vals  map[string]bool
	err   error
	gate  chan struct{}
}

func (s *countingSource) Load(ctx context.Context) (map[string]bool, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]bool{}
	for k, v := range s.vals {
		out[k] = v
	}
	return out, nil
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestEnabled_DefaultsForUnknownFlag(t *testing.T) {
	svc := NewService(Static{Report: false}, time.Minute, nil, quietLog())
	ctx := context.Background()

	assert.False(t, svc.Enabled(ctx, Report, true))
	assert.True(t, svc.Enabled(ctx, Leaderboard, true))
	assert.False(t, svc.Enabled(ctx, Leaderboard, false))
}

func TestEnabled_CachesForTTL(t *testing.T) {
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	src := &countingSource{vals: map[string]bool{Leaderboard: true}}
	svc := NewService(src, 30*time.Second, c.Now, quietLog())
	ctx := context.Background()

	require.True(t, svc.Enabled(ctx, Leaderboard, false))
	src.vals[Leaderboard] = false
	c.Advance(29 * time.Second)
	assert.True(t, svc.Enabled(ctx, Leaderboard, false), "still cached")
	assert.EqualValues(t, 1, src.calls.Load())

	c.Advance(time.Second)
	assert.False(t, svc.Enabled(ctx, Leaderboard, true))
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestInvalidate_ForcesReload(t *testing.T) {
	src := &countingSource{vals: map[string]bool{Report: true}}
	svc := NewService(src, time.Hour, nil, quietLog())
	ctx := context.Background()

	require.True(t, svc.Enabled(ctx, Report, false))
	src.vals[Report] = false
	svc.Invalidate()
	assert.False(t, svc.Enabled(ctx, Report, true))
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestEnabled_KeepsStaleValuesOnFailure(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	src := &countingSource{vals: map[string]bool{Report: false}}
	svc := NewService(src, time.Second, c.Now, quietLog())
	ctx := context.Background()

	require.False(t, svc.Enabled(ctx, Report, true))
	src.err = errors.New("connection refused")
	c.Advance(time.Minute)
	assert.False(t, svc.Enabled(ctx, Report, true), "last known value wins over default")
}

func TestEnabled_CoalescesConcurrentLoads(t *testing.T) {
	src := &countingSource{vals: map[string]bool{Leaderboard: true}, gate: make(chan struct{})}
	svc := NewService(src, time.Hour, nil, quietLog())

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			if !svc.Enabled(context.Background(), Leaderboard, false) {
				return errors.New("flag read as disabled")
			}
			return nil
		})
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(src.gate)
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestEnabled_CallerCancellationDoesNotFailSharedLoad(t *testing.T) {
	src := &countingSource{vals: map[string]bool{Leaderboard: true}, gate: make(chan struct{})}
	svc := NewService(src, time.Hour, nil, quietLog())

	first, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- svc.Enabled(first, Leaderboard, false) }()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			if !svc.Enabled(context.Background(), Leaderboard, false) {
				return errors.New("flag read as disabled")
			}
			return nil
		})
	}
	cancel()
	close(src.gate)

	require.NoError(t, g.Wait())
	assert.True(t, <-done)
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestEnabled_LoadsWithAlreadyCancelledContext(t *testing.T) {
	src := &countingSource{vals: map[string]bool{Report: true}}
	svc := NewService(src, time.Hour, nil, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, svc.Enabled(ctx, Report, false))
}

func TestSQLSource_SetAndLoad(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "flags.db") + "?_pragma=busy_timeout(5000)"
	sqlDB, err := db.Open(ctx, db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	src := NewSQLSource(sqlDB)
	at := time.Unix(1_700_000_000, 0)
	require.NoError(t, src.Set(ctx, Report, true, at))
	require.NoError(t, src.Set(ctx, Leaderboard, true, at))
	require.NoError(t, src.Set(ctx, Report, false, at.Add(time.Minute)))

	got, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{Report: false, Leaderboard: true}, got)
}

func TestRedisSource_UnreachableFallsBackToDefault(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	svc := NewService(NewRedisSource(client, "exams:flags"), time.Minute, nil, quietLog())
	assert.True(t, svc.Enabled(context.Background(), Leaderboard, true))
	assert.False(t, svc.Enabled(context.Background(), Report, false))
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", " on ", "yes"} {
		assert.True(t, truthy(v), v)
	}
	for _, v := range []string{"0", "false", "off", "", "maybe"} {
		assert.False(t, truthy(v), v)
	}
}
