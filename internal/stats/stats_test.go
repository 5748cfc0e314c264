package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/model"
)

func TestAggregatorCounts(t *testing.T) {
	a := New(t.TempDir(), zap.NewNop())

	now := time.Now().UnixNano()
	a.Record(model.LevelInfo, "svc-a", now)
	a.Record(model.LevelInfo, "svc-a", now)
	a.Record(model.LevelError, "svc-b", now)
	a.Record(model.LevelWarn, "", now)

	s := a.Snapshot()
	assert.Equal(t, int64(4), s.Total)
	assert.Equal(t, int64(2), s.LevelCounts["info"])
	assert.Equal(t, int64(1), s.LevelCounts["error"])
	assert.Equal(t, int64(1), s.LevelCounts["warn"])
	assert.Equal(t, int64(2), s.ServiceCounts["svc-a"])
	assert.Equal(t, int64(1), s.ServiceCounts["svc-b"])
	assert.NotContains(t, s.ServiceCounts, "")
	require.NotEmpty(t, s.Buckets)
}

func TestAggregatorTimeBuckets(t *testing.T) {
	a := New(t.TempDir(), zap.NewNop())

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC).UnixNano()
	a.Record(model.LevelInfo, "svc", base)
	a.Record(model.LevelInfo, "svc", base+int64(time.Minute))
	a.Record(model.LevelInfo, "svc", base+int64(2*time.Hour))

	s := a.Snapshot()
	require.Len(t, s.Buckets, 2)
	assert.Equal(t, int64(2), s.Buckets[0].Count)
	assert.Equal(t, int64(1), s.Buckets[1].Count)
	assert.Less(t, s.Buckets[0].Time, s.Buckets[1].Time)
}

func TestAggregatorRollover(t *testing.T) {
	a := New(t.TempDir(), zap.NewNop())

	day1 := time.Date(2026, 8, 29, 23, 0, 0, 0, time.UTC).UnixNano()
	day2 := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC).UnixNano()

	a.Record(model.LevelInfo, "svc", day1)
	a.Record(model.LevelInfo, "svc", day1)
	assert.Equal(t, int64(2), a.Snapshot().Total)

	a.Record(model.LevelError, "svc", day2)

	s := a.Snapshot()
	assert.Equal(t, int64(1), s.Total)
	assert.Equal(t, "2026-08-30", s.RolloverDay)
	assert.Zero(t, s.LevelCounts["info"])
	assert.Equal(t, int64(1), s.LevelCounts["error"])
}

func TestAggregatorPersistence(t *testing.T) {
	dir := t.TempDir()

	a := New(dir, zap.NewNop())
	now := time.Now().UnixNano()
	a.Record(model.LevelError, "svc-a", now)
	a.Record(model.LevelInfo, "svc-a", now)
	require.NoError(t, a.Persist())

	restored := New(dir, zap.NewNop())
	s := restored.Snapshot()
	assert.Equal(t, int64(2), s.Total)
	assert.Equal(t, int64(1), s.LevelCounts["error"])
	assert.Equal(t, int64(2), s.ServiceCounts["svc-a"])
}

func TestRateTickerStopsOnCancel(t *testing.T) {
	a := New(t.TempDir(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	a.StartRateTicker(ctx, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	// With the ticker stopped, nothing resets the rate window counter.
	for i := 0; i < 3; i++ {
		a.Record(model.LevelInfo, "svc-a", time.Now().UnixNano())
	}
	time.Sleep(20 * time.Millisecond)

	a.mu.RLock()
	counter := a.writeCounter
	a.mu.RUnlock()
	assert.Equal(t, int64(3), counter)
}
