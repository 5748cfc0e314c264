package index

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/model"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndexUpdateAndLookup(t *testing.T) {
	ix := openTestIndex(t)

	rec := &model.LogRecord{
		Level:   model.LevelError,
		Message: "boom",
		TraceID: "t1",
		SpanID:  "s1",
		Service: "svc-a",
	}
	loc := model.Location{SegmentID: 1, Offset: 0}
	require.NoError(t, ix.Update(rec, loc))

	for kt, key := range map[KeyType]string{
		KeyTrace:   "t1",
		KeySpan:    "s1",
		KeyService: "svc-a",
		KeyLevel:   "error",
	} {
		locs, err := ix.Lookup(kt, key)
		require.NoError(t, err, kt)
		require.Len(t, locs, 1, kt)
		assert.Equal(t, loc, locs[0], kt)
	}
}

func TestIndexLookupUnknownKeyIsEmpty(t *testing.T) {
	ix := openTestIndex(t)

	locs, err := ix.Lookup(KeyTrace, "never-seen")
	require.NoError(t, err)
	assert.Empty(t, locs)
}

func TestIndexUpdateIdempotent(t *testing.T) {
	ix := openTestIndex(t)

	rec := &model.LogRecord{Level: model.LevelInfo, Message: "m", TraceID: "t1"}
	loc := model.Location{SegmentID: 3, Offset: 128}

	require.NoError(t, ix.Update(rec, loc))
	require.NoError(t, ix.Update(rec, loc))

	locs, err := ix.Lookup(KeyTrace, "t1")
	require.NoError(t, err)
	assert.Len(t, locs, 1)
}

func TestIndexLookupOrder(t *testing.T) {
	ix := openTestIndex(t)

	rec := &model.LogRecord{Level: model.LevelInfo, Message: "m", TraceID: "t1"}

	// Inserted out of order; segment ids and offsets are monotonic in real
	// use, so the composite key must restore time-ascending order.
	for _, loc := range []model.Location{
		{SegmentID: 2, Offset: 0},
		{SegmentID: 1, Offset: 64},
		{SegmentID: 1, Offset: 0},
		{SegmentID: 3, Offset: 32},
	} {
		require.NoError(t, ix.Update(rec, loc))
	}

	locs, err := ix.Lookup(KeyTrace, "t1")
	require.NoError(t, err)
	require.Len(t, locs, 4)
	assert.Equal(t, model.Location{SegmentID: 1, Offset: 0}, locs[0])
	assert.Equal(t, model.Location{SegmentID: 1, Offset: 64}, locs[1])
	assert.Equal(t, model.Location{SegmentID: 2, Offset: 0}, locs[2])
	assert.Equal(t, model.Location{SegmentID: 3, Offset: 32}, locs[3])
}

func TestIndexSkipsEmptyCorrelationFields(t *testing.T) {
	ix := openTestIndex(t)

	rec := &model.LogRecord{Level: model.LevelWarn, Message: "m"}
	require.NoError(t, ix.Update(rec, model.Location{SegmentID: 1, Offset: 0}))

	locs, err := ix.Lookup(KeyTrace, "")
	require.NoError(t, err)
	assert.Empty(t, locs)

	locs, err = ix.Lookup(KeyLevel, "warn")
	require.NoError(t, err)
	assert.Len(t, locs, 1)
}

func TestIndexRemoveSegment(t *testing.T) {
	ix := openTestIndex(t)

	recA := &model.LogRecord{Level: model.LevelError, Message: "a", TraceID: "t1", Service: "svc-a"}
	recB := &model.LogRecord{Level: model.LevelError, Message: "b", TraceID: "t1", Service: "svc-a"}

	require.NoError(t, ix.Update(recA, model.Location{SegmentID: 1, Offset: 0}))
	require.NoError(t, ix.Update(recA, model.Location{SegmentID: 1, Offset: 64}))
	require.NoError(t, ix.Update(recB, model.Location{SegmentID: 2, Offset: 0}))

	require.NoError(t, ix.RemoveSegment(1))

	locs, err := ix.Lookup(KeyTrace, "t1")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, uint64(2), locs[0].SegmentID)

	for _, kt := range []KeyType{KeyService, KeyLevel} {
		locs, err := ix.Lookup(kt, map[KeyType]string{KeyService: "svc-a", KeyLevel: "error"}[kt])
		require.NoError(t, err)
		for _, loc := range locs {
			assert.NotEqual(t, uint64(1), loc.SegmentID)
		}
	}

	// Removing a segment with no entries is a no-op, not an error.
	assert.NoError(t, ix.RemoveSegment(99))
}

func TestRemoveSegmentAtomicUnderConcurrentLookups(t *testing.T) {
	ix := openTestIndex(t)

	rec := &model.LogRecord{Level: model.LevelInfo, Message: "m", TraceID: "t1"}
	const perSegment = 50
	for off := 0; off < perSegment; off++ {
		require.NoError(t, ix.Update(rec, model.Location{SegmentID: 1, Offset: int64(off * 16)}))
		require.NoError(t, ix.Update(rec, model.Location{SegmentID: 2, Offset: int64(off * 16)}))
	}

	// Readers racing the purge must see all of segment 1 or none of it.
	stop := make(chan struct{})
	violations := make(chan int, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			locs, err := ix.Lookup(KeyTrace, "t1")
			if err != nil {
				return
			}
			var seg1 int
			for _, loc := range locs {
				if loc.SegmentID == 1 {
					seg1++
				}
			}
			if seg1 != 0 && seg1 != perSegment {
				select {
				case violations <- seg1:
				default:
				}
				return
			}
		}
	}()

	require.NoError(t, ix.RemoveSegment(1))
	close(stop)
	wg.Wait()

	select {
	case n := <-violations:
		t.Fatalf("lookup observed a partial purge: %d of %d segment-1 entries", n, perSegment)
	default:
	}

	locs, err := ix.Lookup(KeyTrace, "t1")
	require.NoError(t, err)
	assert.Len(t, locs, perSegment)
	for _, loc := range locs {
		assert.NotEqual(t, uint64(1), loc.SegmentID)
	}
}
