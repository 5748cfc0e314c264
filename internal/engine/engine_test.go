package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/index"
	"github.com/logvault/logvault/internal/model"
	"github.com/logvault/logvault/internal/segment"
	"github.com/logvault/logvault/internal/stats"
)

func newTestEngine(t *testing.T, opts segment.Options) (*Engine, *index.Index, string) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	segs, err := segment.Open(dir, opts, logger)
	require.NoError(t, err)

	ix, err := index.Open(filepath.Join(dir, "index.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	eng, err := New(segs, ix, index.NewRepairer(ix, logger), stats.New(dir, logger), logger)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng, ix, dir
}

func TestWriteValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	_, err := eng.Write(ctx, model.LogRecord{Level: model.LevelInfo, Message: ""})
	assert.ErrorIs(t, err, model.ErrEmptyMessage)

	receipt, err := eng.Write(ctx, model.LogRecord{Level: model.LevelInfo, Message: "ok"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)
	assert.NotZero(t, receipt.Timestamp)
}

func TestWriteThenSearchByTrace(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	_, err := eng.Write(ctx, model.LogRecord{
		Level:   model.LevelError,
		Message: "boom",
		TraceID: "t1",
		Service: "svc-a",
	})
	require.NoError(t, err)

	for _, useIndex := range []bool{true, false} {
		res, err := eng.Search(ctx, Query{TraceID: "t1", UseIndex: useIndex})
		require.NoError(t, err)
		require.Len(t, res.Entries, 1, "use_index=%v", useIndex)
		assert.Equal(t, "boom", res.Entries[0].Message)
		assert.Equal(t, model.LevelError, res.Entries[0].Level)
		assert.Equal(t, 1, res.TotalMatched)
	}
}

func TestErrorsOnlyAlternatingLevels(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	levels := []model.Level{model.LevelDebug, model.LevelInfo, model.LevelWarn, model.LevelError}
	var lastErrorID string
	for i := 0; i < 10; i++ {
		receipt, err := eng.Write(ctx, model.LogRecord{
			Level:   levels[i%4],
			Message: "entry",
			Service: "svc-a",
		})
		require.NoError(t, err)
		if levels[i%4] == model.LevelError {
			lastErrorID = receipt.ID
		}
	}

	res, err := eng.Errors(ctx, 5)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2) // indexes 3 and 7 of the alternation
	for _, rec := range res.Entries {
		assert.Equal(t, model.LevelError, rec.Level)
	}
	// Most recent first.
	assert.Equal(t, lastErrorID, res.Entries[0].ID)
	assert.GreaterOrEqual(t, res.Entries[0].Timestamp, res.Entries[1].Timestamp)
}

func TestSearchRespectsLimit(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := eng.Write(ctx, model.LogRecord{
			Level: model.LevelInfo, Message: "filler", Service: "svc-a",
		})
		require.NoError(t, err)
	}

	res, err := eng.Search(ctx, Query{Service: "svc-a", Limit: 10, UseIndex: true})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 10)
	assert.Equal(t, 25, res.TotalMatched)

	// The cap is enforced regardless of the caller's value.
	res, err = eng.Search(ctx, Query{Service: "svc-a", Limit: MaxLimit + 500})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, res.Limit)

	// Zero limit falls back to the default.
	res, err = eng.Search(ctx, Query{Service: "svc-a"})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, res.Limit)
}

func TestSearchInvalidLevel(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})

	_, err := eng.Search(context.Background(), Query{Level: "fatal"})
	assert.ErrorIs(t, err, model.ErrInvalidLevel)
}

func TestSearchNoMatchesIsNotAnError(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})

	res, err := eng.Search(context.Background(), Query{TraceID: "absent", UseIndex: true})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Zero(t, res.TotalMatched)
}

func TestSearchAcrossSealedSegments(t *testing.T) {
	// Tiny segments so the records spread across sealed files.
	eng, _, _ := newTestEngine(t, segment.Options{MaxSize: 128})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := eng.Write(ctx, model.LogRecord{
			Level:   model.LevelInfo,
			Message: "padded message to force early segment rotation",
			TraceID: "t-sealed",
		})
		require.NoError(t, err)
	}
	require.Greater(t, len(eng.Segments()), 1)

	for _, useIndex := range []bool{true, false} {
		res, err := eng.Search(ctx, Query{TraceID: "t-sealed", Limit: 100, UseIndex: useIndex})
		require.NoError(t, err)
		assert.Len(t, res.Entries, 15, "use_index=%v", useIndex)
		for i := 1; i < len(res.Entries); i++ {
			assert.GreaterOrEqual(t, res.Entries[i-1].Timestamp, res.Entries[i].Timestamp)
		}
	}
}

func TestSearchConjunction(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	_, err := eng.Write(ctx, model.LogRecord{
		Level: model.LevelError, Message: "boom", TraceID: "t1", Service: "svc-a",
	})
	require.NoError(t, err)
	_, err = eng.Write(ctx, model.LogRecord{
		Level: model.LevelInfo, Message: "fine", TraceID: "t1", Service: "svc-b",
	})
	require.NoError(t, err)

	// The index resolves trace candidates, the rest filters them.
	res, err := eng.Search(ctx, Query{TraceID: "t1", Service: "svc-b", UseIndex: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "fine", res.Entries[0].Message)

	res, err = eng.Search(ctx, Query{TraceID: "t1", Level: "error", UseIndex: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "boom", res.Entries[0].Message)

	res, err = eng.Search(ctx, Query{TraceID: "t1", Message: "oo", UseIndex: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "boom", res.Entries[0].Message)
}

func TestStatsTrackAcceptedWrites(t *testing.T) {
	eng, _, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := eng.Write(ctx, model.LogRecord{Level: model.LevelError, Message: "x", Service: "svc-a"})
		require.NoError(t, err)
	}
	_, err := eng.Write(ctx, model.LogRecord{Level: model.LevelInfo, Message: ""})
	assert.Error(t, err) // rejected, must not be counted

	s := eng.Stats()
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(3), s.LevelCounts["error"])
	assert.Equal(t, int64(3), s.ServiceCounts["svc-a"])
}

func TestIndexedSearchDegradesToScanOnDanglingLocation(t *testing.T) {
	eng, ix, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	_, err := eng.Write(ctx, model.LogRecord{
		Level: model.LevelError, Message: "boom", TraceID: "t1",
	})
	require.NoError(t, err)

	// Plant an entry pointing into a segment that does not exist.
	phantom := &model.LogRecord{Level: model.LevelInfo, Message: "x", TraceID: "t1"}
	require.NoError(t, ix.Update(phantom, model.Location{SegmentID: 99, Offset: 0}))

	res, err := eng.Search(ctx, Query{TraceID: "t1", UseIndex: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "boom", res.Entries[0].Message)
}

func TestIndexedSearchDegradesToScanOnKeyMismatch(t *testing.T) {
	eng, ix, _ := newTestEngine(t, segment.Options{})
	ctx := context.Background()

	_, err := eng.Write(ctx, model.LogRecord{
		Level: model.LevelError, Message: "boom", TraceID: "t1",
	})
	require.NoError(t, err)
	_, err = eng.Write(ctx, model.LogRecord{
		Level: model.LevelInfo, Message: "other", TraceID: "t2",
	})
	require.NoError(t, err)

	// File the t2 record's location under t1 as well: the materialized
	// record will not carry the looked-up key.
	locs, err := ix.Lookup(index.KeyTrace, "t2")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	planted := &model.LogRecord{Level: model.LevelInfo, Message: "x", TraceID: "t1"}
	require.NoError(t, ix.Update(planted, locs[0]))

	res, err := eng.Search(ctx, Query{TraceID: "t1", UseIndex: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "boom", res.Entries[0].Message)
}

func TestWriteSurfacesSegmentUnavailable(t *testing.T) {
	eng, _, dir := newTestEngine(t, segment.Options{MaxSize: 1})
	ctx := context.Background()

	_, err := eng.Write(ctx, model.LogRecord{Level: model.LevelInfo, Message: "first"})
	require.NoError(t, err)

	// Occupy the next active path so rotation cannot create its file.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "seg_2.log"), 0755))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Write(ctx, model.LogRecord{Level: model.LevelInfo, Message: "second"})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, segment.ErrSegmentUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not return after rotation failure")
	}
}
