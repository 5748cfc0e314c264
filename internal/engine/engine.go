package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/index"
	"github.com/logvault/logvault/internal/model"
	"github.com/logvault/logvault/internal/segment"
	"github.com/logvault/logvault/internal/stats"
)

// WriteReceipt acknowledges one durably accepted record.
type WriteReceipt struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Engine ties the write path and the search path together over the segment
// manager, the index, and the stats aggregator.
type Engine struct {
	segs     *segment.Manager
	ix       *index.Index
	repairer *index.Repairer
	stats    *stats.Aggregator
	cache    *ristretto.Cache
	logger   *zap.Logger

	appendRetries int
	appendBackoff time.Duration
}

func New(
	segs *segment.Manager,
	ix *index.Index,
	repairer *index.Repairer,
	agg *stats.Aggregator,
	logger *zap.Logger,
) (*Engine, error) {
	// Hot-record cache for index-path materialization, keyed by location.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     32 * 1024 * 1024,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		segs:          segs,
		ix:            ix,
		repairer:      repairer,
		stats:         agg,
		cache:         cache,
		logger:        logger,
		appendRetries: 3,
		appendBackoff: 10 * time.Millisecond,
	}, nil
}

// Write validates a draft record, assigns its timestamp and id, and appends
// it durably. Once Write returns nil the record is reachable by every indexed
// field it populates and by time range. Index update failures do not roll the
// write back; they are handed to the repairer.
func (e *Engine) Write(ctx context.Context, draft model.LogRecord) (WriteReceipt, error) {
	if err := model.ValidateDraft(&draft); err != nil {
		return WriteReceipt{}, err
	}

	// Timestamp and id are always server-assigned; the id falls out of the
	// record's location below.
	draft.ID = ""
	draft.Timestamp = time.Now().UnixNano()

	loc, err := e.appendWithRetry(ctx, draft)
	if err != nil {
		return WriteReceipt{}, err
	}

	if err := e.ix.Update(&draft, loc); err != nil {
		e.logger.Warn("index update failed after durable append, scheduling repair",
			zap.String("record", model.RecordID(loc)), zap.Error(err))
		e.repairer.Enqueue(draft, loc)
	}

	e.stats.Record(draft.Level, draft.Service, draft.Timestamp)

	return WriteReceipt{ID: model.RecordID(loc), Timestamp: draft.Timestamp}, nil
}

// appendWithRetry retries transient segment failures a bounded number of
// times with doubling backoff before surfacing SegmentUnavailable.
func (e *Engine) appendWithRetry(ctx context.Context, rec model.LogRecord) (model.Location, error) {
	backoff := e.appendBackoff
	var lastErr error

	for attempt := 0; attempt <= e.appendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.Location{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		loc, err := e.segs.Append(rec)
		if err == nil {
			return loc, nil
		}
		lastErr = err
		e.logger.Warn("segment append failed",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	if !errors.Is(lastErr, segment.ErrSegmentUnavailable) {
		lastErr = fmt.Errorf("%w: %v", segment.ErrSegmentUnavailable, lastErr)
	}
	return model.Location{}, lastErr
}

// Sync flushes the active segment, used by the boundary after a batch.
func (e *Engine) Sync() error {
	return e.segs.SyncActive()
}

// Stats returns the current aggregator snapshot.
func (e *Engine) Stats() stats.Snapshot {
	return e.stats.Snapshot()
}

// Segments lists all storage segments for operational visibility.
func (e *Engine) Segments() []segment.Meta {
	return e.segs.List()
}

// Close persists stats and closes the active segment.
func (e *Engine) Close() error {
	if err := e.stats.Persist(); err != nil {
		e.logger.Warn("persisting stats on close", zap.Error(err))
	}
	return e.segs.Close()
}
