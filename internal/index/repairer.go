package index

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/model"
)

// Repairer retries index updates that failed after a record was already
// durably appended. Write durability takes precedence over index freshness:
// until the repair lands, the record is still reachable through the scan
// fallback.
type Repairer struct {
	ix      *Index
	queue   chan repairJob
	logger  *zap.Logger
	retries int
	backoff time.Duration
}

type repairJob struct {
	rec      model.LogRecord
	loc      model.Location
	attempts int
}

const defaultRepairQueue = 1024

func NewRepairer(ix *Index, logger *zap.Logger) *Repairer {
	return &Repairer{
		ix:      ix,
		queue:   make(chan repairJob, defaultRepairQueue),
		logger:  logger,
		retries: 5,
		backoff: 50 * time.Millisecond,
	}
}

// Enqueue schedules a failed index update for repair. When the queue is full
// the update is retried inline once so entries are not silently dropped.
func (r *Repairer) Enqueue(rec model.LogRecord, loc model.Location) {
	select {
	case r.queue <- repairJob{rec: rec, loc: loc}:
	default:
		if err := r.ix.Update(&rec, loc); err != nil {
			r.logger.Error("index repair queue full and inline retry failed",
				zap.String("record", model.RecordID(loc)), zap.Error(err))
		}
	}
}

// Run drains the repair queue until ctx is cancelled.
func (r *Repairer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-r.queue:
			r.process(ctx, job)
		}
	}
}

func (r *Repairer) process(ctx context.Context, job repairJob) {
	err := r.ix.Update(&job.rec, job.loc)
	if err == nil {
		r.logger.Info("repaired index entry", zap.String("record", model.RecordID(job.loc)))
		return
	}

	job.attempts++
	if job.attempts >= r.retries {
		r.logger.Error("giving up on index repair, record remains scan-only",
			zap.String("record", model.RecordID(job.loc)),
			zap.Int("attempts", job.attempts), zap.Error(err))
		return
	}

	wait := r.backoff << uint(job.attempts-1)
	select {
	case <-ctx.Done():
	case <-time.After(wait):
		select {
		case r.queue <- job:
		default:
			r.logger.Warn("dropping index repair, queue full",
				zap.String("record", model.RecordID(job.loc)))
		}
	}
}
