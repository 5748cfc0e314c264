package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCleaner periodically removes sealed segments that fell out of the
// retention window. The index entries of a segment are purged first, in one
// transaction, so no lookup can return a location into a deleted segment.
func (e *Engine) RunCleaner(ctx context.Context, interval time.Duration, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("retention cleaner started",
		zap.Duration("retention", retention), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if retention <= 0 {
				continue
			}
			e.purgeExpired(retention)
		}
	}
}

func (e *Engine) purgeExpired(retention time.Duration) {
	threshold := time.Now().Add(-retention).UnixNano()

	for _, meta := range e.segs.SealedMetas(0, 0) {
		if meta.MaxTs >= threshold {
			continue
		}

		if err := e.ix.RemoveSegment(meta.ID); err != nil {
			e.logger.Error("purging index entries for expired segment",
				zap.Uint64("segment", meta.ID), zap.Error(err))
			continue // keep the segment rather than leave dangling index entries
		}
		if err := e.segs.Remove(meta.ID); err != nil {
			e.logger.Error("removing expired segment",
				zap.Uint64("segment", meta.ID), zap.Error(err))
			continue
		}
		e.logger.Info("expired segment removed",
			zap.Uint64("segment", meta.ID), zap.Int("records", meta.Records))
	}
}
