package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/index"
	"github.com/logvault/logvault/internal/model"
)

const (
	// DefaultLimit bounds result sets when the caller does not ask for one.
	DefaultLimit = 100
	// MaxLimit is enforced server-side regardless of the caller's value.
	MaxLimit = 1000
)

// Query is a conjunction of predicates. Zero values mean "no constraint".
type Query struct {
	TraceID    string `json:"trace_id,omitempty"`
	SpanID     string `json:"span_id,omitempty"`
	Service    string `json:"service,omitempty"`
	Level      string `json:"level,omitempty"`
	Message    string `json:"message,omitempty"` // substring match
	Start      int64  `json:"start_time,omitempty"`
	End        int64  `json:"end_time,omitempty"`
	ErrorsOnly bool   `json:"errors_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	UseIndex   bool   `json:"use_index,omitempty"`
}

// Result carries matched records, most recent first.
type Result struct {
	Entries      []model.LogRecord `json:"entries"`
	TotalMatched int               `json:"total_matched"`
	Limit        int               `json:"limit"`
}

// Search evaluates q against the store. The indexed path is taken when
// use_index is set and an equality predicate on trace_id, span_id, or service
// is present; any index inconsistency degrades to the scan fallback instead
// of failing the request.
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	p, err := compile(q)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if q.UseIndex {
		if kt, key, ok := p.indexKey(); ok {
			res, err := e.searchIndexed(ctx, p, kt, key, limit)
			if err == nil {
				return res, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("indexed search degraded to scan",
				zap.String("key_type", string(kt)), zap.String("key", key),
				zap.Bool("corruption", errors.Is(err, index.ErrCorruption)),
				zap.Error(err))
		}
	}

	return e.searchScan(ctx, p, limit)
}

// Errors returns error-level records, a specialization of Search.
func (e *Engine) Errors(ctx context.Context, limit int) (*Result, error) {
	return e.Search(ctx, Query{ErrorsOnly: true, Limit: limit})
}

// predicate is the compiled form of a query.
type predicate struct {
	traceID string
	spanID  string
	service string
	message string
	level   *model.Level
	start   int64
	end     int64
}

func compile(q Query) (predicate, error) {
	p := predicate{
		traceID: strings.TrimSpace(q.TraceID),
		spanID:  strings.TrimSpace(q.SpanID),
		service: strings.TrimSpace(q.Service),
		message: q.Message,
		start:   q.Start,
		end:     q.End,
	}

	switch {
	case q.ErrorsOnly:
		lvl := model.LevelError
		p.level = &lvl
	case q.Level != "":
		lvl, err := model.ParseLevel(q.Level)
		if err != nil {
			return predicate{}, err
		}
		p.level = &lvl
	}

	if p.start > 0 && p.end > 0 && p.start > p.end {
		return predicate{}, fmt.Errorf("start time after end time")
	}
	return p, nil
}

// indexKey picks the most selective equality predicate eligible for an index
// lookup: trace over span over service. Level alone never takes the index
// path, its candidate sets are too broad to beat a bounded scan.
func (p predicate) indexKey() (index.KeyType, string, bool) {
	switch {
	case p.traceID != "":
		return index.KeyTrace, p.traceID, true
	case p.spanID != "":
		return index.KeySpan, p.spanID, true
	case p.service != "":
		return index.KeyService, p.service, true
	}
	return "", "", false
}

func (p predicate) matches(rec model.LogRecord) bool {
	if p.traceID != "" && rec.TraceID != p.traceID {
		return false
	}
	if p.spanID != "" && rec.SpanID != p.spanID {
		return false
	}
	if p.service != "" && rec.Service != p.service {
		return false
	}
	if p.level != nil && rec.Level != *p.level {
		return false
	}
	if p.message != "" && !strings.Contains(rec.Message, p.message) {
		return false
	}
	if p.start > 0 && rec.Timestamp < p.start {
		return false
	}
	if p.end > 0 && rec.Timestamp > p.end {
		return false
	}
	return true
}

// searchIndexed resolves candidates via the index, then filters the candidate
// set with the remaining predicates. Work is proportional to the candidate
// set, never the corpus.
func (e *Engine) searchIndexed(ctx context.Context, p predicate, kt index.KeyType, key string, limit int) (*Result, error) {
	locs, err := e.ix.Lookup(kt, key)
	if err != nil {
		return nil, err
	}

	res := &Result{Entries: make([]model.LogRecord, 0), Limit: limit}

	// Locations come back in insertion (time-ascending) order; walk them
	// backwards for most-recent-first results.
	for i := len(locs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		rec, err := e.materialize(locs[i])
		if err != nil {
			// The index points at something the segments cannot produce.
			return nil, fmt.Errorf("%w: location %s: %v",
				index.ErrCorruption, model.RecordID(locs[i]), err)
		}
		if !matchesIndexedKey(rec, kt, key) {
			return nil, fmt.Errorf("%w: record %s does not carry %s=%q",
				index.ErrCorruption, rec.ID, kt, key)
		}

		if !p.matches(rec) {
			continue
		}
		res.TotalMatched++
		if len(res.Entries) < limit {
			res.Entries = append(res.Entries, rec)
		}
	}

	sortNewestFirst(res.Entries)
	return res, nil
}

// searchScan is the deterministic fallback: active segment first, then sealed
// segments newest first with time-range pruning, stopping at limit.
func (e *Engine) searchScan(ctx context.Context, p predicate, limit int) (*Result, error) {
	res := &Result{Entries: make([]model.LogRecord, 0), Limit: limit}

	e.segs.Active().Scan(func(rec model.LogRecord, _ model.Location) bool {
		if ctx.Err() != nil {
			return false
		}
		if p.matches(rec) {
			res.Entries = append(res.Entries, rec)
		}
		return len(res.Entries) < limit
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, meta := range e.segs.SealedMetas(p.start, p.end) {
		if len(res.Entries) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := e.segs.OpenSealed(meta.ID)
		if err != nil {
			e.logger.Warn("skipping unreadable segment during scan",
				zap.Uint64("segment", meta.ID), zap.Error(err))
			continue
		}
		err = s.Scan(func(rec model.LogRecord, _ model.Location) bool {
			if p.matches(rec) {
				res.Entries = append(res.Entries, rec)
			}
			return len(res.Entries) < limit
		})
		if err != nil {
			e.logger.Warn("segment scan aborted",
				zap.Uint64("segment", meta.ID), zap.Error(err))
		}
	}

	sortNewestFirst(res.Entries)
	res.TotalMatched = len(res.Entries)
	return res, nil
}

// materialize reads the record at loc, via the hot-record cache when possible.
func (e *Engine) materialize(loc model.Location) (model.LogRecord, error) {
	id := model.RecordID(loc)
	if v, ok := e.cache.Get(id); ok {
		if rec, ok := v.(model.LogRecord); ok {
			return rec, nil
		}
	}

	rec, err := e.segs.Materialize(loc)
	if err != nil {
		return model.LogRecord{}, err
	}
	e.cache.Set(id, rec, int64(len(rec.Message)+64))
	return rec, nil
}

func matchesIndexedKey(rec model.LogRecord, kt index.KeyType, key string) bool {
	switch kt {
	case index.KeyTrace:
		return rec.TraceID == key
	case index.KeySpan:
		return rec.SpanID == key
	case index.KeyService:
		return rec.Service == key
	case index.KeyLevel:
		return rec.Level.String() == key
	}
	return false
}

// sortNewestFirst orders entries descending by timestamp; the stable sort
// preserves insertion order among equal timestamps.
func sortNewestFirst(entries []model.LogRecord) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
}
