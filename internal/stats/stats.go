package stats

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/model"
)

// statsFileName is the sidecar holding persisted counters.
const statsFileName = ".logvault.stats"

// bucketInterval is the time-bucket width for count histograms.
const bucketInterval = time.Hour

// persisted is the on-disk shape of the aggregator state. Counts are derived
// data: they can always be recomputed by replaying segments, the sidecar just
// makes restarts cheap.
type persisted struct {
	Day           string           `json:"day"`
	Total         int64            `json:"total"`
	LevelCounts   map[string]int64 `json:"level_counts"`
	ServiceCounts map[string]int64 `json:"service_counts"`
	BucketCounts  map[int64]int64  `json:"bucket_counts"` // bucket start (unix nanos) -> count
}

// BucketCount is one histogram point in a snapshot.
type BucketCount struct {
	Time  int64 `json:"time"`
	Count int64 `json:"count"`
}

// Snapshot is the informational view returned to callers. It is eventually
// consistent with concurrent writes, never authoritative.
type Snapshot struct {
	Total         int64            `json:"total"`
	LevelCounts   map[string]int64 `json:"level_counts"`
	ServiceCounts map[string]int64 `json:"service_counts"`
	Buckets       []BucketCount    `json:"buckets"`
	RolloverDay   string           `json:"rollover_day"`
	IngestionRate float64          `json:"ingestion_rate"` // logs/sec
}

// Aggregator keeps running counts per level, per service, and per time
// bucket, updated synchronously on every accepted write. Counts are monotonic
// within a rollover period and reset at the daily boundary.
type Aggregator struct {
	mu     sync.RWMutex
	dir    string
	logger *zap.Logger

	day      string
	total    int64
	levels   map[string]int64
	services map[string]int64
	buckets  map[int64]int64

	writeCounter int64
	currentRate  float64
}

// New loads persisted counters from dir when present.
func New(dir string, logger *zap.Logger) *Aggregator {
	a := &Aggregator{
		dir:      dir,
		logger:   logger,
		day:      dayOf(time.Now().UnixNano()),
		levels:   make(map[string]int64),
		services: make(map[string]int64),
		buckets:  make(map[int64]int64),
	}

	p := loadPersisted(dir)
	if p.Day != "" && p.Day != a.day {
		logger.Info("stats sidecar belongs to a previous rollover period, starting fresh",
			zap.String("sidecar_day", p.Day), zap.String("current_day", a.day))
	}
	if p.Day == a.day {
		a.total = p.Total
		for k, v := range p.LevelCounts {
			a.levels[k] = v
		}
		for k, v := range p.ServiceCounts {
			a.services[k] = v
		}
		for k, v := range p.BucketCounts {
			a.buckets[k] = v
		}
	}
	return a
}

// Record counts one accepted write. Rolls the counters over when ts crosses
// the daily boundary.
func (a *Aggregator) Record(level model.Level, service string, ts int64) {
	day := dayOf(ts)

	a.mu.Lock()
	if day != a.day {
		a.day = day
		a.total = 0
		a.levels = make(map[string]int64)
		a.services = make(map[string]int64)
		a.buckets = make(map[int64]int64)
	}
	a.total++
	a.levels[level.String()]++
	if service != "" {
		a.services[service]++
	}
	bucket := (ts / int64(bucketInterval)) * int64(bucketInterval)
	a.buckets[bucket]++
	a.writeCounter++
	a.mu.Unlock()
}

// Snapshot copies the current counters. The copy is taken under a short read
// lock so writers are at most briefly delayed, never blocked for the duration
// of a caller's use of the result.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	s := Snapshot{
		Total:         a.total,
		LevelCounts:   make(map[string]int64, len(a.levels)),
		ServiceCounts: make(map[string]int64, len(a.services)),
		Buckets:       make([]BucketCount, 0, len(a.buckets)),
		RolloverDay:   a.day,
		IngestionRate: a.currentRate,
	}
	for k, v := range a.levels {
		s.LevelCounts[k] = v
	}
	for k, v := range a.services {
		s.ServiceCounts[k] = v
	}
	for t, c := range a.buckets {
		s.Buckets = append(s.Buckets, BucketCount{Time: t, Count: c})
	}
	a.mu.RUnlock()

	sort.Slice(s.Buckets, func(i, j int) bool { return s.Buckets[i].Time < s.Buckets[j].Time })
	return s
}

// StartRateTicker periodically recomputes the ingestion rate until ctx is
// cancelled.
func (a *Aggregator) StartRateTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.mu.Lock()
				a.currentRate = float64(a.writeCounter) / interval.Seconds()
				a.writeCounter = 0
				a.mu.Unlock()
			}
		}
	}()
}

// Persist writes the counters to the sidecar file atomically.
func (a *Aggregator) Persist() error {
	a.mu.RLock()
	p := persisted{
		Day:           a.day,
		Total:         a.total,
		LevelCounts:   make(map[string]int64, len(a.levels)),
		ServiceCounts: make(map[string]int64, len(a.services)),
		BucketCounts:  make(map[int64]int64, len(a.buckets)),
	}
	for k, v := range a.levels {
		p.LevelCounts[k] = v
	}
	for k, v := range a.services {
		p.ServiceCounts[k] = v
	}
	for k, v := range a.buckets {
		p.BucketCounts[k] = v
	}
	a.mu.RUnlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(a.dir, statsFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func loadPersisted(dir string) persisted {
	p := persisted{
		LevelCounts:   make(map[string]int64),
		ServiceCounts: make(map[string]int64),
		BucketCounts:  make(map[int64]int64),
	}

	data, err := os.ReadFile(filepath.Join(dir, statsFileName))
	if err != nil {
		return p
	}
	if err := json.Unmarshal(data, &p); err != nil {
		// Corrupted sidecar: start from zero, segments remain the source
		// of truth.
		return persisted{
			LevelCounts:   make(map[string]int64),
			ServiceCounts: make(map[string]int64),
			BucketCounts:  make(map[int64]int64),
		}
	}
	if p.LevelCounts == nil {
		p.LevelCounts = make(map[string]int64)
	}
	if p.ServiceCounts == nil {
		p.ServiceCounts = make(map[string]int64)
	}
	if p.BucketCounts == nil {
		p.BucketCounts = make(map[int64]int64)
	}
	return p
}

func dayOf(ts int64) string {
	return time.Unix(0, ts).UTC().Format("2006-01-02")
}
