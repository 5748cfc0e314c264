package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/model"
)

// Meta describes one storage segment for listing and pruning.
type Meta struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	MinTs   int64  `json:"min_ts"`
	MaxTs   int64  `json:"max_ts"`
	Size    int64  `json:"size"`
	Records int    `json:"records"`
	Sealed  bool   `json:"sealed"`
}

// Options controls segment rotation thresholds.
type Options struct {
	MaxSize int64         // seal when the frame stream reaches this size
	MaxAge  time.Duration // seal when the active segment gets this old
}

const (
	DefaultMaxSize = 64 * 1024 * 1024
	DefaultMaxAge  = 24 * time.Hour

	// Decompressed sealed segments kept open for point reads.
	maxOpenSealed = 4

	// Rotation or seal-race retries per append before the write fails.
	maxAppendAttempts = 3
)

// Manager owns the set of storage segments: exactly one active segment plus
// any number of sealed, immutable ones. Segment IDs increase monotonically
// and are never reused.
type Manager struct {
	mu sync.RWMutex

	dir    string
	opts   Options
	codec  *Codec
	logger *zap.Logger

	active *Active
	sealed map[uint64]Meta
	open   map[uint64]*Sealed
	nextID uint64
}

// Open scans dir, recovers any leftover active segment from a previous run,
// and prepares a fresh one when none is found.
func Open(dir string, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:    dir,
		opts:   opts,
		codec:  codec,
		logger: logger,
		sealed: make(map[uint64]Meta),
		open:   make(map[uint64]*Sealed),
		nextID: 1,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var leftover []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".seg"):
			meta, err := m.recoverSealed(name)
			if err != nil {
				logger.Warn("skipping unreadable sealed segment",
					zap.String("file", name), zap.Error(err))
				continue
			}
			m.sealed[meta.ID] = meta
			if meta.ID >= m.nextID {
				m.nextID = meta.ID + 1
			}
		case strings.HasSuffix(name, ".log"):
			id, err := parseActiveName(name)
			if err != nil {
				continue
			}
			leftover = append(leftover, id)
			if id >= m.nextID {
				m.nextID = id + 1
			}
		}
	}

	// At most one active segment survives recovery: the newest leftover is
	// replayed and resumed, older ones are sealed on the spot.
	sort.Slice(leftover, func(i, j int) bool { return leftover[i] < leftover[j] })
	for i, id := range leftover {
		a, err := openActive(filepath.Join(dir, activeName(id)), id)
		if err != nil {
			return nil, fmt.Errorf("recover segment %d: %w", id, err)
		}
		if i < len(leftover)-1 {
			if a.Len() == 0 {
				a.close()
				os.Remove(a.path)
				continue
			}
			if err := m.sealActive(a); err != nil {
				return nil, fmt.Errorf("seal recovered segment %d: %w", id, err)
			}
			continue
		}
		m.active = a
		logger.Info("recovered active segment",
			zap.Uint64("segment", id), zap.Int("records", a.Len()))
	}

	if m.active == nil {
		a, err := newActive(filepath.Join(dir, activeName(m.nextID)), m.nextID)
		if err != nil {
			return nil, err
		}
		m.active = a
		m.nextID++
	}
	return m, nil
}

// Append writes one record to the active segment, rotating first when the
// size or age threshold is reached. Rotation is atomic with respect to
// concurrent appenders: a writer that catches the segment mid-seal retries
// against the fresh one. Retries are bounded, so a persistently failing
// rotation surfaces as ErrSegmentUnavailable instead of blocking the caller.
func (m *Manager) Append(rec model.LogRecord) (model.Location, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		m.mu.RLock()
		a := m.active
		m.mu.RUnlock()

		if a.Len() > 0 && (a.Size() >= m.opts.MaxSize || a.Age() >= m.opts.MaxAge) {
			if err := m.rotate(a); err != nil {
				m.logger.Error("segment rotation failed", zap.Error(err))
				lastErr = err
			}
			continue
		}

		loc, err := a.Append(rec)
		if errors.Is(err, errSealed) {
			lastErr = err
			continue
		}
		return loc, err
	}

	if lastErr == nil {
		lastErr = errors.New("append attempts exhausted")
	}
	if !errors.Is(lastErr, ErrSegmentUnavailable) {
		lastErr = fmt.Errorf("%w: %v", ErrSegmentUnavailable, lastErr)
	}
	return model.Location{}, lastErr
}

// rotate seals a and activates a new segment. No-op if another writer rotated
// first.
func (m *Manager) rotate(a *Active) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != a {
		return nil
	}

	na, err := newActive(filepath.Join(m.dir, activeName(m.nextID)), m.nextID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSegmentUnavailable, err)
	}

	if err := m.sealActive(a); err != nil {
		na.close()
		os.Remove(na.path)
		return err
	}

	m.active = na
	m.nextID++
	return nil
}

// sealActive compresses a's frame stream into a sealed file and retires the
// active file. Caller holds m.mu.
func (m *Manager) sealActive(a *Active) error {
	stream, err := a.seal()
	if err != nil {
		return err
	}

	minTs, maxTs := a.TimeRange()
	records := a.Len()
	name := sealedName(a.id, minTs, maxTs)
	path := filepath.Join(m.dir, name)

	if err := m.codec.WriteSealed(path, stream, records, minTs, maxTs); err != nil {
		a.unseal()
		return fmt.Errorf("write sealed segment %d: %w", a.id, err)
	}

	info, _ := os.Stat(path)
	var size int64
	if info != nil {
		size = info.Size()
	}
	m.sealed[a.id] = Meta{
		ID:      a.id,
		Name:    name,
		MinTs:   minTs,
		MaxTs:   maxTs,
		Size:    size,
		Records: records,
		Sealed:  true,
	}

	a.close()
	if err := os.Remove(a.path); err != nil {
		m.logger.Warn("removing retired active file", zap.Error(err))
	}
	m.logger.Info("sealed segment",
		zap.Uint64("segment", a.id), zap.Int("records", records), zap.Int64("bytes", size))
	return nil
}

// Active returns the current writable segment.
func (m *Manager) Active() *Active {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// List enumerates all segments, active last, sealed in id order.
func (m *Manager) List() []Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Meta, 0, len(m.sealed)+1)
	for _, meta := range m.sealed {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	a := m.active
	minTs, maxTs := a.TimeRange()
	out = append(out, Meta{
		ID:      a.id,
		Name:    filepath.Base(a.path),
		MinTs:   minTs,
		MaxTs:   maxTs,
		Size:    a.Size(),
		Records: a.Len(),
		Sealed:  false,
	})
	return out
}

// SealedMetas returns sealed segment metadata newest first, pruned to the
// given time range (zero bounds disable pruning).
func (m *Manager) SealedMetas(minTime, maxTime int64) []Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Meta, 0, len(m.sealed))
	for _, meta := range m.sealed {
		if minTime > 0 && meta.MaxTs < minTime {
			continue
		}
		if maxTime > 0 && meta.MinTs > maxTime {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// OpenSealed returns a decompressed handle for a sealed segment, cached for
// point reads. The handle stays valid even if the segment is removed while a
// reader holds it.
func (m *Manager) OpenSealed(id uint64) (*Sealed, error) {
	m.mu.RLock()
	s, ok := m.open[id]
	meta, known := m.sealed[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	if !known {
		return nil, fmt.Errorf("segment %d not found", id)
	}

	s, err := m.codec.OpenSealed(filepath.Join(m.dir, meta.Name), id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cached, ok := m.open[id]; ok {
		s = cached
	} else {
		if len(m.open) >= maxOpenSealed {
			for evict := range m.open {
				delete(m.open, evict)
				break
			}
		}
		m.open[id] = s
	}
	m.mu.Unlock()
	return s, nil
}

// Materialize reads the record at loc from whichever segment holds it.
func (m *Manager) Materialize(loc model.Location) (model.LogRecord, error) {
	m.mu.RLock()
	a := m.active
	m.mu.RUnlock()

	if a.id == loc.SegmentID {
		return a.ReadAt(loc.Offset)
	}

	s, err := m.OpenSealed(loc.SegmentID)
	if err != nil {
		return model.LogRecord{}, err
	}
	return s.ReadAt(loc.Offset)
}

// Remove deletes a sealed segment and its file. Callers purge the index
// entries pointing into the segment before calling this, so no dangling
// locations are ever observable.
func (m *Manager) Remove(id uint64) error {
	m.mu.Lock()
	meta, ok := m.sealed[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("segment %d not found or not sealed", id)
	}
	delete(m.sealed, id)
	delete(m.open, id)
	m.mu.Unlock()

	return os.Remove(filepath.Join(m.dir, meta.Name))
}

// SyncActive flushes the active segment to disk.
func (m *Manager) SyncActive() error {
	return m.Active().Sync()
}

// Close syncs and closes the active segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.active.Sync(); err != nil {
		return err
	}
	return m.active.close()
}

func (m *Manager) recoverSealed(name string) (Meta, error) {
	id, minTs, maxTs, err := parseSealedName(name)
	if err != nil {
		return Meta{}, err
	}
	path := filepath.Join(m.dir, name)
	records, fMin, fMax, err := m.codec.ReadFooter(path)
	if err != nil {
		return Meta{}, err
	}
	// Footer is authoritative over the filename.
	if fMin != 0 {
		minTs, maxTs = fMin, fMax
	}
	info, err := os.Stat(path)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		ID:      id,
		Name:    name,
		MinTs:   minTs,
		MaxTs:   maxTs,
		Size:    info.Size(),
		Records: records,
		Sealed:  true,
	}, nil
}

func activeName(id uint64) string {
	return fmt.Sprintf("seg_%d.log", id)
}

func sealedName(id uint64, minTs, maxTs int64) string {
	return fmt.Sprintf("seg_%d_%d_%d.seg", id, minTs, maxTs)
}

func parseActiveName(name string) (uint64, error) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "seg_"), ".log")
	return strconv.ParseUint(base, 10, 64)
}

func parseSealedName(name string) (id uint64, minTs, maxTs int64, err error) {
	if !strings.HasPrefix(name, "seg_") || !strings.HasSuffix(name, ".seg") {
		return 0, 0, 0, fmt.Errorf("unexpected segment filename %q", name)
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "seg_"), ".seg"), "_")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected segment filename %q", name)
	}
	id, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	minTs, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	maxTs, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	return id, minTs, maxTs, nil
}
