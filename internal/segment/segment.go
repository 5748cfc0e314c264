package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/logvault/logvault/internal/model"
)

// ErrSegmentUnavailable is returned when the write path cannot reach the
// active segment. The request that hit it may be retried by the caller.
var ErrSegmentUnavailable = errors.New("active segment unavailable")

// errSealed guards against appends racing a rotation.
var errSealed = errors.New("segment already sealed")

// Active is the single writable segment. Appends go to an on-disk frame
// stream for durability and are mirrored in memory for search and sealing.
// Writers serialize on mu; record order is append order.
type Active struct {
	mu sync.RWMutex

	id        uint64
	path      string
	file      *os.File
	w         io.Writer // frame writer over file, swappable in tests
	size      int64     // next frame offset
	records   []model.LogRecord
	offsets   []int64
	createdAt time.Time
	sealed    bool
}

func newActive(path string, id uint64) (*Active, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Active{
		id:        id,
		path:      path,
		file:      f,
		w:         f,
		records:   make([]model.LogRecord, 0, 4096),
		offsets:   make([]int64, 0, 4096),
		createdAt: time.Now(),
	}, nil
}

// openActive reopens a leftover active segment after a restart, replaying its
// frame stream to rebuild the in-memory view. A torn final frame from a crash
// is truncated away.
func openActive(path string, id uint64) (*Active, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	a := &Active{
		id:        id,
		path:      path,
		file:      f,
		w:         f,
		createdAt: time.Now(),
	}

	for {
		rec, n, err := readFrame(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Partial tail write; drop it and continue from the last
			// complete frame.
			if terr := f.Truncate(a.size); terr != nil {
				f.Close()
				return nil, terr
			}
			break
		}
		a.records = append(a.records, rec)
		a.offsets = append(a.offsets, a.size)
		a.size += n
	}

	if _, err := f.Seek(a.size, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// Append writes one record and returns its location.
func (a *Active) Append(rec model.LogRecord) (model.Location, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return model.Location{}, errSealed
	}

	offset := a.size
	n, err := appendFrame(a.w, &rec)
	if err != nil {
		// A partial frame may already be on disk. Cut the file back to the
		// last complete frame so later appends land at their recorded
		// offsets; if even that fails, the segment is done taking writes.
		if terr := a.file.Truncate(offset); terr != nil {
			a.sealed = true
		}
		return model.Location{}, fmt.Errorf("%w: %v", ErrSegmentUnavailable, err)
	}
	a.size += n
	a.records = append(a.records, rec)
	a.offsets = append(a.offsets, offset)

	return model.Location{SegmentID: a.id, Offset: offset}, nil
}

// Sync flushes the segment file to disk.
func (a *Active) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Sync()
}

func (a *Active) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

func (a *Active) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

func (a *Active) Age() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Since(a.createdAt)
}

// TimeRange returns the first and last record timestamps, zero when empty.
func (a *Active) TimeRange() (int64, int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.records) == 0 {
		return 0, 0
	}
	return a.records[0].Timestamp, a.records[len(a.records)-1].Timestamp
}

// ReadAt materializes the record whose frame starts at offset.
func (a *Active) ReadAt(offset int64) (model.LogRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	i := sort.Search(len(a.offsets), func(i int) bool { return a.offsets[i] >= offset })
	if i >= len(a.offsets) || a.offsets[i] != offset {
		return model.LogRecord{}, fmt.Errorf("no record at offset %d in segment %d", offset, a.id)
	}
	rec := a.records[i]
	rec.ID = model.RecordID(model.Location{SegmentID: a.id, Offset: offset})
	return rec, nil
}

// Scan walks in-memory records newest first. fn returns false to stop early.
func (a *Active) Scan(fn func(rec model.LogRecord, loc model.Location) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := len(a.records) - 1; i >= 0; i-- {
		loc := model.Location{SegmentID: a.id, Offset: a.offsets[i]}
		rec := a.records[i]
		rec.ID = model.RecordID(loc)
		if !fn(rec, loc) {
			return
		}
	}
}

// seal marks the segment immutable and returns the raw frame stream for the
// sealed-file writer. Called by the manager with rotation held.
func (a *Active) seal() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return nil, errSealed
	}
	a.sealed = true

	if err := a.file.Sync(); err != nil {
		return nil, err
	}
	stream := make([]byte, a.size)
	if _, err := a.file.ReadAt(stream, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return stream, nil
}

// unseal reverts a failed seal so the segment can keep accepting appends.
func (a *Active) unseal() {
	a.mu.Lock()
	a.sealed = false
	a.mu.Unlock()
}

func (a *Active) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
