package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/model"
)

// ErrCorruption marks a detected inconsistency between the index and segment
// content. Callers degrade to a full scan instead of failing the request.
var ErrCorruption = errors.New("index corruption detected")

// KeyType names one of the indexed correlation fields. Each key type gets its
// own top-level bucket.
type KeyType string

const (
	KeyTrace   KeyType = "trace_id"
	KeySpan    KeyType = "span_id"
	KeyService KeyType = "service"
	KeyLevel   KeyType = "level"
)

var keyTypes = []KeyType{KeyTrace, KeySpan, KeyService, KeyLevel}

// Index maps correlation keys to record locations. Layout: one bucket per key
// type, one nested bucket per key value, entries keyed by the 16-byte
// big-endian (segment id, offset) pair with empty values. Segment IDs are
// monotonic and offsets ascend within a segment, so cursor order is insertion
// (time) order, and re-inserting an identical location is a no-op.
type Index struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens or creates the index database and its buckets.
func Open(path string, logger *zap.Logger) (*Index, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, kt := range keyTypes {
			if _, err := tx.CreateBucketIfNotExists([]byte(kt)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, logger: logger}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// Update inserts loc under every indexed key the record populates, in one
// transaction. Idempotent for duplicate (record, location) pairs.
func (ix *Index) Update(rec *model.LogRecord, loc model.Location) error {
	locKey := encodeLocation(loc)

	return ix.db.Update(func(tx *bbolt.Tx) error {
		for kt, value := range recordKeys(rec) {
			if err := putLocation(tx, kt, value, locKey); err != nil {
				return err
			}
		}
		return nil
	})
}

// Lookup returns every location stored under (kt, key), time ascending.
// Unknown keys yield an empty slice, never an error.
func (ix *Index) Lookup(kt KeyType, key string) ([]model.Location, error) {
	var locs []model.Location

	err := ix.db.View(func(tx *bbolt.Tx) error {
		top := tx.Bucket([]byte(kt))
		if top == nil {
			return fmt.Errorf("%w: missing bucket %q", ErrCorruption, kt)
		}
		b := top.Bucket([]byte(key))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			loc, err := decodeLocation(k)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			locs = append(locs, loc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locs, nil
}

// RemoveSegment purges every location pointing into segID across all key
// types in a single transaction. Readers observe either the full index or
// none of the removed entries, never a partial purge.
func (ix *Index) RemoveSegment(segID uint64) error {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, segID)

	return ix.db.Update(func(tx *bbolt.Tx) error {
		for _, kt := range keyTypes {
			top := tx.Bucket([]byte(kt))
			if top == nil {
				continue
			}

			tc := top.Cursor()
			var emptied [][]byte
			for name, v := tc.First(); name != nil; name, v = tc.Next() {
				if v != nil {
					continue // not a nested bucket
				}
				b := top.Bucket(name)

				c := b.Cursor()
				for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
					if err := c.Delete(); err != nil {
						return err
					}
				}
				if k, _ := b.Cursor().First(); k == nil {
					emptied = append(emptied, append([]byte(nil), name...))
				}
			}
			for _, name := range emptied {
				if err := top.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// recordKeys lists the (key type, key value) pairs a record populates. Level
// is always present; the correlation fields only when non-empty.
func recordKeys(rec *model.LogRecord) map[KeyType]string {
	keys := map[KeyType]string{KeyLevel: rec.Level.String()}
	if rec.TraceID != "" {
		keys[KeyTrace] = rec.TraceID
	}
	if rec.SpanID != "" {
		keys[KeySpan] = rec.SpanID
	}
	if rec.Service != "" {
		keys[KeyService] = rec.Service
	}
	return keys
}

func putLocation(tx *bbolt.Tx, kt KeyType, value string, locKey []byte) error {
	top := tx.Bucket([]byte(kt))
	if top == nil {
		return fmt.Errorf("%w: missing bucket %q", ErrCorruption, kt)
	}
	b, err := top.CreateBucketIfNotExists([]byte(value))
	if err != nil {
		return err
	}
	return b.Put(locKey, nil)
}

func encodeLocation(loc model.Location) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], loc.SegmentID)
	binary.BigEndian.PutUint64(k[8:16], uint64(loc.Offset))
	return k
}

func decodeLocation(k []byte) (model.Location, error) {
	if len(k) != 16 {
		return model.Location{}, fmt.Errorf("location key of length %d", len(k))
	}
	return model.Location{
		SegmentID: binary.BigEndian.Uint64(k[0:8]),
		Offset:    int64(binary.BigEndian.Uint64(k[8:16])),
	}, nil
}
