package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/logvault/logvault/internal/model"
)

// Sealed segment file layout:
//
//	[Magic 8B][CompressedLen uint32][zstd frame stream][Footer]
//	Footer: RecordCount uint32, MinTs int64, MaxTs int64
//
// The compressed payload is the segment's frame stream, so index offsets
// recorded while the segment was active address it directly once decompressed.

var magicHeader = []byte("LVSEG001")

var ErrInvalidHeader = errors.New("invalid sealed segment header")

const footerSize = 4 + 8 + 8

// Codec compresses and decompresses sealed segment payloads. One instance is
// shared by the manager; zstd coders are safe for concurrent EncodeAll and
// DecodeAll use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// WriteSealed writes the frame stream as a sealed segment file.
func (c *Codec) WriteSealed(path string, stream []byte, records int, minTs, maxTs int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(magicHeader); err != nil {
		return err
	}

	compressed := c.encoder.EncodeAll(stream, make([]byte, 0, len(stream)/2))
	if err := binary.Write(f, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if _, err := f.Write(compressed); err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(records)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, minTs); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, maxTs); err != nil {
		return err
	}
	return f.Sync()
}

// ReadFooter returns record count and time range without decompressing the
// payload, for listing and time pruning.
func (c *Codec) ReadFooter(path string) (records int, minTs, maxTs int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	header := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, 0, 0, err
	}
	if !bytes.Equal(header, magicHeader) {
		return 0, 0, 0, ErrInvalidHeader
	}

	info, err := f.Stat()
	if err != nil {
		return 0, 0, 0, err
	}
	if info.Size() < int64(len(magicHeader)+4+footerSize) {
		return 0, 0, 0, errors.New("sealed segment file too small")
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, info.Size()-footerSize); err != nil {
		return 0, 0, 0, err
	}
	records = int(binary.LittleEndian.Uint32(footer[0:4]))
	minTs = int64(binary.LittleEndian.Uint64(footer[4:12]))
	maxTs = int64(binary.LittleEndian.Uint64(footer[12:20]))
	return records, minTs, maxTs, nil
}

// Sealed is an open, fully decompressed sealed segment. All reads are served
// from memory, so deleting the underlying file never disturbs an in-flight
// reader holding a handle.
type Sealed struct {
	ID      uint64
	stream  []byte
	offsets []int64
	minTs   int64
	maxTs   int64
}

// OpenSealed reads and decompresses a sealed segment file.
func (c *Codec) OpenSealed(path string, id uint64) (*Sealed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header, magicHeader) {
		return nil, ErrInvalidHeader
	}

	var compLen uint32
	if err := binary.Read(f, binary.LittleEndian, &compLen); err != nil {
		return nil, err
	}
	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(f, compressed); err != nil {
		return nil, err
	}
	stream, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, err
	}

	footer := make([]byte, footerSize)
	if _, err := io.ReadFull(f, footer); err != nil {
		return nil, err
	}
	records := int(binary.LittleEndian.Uint32(footer[0:4]))

	s := &Sealed{
		ID:     id,
		stream: stream,
		minTs:  int64(binary.LittleEndian.Uint64(footer[4:12])),
		maxTs:  int64(binary.LittleEndian.Uint64(footer[12:20])),
	}

	// Walk the stream once to recover frame offsets for backward scans.
	s.offsets = make([]int64, 0, records)
	var off int64
	for off < int64(len(stream)) {
		if off+4 > int64(len(stream)) {
			return nil, errors.New("sealed segment stream truncated")
		}
		s.offsets = append(s.offsets, off)
		off += 4 + int64(binary.LittleEndian.Uint32(stream[off:off+4]))
	}
	if len(s.offsets) != records {
		return nil, errors.New("sealed segment record count mismatch")
	}
	return s, nil
}

func (s *Sealed) TimeRange() (int64, int64) {
	return s.minTs, s.maxTs
}

// ReadAt materializes the record whose frame starts at offset.
func (s *Sealed) ReadAt(offset int64) (model.LogRecord, error) {
	rec, err := frameAt(s.stream, offset)
	if err != nil {
		return model.LogRecord{}, err
	}
	rec.ID = model.RecordID(model.Location{SegmentID: s.ID, Offset: offset})
	return rec, nil
}

// Scan walks records newest first. fn returns false to stop early.
func (s *Sealed) Scan(fn func(rec model.LogRecord, loc model.Location) bool) error {
	for i := len(s.offsets) - 1; i >= 0; i-- {
		rec, err := frameAt(s.stream, s.offsets[i])
		if err != nil {
			return err
		}
		loc := model.Location{SegmentID: s.ID, Offset: s.offsets[i]}
		rec.ID = model.RecordID(loc)
		if !fn(rec, loc) {
			return nil
		}
	}
	return nil
}
