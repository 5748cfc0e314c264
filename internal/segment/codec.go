package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/logvault/logvault/internal/model"
)

// Frame format: [Len uint32 LE][JSON bytes]. The active segment file and the
// payload of a sealed segment are both a plain stream of frames, so a record's
// byte offset is stable across sealing.

// appendFrame encodes rec and writes one frame to w.
// Returns the number of bytes written.
func appendFrame(w io.Writer, rec *model.LogRecord) (int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))

	if _, err := w.Write(lenBuf); err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	return int64(4 + len(data)), nil
}

// readFrame decodes the next frame from r. Returns the record and the number
// of bytes consumed; io.EOF marks a clean end of stream.
func readFrame(r io.Reader) (model.LogRecord, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF {
			return model.LogRecord{}, 0, io.EOF
		}
		return model.LogRecord{}, 0, fmt.Errorf("frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(lenBuf)
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return model.LogRecord{}, 0, fmt.Errorf("frame body: %w", err)
	}

	var rec model.LogRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.LogRecord{}, 0, fmt.Errorf("frame decode: %w", err)
	}
	return rec, int64(4 + length), nil
}

// frameAt decodes a single frame at the given offset of an in-memory frame
// stream, as used when materializing a record from a sealed segment.
func frameAt(stream []byte, offset int64) (model.LogRecord, error) {
	if offset < 0 || offset+4 > int64(len(stream)) {
		return model.LogRecord{}, fmt.Errorf("offset %d out of range", offset)
	}
	length := int64(binary.LittleEndian.Uint32(stream[offset : offset+4]))
	start := offset + 4
	if start+length > int64(len(stream)) {
		return model.LogRecord{}, fmt.Errorf("frame at %d truncated", offset)
	}

	var rec model.LogRecord
	if err := json.Unmarshal(stream[start:start+length], &rec); err != nil {
		return model.LogRecord{}, fmt.Errorf("frame decode at %d: %w", offset, err)
	}
	return rec, nil
}
