// Package commitlog implements the append-only byte stream that the
// index and replication subsystems both treat as ground truth. The
// specification this package serves treats the commit log as an
// external collaborator referenced only through max_physical_offset,
// append and a contiguous read-by-offset slice; this is a concrete,
// minimal implementation of that boundary so the rest of the module
// has something real to dispatch against and replicate.
//
// The on-disk format is a single growing file of back-to-back,
// length-prefixed, checksummed records:
//
//	[4-byte body length][4-byte blake3-32 checksum][body]
//
// The physical offset of a record is the file offset of its 4-byte
// length prefix, matching the "phy_offset" used throughout the index
// and HA specification.
package commitlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zeebo/blake3"
)

var (
	// ErrCorruptRecord is returned by Read when a record's checksum
	// does not match its body.
	ErrCorruptRecord = errors.New("commitlog: corrupt record")
	// ErrShortRead is returned when the log does not contain a full
	// record at the requested offset.
	ErrShortRead = errors.New("commitlog: short read")
)

const recordHeaderSize = 8 // 4-byte length + 4-byte checksum

// Log is an append-only, byte-offset-addressed commit log file.
type Log struct {
	mu   sync.RWMutex
	file *os.File
	path string
	size int64
}

// Open opens (creating if necessary) a commit log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Log{file: f, path: path, size: info.Size()}, nil
}

// MaxPhysicalOffset returns the offset one past the last committed
// byte, i.e. the offset the next Append will be written at. An empty
// log returns 0.
func (l *Log) MaxPhysicalOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Append writes body as a new record and returns the physical offset
// it was written at. Appends are serialized; the file is synced so
// that MaxPhysicalOffset never advances past durable data.
func (l *Log) Append(body []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset := l.size
	buf := make([]byte, recordHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	sum := blake3.Sum256(body)
	binary.BigEndian.PutUint32(buf[4:8], binary.BigEndian.Uint32(sum[:4]))
	copy(buf[recordHeaderSize:], body)

	n, err := l.file.WriteAt(buf, offset)
	if err != nil {
		return 0, fmt.Errorf("commitlog: append: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("commitlog: sync: %w", err)
	}
	l.size += int64(n)
	return offset, nil
}

// AppendAt writes body verbatim at the given offset, used by the HA
// slave path to apply bytes received from the master. The caller
// (HAClient) has already validated offset continuity; AppendAt only
// extends the log, it never overwrites already-durable bytes.
func (l *Log) AppendAt(offset int64, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset != l.size {
		return fmt.Errorf("commitlog: non-contiguous append at %d, expected %d", offset, l.size)
	}
	n, err := l.file.WriteAt(raw, offset)
	if err != nil {
		return fmt.Errorf("commitlog: append at %d: %w", offset, err)
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.size += int64(n)
	return nil
}

// Read returns a contiguous slice of raw log bytes starting at offset,
// up to maxBytes, truncated to whole records so the result always
// begins and ends on a record boundary (the log interface's
// contiguous/boundary-aligned guarantee).
func (l *Log) Read(offset int64, maxBytes int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 || offset > l.size {
		return nil, ErrShortRead
	}
	avail := l.size - offset
	if avail == 0 {
		return nil, nil
	}
	want := int64(maxBytes)
	if want > avail {
		want = avail
	}

	raw := make([]byte, want)
	n, err := l.file.ReadAt(raw, offset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("commitlog: read at %d: %w", offset, err)
	}
	raw = raw[:n]
	return alignToRecordBoundary(raw), nil
}

// alignToRecordBoundary walks records from the start of buf and
// truncates the slice to drop any trailing partial record.
func alignToRecordBoundary(buf []byte) []byte {
	var pos int
	for pos+recordHeaderSize <= len(buf) {
		bodyLen := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		end := pos + recordHeaderSize + bodyLen
		if end > len(buf) {
			break
		}
		pos = end
	}
	return buf[:pos]
}

// RecordBody extracts the body from a single record that begins at
// the start of raw, verifying its checksum (used by ReadRecord, the
// dispatcher's read path).
func RecordBody(raw []byte) ([]byte, error) {
	if len(raw) < recordHeaderSize {
		return nil, ErrShortRead
	}
	bodyLen := int(binary.BigEndian.Uint32(raw[0:4]))
	if len(raw) < recordHeaderSize+bodyLen {
		return nil, ErrShortRead
	}
	wantSum := binary.BigEndian.Uint32(raw[4:8])
	body := raw[recordHeaderSize : recordHeaderSize+bodyLen]
	sum := blake3.Sum256(body)
	if binary.BigEndian.Uint32(sum[:4]) != wantSum {
		return nil, ErrCorruptRecord
	}
	return body, nil
}

// ReadRecord reads the single record starting at offset and returns
// its body along with the offset of the record that follows it. It is
// the dispatcher's primary read path: one call per commit-log record,
// rather than buffering a whole chunk and re-parsing it.
func (l *Log) ReadRecord(offset int64) (body []byte, next int64, err error) {
	l.mu.RLock()
	size := l.size
	l.mu.RUnlock()

	if offset < 0 || offset >= size {
		return nil, offset, ErrShortRead
	}
	hdr := make([]byte, recordHeaderSize)
	if _, err := l.file.ReadAt(hdr, offset); err != nil {
		return nil, offset, fmt.Errorf("commitlog: read header at %d: %w", offset, err)
	}
	bodyLen := int(binary.BigEndian.Uint32(hdr[0:4]))
	if offset+int64(recordHeaderSize+bodyLen) > size {
		return nil, offset, ErrShortRead
	}
	raw := make([]byte, recordHeaderSize+bodyLen)
	if _, err := l.file.ReadAt(raw, offset); err != nil {
		return nil, offset, fmt.Errorf("commitlog: read record at %d: %w", offset, err)
	}
	body, err = RecordBody(raw)
	if err != nil {
		return nil, offset, err
	}
	return body, offset + int64(len(raw)), nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the file path backing this log.
func (l *Log) Path() string {
	return l.path
}
