// Package keyindex implements the on-disk key index: a fixed-size file
// holding a header, a hash-slot array and a flat entry array, giving
// O(1)-average lookup of commit-log physical offsets by (topic, key)
// and time range. See IndexFile for the single-file format and
// IndexService for the ordered collection of files that forms the
// queryable, rolling index.
package keyindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	headerSize = 40 // begin_ts, end_ts, begin_phy, end_phy (8B each) + slot_count, index_count (4B each)
	slotSize   = 4
	entrySize  = 20 // key_hash(4) + phy_offset(8) + time_delta(4) + prev_index(4)
)

var (
	// ErrFileFull names the condition of a file that has reached its
	// configured entry capacity. PutKey does not return it: it reports
	// a full file as (false, nil), which IndexService treats as the
	// rollover trigger.
	ErrFileFull = errors.New("keyindex: file full")
	// ErrDestroyTimeout is returned by Destroy when the exclusive
	// resource lock could not be acquired within the given timeout.
	ErrDestroyTimeout = errors.New("keyindex: destroy: lock acquisition timed out")
)

// header mirrors the 40-byte on-disk header exactly, field for field,
// in the order the specification defines them.
type header struct {
	BeginTimestamp int64
	EndTimestamp   int64
	BeginPhyOffset int64
	EndPhyOffset   int64
	HashSlotCount  int32
	IndexCount     int32
}

func (h *header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.BeginTimestamp))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.EndTimestamp))
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.BeginPhyOffset))
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.EndPhyOffset))
	binary.BigEndian.PutUint32(buf[32:36], uint32(h.HashSlotCount))
	binary.BigEndian.PutUint32(buf[36:40], uint32(h.IndexCount))
	return buf
}

func decodeHeader(buf []byte) header {
	return header{
		BeginTimestamp: int64(binary.BigEndian.Uint64(buf[0:8])),
		EndTimestamp:   int64(binary.BigEndian.Uint64(buf[8:16])),
		BeginPhyOffset: int64(binary.BigEndian.Uint64(buf[16:24])),
		EndPhyOffset:   int64(binary.BigEndian.Uint64(buf[24:32])),
		HashSlotCount:  int32(binary.BigEndian.Uint32(buf[32:36])),
		IndexCount:     int32(binary.BigEndian.Uint32(buf[36:40])),
	}
}

// entry mirrors one 20-byte on-disk entry record.
type entry struct {
	KeyHash   int32
	PhyOffset int64
	TimeDelta int32
	PrevIndex int32
}

func (e *entry) encode() []byte {
	buf := make([]byte, entrySize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.KeyHash))
	binary.BigEndian.PutUint64(buf[4:12], uint64(e.PhyOffset))
	binary.BigEndian.PutUint32(buf[12:16], uint32(e.TimeDelta))
	binary.BigEndian.PutUint32(buf[16:20], uint32(e.PrevIndex))
	return buf
}

func decodeEntry(buf []byte) entry {
	return entry{
		KeyHash:   int32(binary.BigEndian.Uint32(buf[0:4])),
		PhyOffset: int64(binary.BigEndian.Uint64(buf[4:12])),
		TimeDelta: int32(binary.BigEndian.Uint32(buf[12:16])),
		PrevIndex: int32(binary.BigEndian.Uint32(buf[16:20])),
	}
}

// IndexFile is one fixed-size on-disk hash index, named by its
// creation timestamp (yyyyMMddHHmmssSSS) so that lexicographic file
// name order is chronological order. Only the IndexService's tail
// file accepts puts; sealed files are read-only.
type IndexFile struct {
	mu sync.RWMutex

	path       string
	file       *os.File
	slotCount  int32
	maxEntries int32
	hdr        header
}

// Create creates a brand new, empty IndexFile at path with slotCount
// hash buckets and room for maxEntries entries, pre-allocated to its
// full fixed size.
func Create(path string, slotCount, maxEntries int32) (*IndexFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("keyindex: create %s: %w", path, err)
	}
	total := int64(headerSize) + int64(slotCount)*slotSize + int64(maxEntries+1)*entrySize
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("keyindex: truncate %s: %w", path, err)
	}
	idx := &IndexFile{
		path:       path,
		file:       f,
		slotCount:  slotCount,
		maxEntries: maxEntries,
		hdr:        header{HashSlotCount: slotCount, IndexCount: 1}, // slot 0 is the empty sentinel
	}
	if err := idx.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

// Open opens an existing IndexFile and validates its header against
// the file's actual size.
func Open(path string) (*IndexFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("keyindex: open %s: %w", path, err)
	}
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("keyindex: read header %s: %w", path, err)
	}
	hdr := decodeHeader(buf)
	if hdr.HashSlotCount <= 0 || hdr.IndexCount < 1 {
		f.Close()
		return nil, fmt.Errorf("keyindex: corrupt header in %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	maxEntries := int32((info.Size() - headerSize - int64(hdr.HashSlotCount)*slotSize) / entrySize) - 1
	return &IndexFile{
		path:       path,
		file:       f,
		slotCount:  hdr.HashSlotCount,
		maxEntries: maxEntries,
		hdr:        hdr,
	}, nil
}

// Path returns the file's path on disk.
func (f *IndexFile) Path() string { return f.path }

func (f *IndexFile) slotOffset(bucket int32) int64 {
	return headerSize + int64(bucket)*slotSize
}

func (f *IndexFile) entryOffset(idx int32) int64 {
	return headerSize + int64(f.slotCount)*slotSize + int64(idx)*entrySize
}

func (f *IndexFile) writeHeader() error {
	_, err := f.file.WriteAt(f.hdr.encode(), 0)
	return err
}

func (f *IndexFile) readSlot(bucket int32) (int32, error) {
	buf := make([]byte, slotSize)
	if _, err := f.file.ReadAt(buf, f.slotOffset(bucket)); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf)), nil
}

func (f *IndexFile) writeSlot(bucket, value int32) error {
	buf := make([]byte, slotSize)
	binary.BigEndian.PutUint32(buf, uint32(value))
	_, err := f.file.WriteAt(buf, f.slotOffset(bucket))
	return err
}

// BeginTimestamp, EndTimestamp, BeginPhyOffset, EndPhyOffset, and
// IndexCount expose the header fields under the read lock, for the
// IndexService's rollover and query-termination decisions.
func (f *IndexFile) BeginTimestamp() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hdr.BeginTimestamp
}

func (f *IndexFile) EndTimestamp() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hdr.EndTimestamp
}

func (f *IndexFile) BeginPhyOffset() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hdr.BeginPhyOffset
}

func (f *IndexFile) EndPhyOffset() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hdr.EndPhyOffset
}

func (f *IndexFile) IndexCount() int32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hdr.IndexCount
}

// IsFull reports whether the file has exhausted its entry capacity.
func (f *IndexFile) IsFull() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hdr.IndexCount > f.maxEntries
}

// IsTimeMatched reports whether this file's [begin,end] timestamp
// range overlaps [tBegin,tEnd], per spec.md 4.1; an un-populated file
// (both timestamps zero) never matches.
func (f *IndexFile) IsTimeMatched(tBegin, tEnd int64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.hdr.BeginTimestamp == 0 && f.hdr.EndTimestamp == 0 {
		return false
	}
	return f.hdr.BeginTimestamp <= tEnd && f.hdr.EndTimestamp >= tBegin
}

// SeedFrom carries over end_phy_offset and end_timestamp from a sealed
// predecessor as this (freshly created, empty) file's begin_* seeds,
// so rollover preserves contiguity: the new file's begin_phy_offset
// equals the previous file's end_phy_offset.
func (f *IndexFile) SeedFrom(prevEndPhyOffset, prevEndTimestamp int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hdr.BeginPhyOffset = prevEndPhyOffset
	f.hdr.EndPhyOffset = prevEndPhyOffset
	f.hdr.BeginTimestamp = prevEndTimestamp
	f.hdr.EndTimestamp = prevEndTimestamp
	return f.writeHeader()
}

// PutKey indexes one (key, phy_offset, store_timestamp) triple.
// Returns (true, nil) on success, (false, nil) if the file is full
// (the caller should roll over and retry elsewhere), or a non-nil
// error only on I/O failure.
func (f *IndexFile) PutKey(key string, phyOffset, storeTimestamp int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hdr.IndexCount > f.maxEntries {
		return false, nil
	}

	h := nonnegativeHash(key)
	bucket := h % f.slotCount
	if bucket < 0 {
		bucket += f.slotCount
	}

	prev, err := f.readSlot(bucket)
	if err != nil {
		return false, fmt.Errorf("keyindex: read slot: %w", err)
	}

	// A file is "unseeded" (truly empty, begin_timestamp still its
	// zero value) either because it is the very first file ever
	// created, or because SeedFrom has not been called on it.
	// SeedFrom (rollover) sets begin_timestamp/begin_phy_offset at
	// creation time, before any put, so on a seeded file this branch
	// is skipped and time_delta is computed against the seeded begin
	// timestamp from the very first put onward.
	unseeded := f.hdr.BeginTimestamp == 0
	if unseeded {
		f.hdr.BeginTimestamp = storeTimestamp
	}

	var timeDelta int32
	if unseeded {
		timeDelta = 0
	} else {
		delta := storeTimestamp - f.hdr.BeginTimestamp
		if delta < math.MinInt32 || delta > math.MaxInt32 {
			// Clamp per spec.md 4.1 step 4: out-of-range deltas (e.g. a
			// slave replaying after a long downtime, or clock skew
			// putting store_timestamp far before begin_timestamp) are
			// treated as 0 rather than rejected.
			timeDelta = 0
		} else {
			timeDelta = int32(delta)
		}
	}

	newIdx := f.hdr.IndexCount
	e := entry{KeyHash: h, PhyOffset: phyOffset, TimeDelta: timeDelta, PrevIndex: prev}
	if _, err := f.file.WriteAt(e.encode(), f.entryOffset(newIdx)); err != nil {
		return false, fmt.Errorf("keyindex: write entry: %w", err)
	}
	if err := f.writeSlot(bucket, newIdx); err != nil {
		return false, fmt.Errorf("keyindex: write slot: %w", err)
	}

	if unseeded {
		f.hdr.BeginPhyOffset = phyOffset
	}
	f.hdr.EndPhyOffset = phyOffset
	f.hdr.EndTimestamp = storeTimestamp
	f.hdr.IndexCount++
	if err := f.writeHeader(); err != nil {
		return false, fmt.Errorf("keyindex: write header: %w", err)
	}
	return true, nil
}

// SelectPhyOffset walks the bucket chain for key, newest entry first,
// appending every hash-matching entry whose reconstructed timestamp
// falls in [tBegin, tEnd] to out, stopping at maxCount results or at
// the end of the chain. Hash collisions are returned too; callers
// disambiguate by re-reading the message at each offset and comparing
// the full key.
func (f *IndexFile) SelectPhyOffset(out []int64, key string, maxCount int, tBegin, tEnd int64) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	h := nonnegativeHash(key)
	bucket := h % f.slotCount
	if bucket < 0 {
		bucket += f.slotCount
	}

	idx, err := f.readSlot(bucket)
	if err != nil {
		return out, fmt.Errorf("keyindex: read slot: %w", err)
	}

	visited := 0
	for idx != 0 && len(out) < maxCount {
		// Bound the walk by index_count so a corrupt prev_index chain
		// cannot spin forever (invariant 2 in spec.md section 8).
		visited++
		if visited > int(f.hdr.IndexCount) {
			break
		}
		buf := make([]byte, entrySize)
		if _, err := f.file.ReadAt(buf, f.entryOffset(idx)); err != nil {
			return out, fmt.Errorf("keyindex: read entry: %w", err)
		}
		e := decodeEntry(buf)
		if e.KeyHash == h {
			ts := f.hdr.BeginTimestamp + int64(e.TimeDelta)
			if ts >= tBegin && ts <= tEnd {
				out = append(out, e.PhyOffset)
			}
		}
		idx = e.PrevIndex
	}
	return out, nil
}

// Flush syncs the mapped/written region to stable storage.
func (f *IndexFile) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Sync()
}

// Destroy attempts to acquire an exclusive flock on the file within
// timeout, then closes and deletes it. Returns (true, nil) only if
// deletion succeeded; a lock timeout returns (false, ErrDestroyTimeout)
// without touching the file.
func (f *IndexFile) Destroy(timeout time.Duration) (bool, error) {
	fd := int(f.file.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return false, ErrDestroyTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.file.Close(); err != nil {
		return false, fmt.Errorf("keyindex: close before destroy: %w", err)
	}
	if err := os.Remove(f.path); err != nil {
		return false, fmt.Errorf("keyindex: remove %s: %w", f.path, err)
	}
	return true, nil
}

// Close closes the underlying file handle without deleting it.
func (f *IndexFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
