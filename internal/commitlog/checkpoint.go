package commitlog

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// CheckpointStore persists the single durable field the index and HA
// subsystems rely on for crash recovery: the store timestamp of the
// newest message known to be indexed. It is written atomically
// (write-temp, rename) so a crash mid-write never leaves a torn value
// that recovery would misread as either "older" or "newer" than the
// truth.
type CheckpointStore struct {
	mu   sync.RWMutex
	path string
	ts   int64
}

// OpenCheckpointStore loads a checkpoint file, or initializes a fresh
// store at timestamp 0 if the file does not exist yet (first boot).
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	cs := &CheckpointStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cs, nil
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	ts, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", path, err)
	}
	cs.ts = ts
	return cs, nil
}

// IndexMsgTimestamp returns the last checkpointed store_timestamp.
func (cs *CheckpointStore) IndexMsgTimestamp() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.ts
}

// SetIndexMsgTimestamp durably persists a new checkpoint value. Called
// on rollover, after the sealed IndexFile is safely flushed.
func (cs *CheckpointStore) SetIndexMsgTimestamp(ts int64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	body := strconv.FormatInt(ts, 10)
	if err := atomicfile.WriteFile(cs.path, bytes.NewReader([]byte(body))); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", cs.path, err)
	}
	cs.ts = ts
	return nil
}
