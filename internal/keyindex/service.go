package keyindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/logger"
	"github.com/jptalukdar/waddlemq/internal/types"
)

const fileNameLayout = "20060102150405.000"

// fileName formats t as the index file's name: yyyyMMddHHmmssSSS, 17
// ASCII digits, chosen so lexicographic order equals chronological
// order.
func fileName(t time.Time) string {
	s := t.UTC().Format(fileNameLayout)
	return strings.Replace(s, ".", "", 1)
}

// Config holds the tunables for a Service.
type Config struct {
	Dir             string
	SlotCount       int32
	MaxEntries      int32
	MaxQueryCount   int
	DestroyTimeout  time.Duration
	RolloverRetries int
	RolloverBackoff time.Duration
	// ArchiveDir, if set, causes DeleteExpiredFile to write a
	// compressed copy of each file before destroying it.
	ArchiveDir string
}

func (c *Config) applyDefaults() {
	if c.SlotCount == 0 {
		c.SlotCount = 500_000
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 2_000_000
	}
	if c.MaxQueryCount == 0 {
		c.MaxQueryCount = 64
	}
	if c.DestroyTimeout == 0 {
		c.DestroyTimeout = 3 * time.Second
	}
	if c.RolloverRetries == 0 {
		c.RolloverRetries = 3
	}
	if c.RolloverBackoff == 0 {
		c.RolloverBackoff = time.Second
	}
}

// Service is the ordered collection of IndexFiles that forms the
// queryable, rolling key index for one broker. Producers take the
// read lock for queries and for appends that land on the current
// tail; the write lock is reserved for rollover and expiry, which
// mutate the file list itself.
type Service struct {
	mu         sync.RWMutex
	cfg        Config
	files      []*IndexFile
	checkpoint *commitlog.CheckpointStore
	unwritable atomic.Bool
}

// NewService constructs a Service over cfg. Call Load to populate it
// from an existing index directory before serving traffic.
func NewService(cfg Config, checkpoint *commitlog.CheckpointStore) *Service {
	cfg.applyDefaults()
	return &Service{cfg: cfg, checkpoint: checkpoint}
}

// Unwritable reports whether the index has latched into the
// unwritable state after exhausting rollover retries. Once latched it
// never clears itself; an operator restart is required.
func (s *Service) Unwritable() bool {
	return s.unwritable.Load()
}

// Load enumerates the index directory, opens files in chronological
// (= lexicographic filename) order, and discards any file an unclean
// shutdown may have left dangling past the last checkpoint.
func (s *Service) Load(cleanShutdown bool) error {
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("keyindex: mkdir %s: %w", s.cfg.Dir, err)
	}
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("keyindex: readdir %s: %w", s.cfg.Dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	checkpointTs := s.checkpoint.IndexMsgTimestamp()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		path := filepath.Join(s.cfg.Dir, name)
		f, err := Open(path)
		if err != nil {
			return fmt.Errorf("keyindex: load %s: %w", path, err)
		}
		if !cleanShutdown && f.EndTimestamp() > checkpointTs {
			logger.Warn("keyindex: discarding %s (end_ts=%d > checkpoint=%d, unclean shutdown)", name, f.EndTimestamp(), checkpointTs)
			f.Close()
			if rmErr := os.Remove(path); rmErr != nil {
				return fmt.Errorf("keyindex: remove stale %s: %w", path, rmErr)
			}
			continue
		}
		s.files = append(s.files, f)
	}
	return nil
}

// tailLocked returns the current mutable tail file, or nil if none
// exists yet. Callers must hold s.mu (read or write).
func (s *Service) tailLocked() *IndexFile {
	if len(s.files) == 0 {
		return nil
	}
	return s.files[len(s.files)-1]
}

// createTailLocked creates and appends a new tail file, seeded from
// the previous tail's end_phy_offset/end_timestamp if one exists.
// Callers must hold s.mu for writing.
func (s *Service) createTailLocked() (*IndexFile, error) {
	prev := s.tailLocked()
	now := time.Now()
	path := filepath.Join(s.cfg.Dir, fileName(now))
	// A rollover inside the same millisecond as the previous tail's
	// creation would reuse its name; step forward until the name is
	// free, which keeps names unique and in chronological order.
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		now = now.Add(time.Millisecond)
		path = filepath.Join(s.cfg.Dir, fileName(now))
	}
	nf, err := Create(path, s.cfg.SlotCount, s.cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if err := nf.SeedFrom(prev.EndPhyOffset(), prev.EndTimestamp()); err != nil {
			nf.Close()
			return nil, err
		}
	}
	s.files = append(s.files, nf)
	return nf, nil
}

// BuildIndex is the hot path, called once per committed commit-log
// message. It is idempotent for offsets already indexed and tolerant
// of a full tail file: each put that finds the tail full rolls over to
// a fresh tail, and the put is retried up to cfg.RolloverRetries times
// before the index is latched unwritable.
func (s *Service) BuildIndex(req types.DispatchRequest) error {
	if req.MsgType == types.MessageTransactionCommit || req.MsgType == types.MessageTransactionRollback {
		return nil
	}

	s.mu.RLock()
	tail := s.tailLocked()
	s.mu.RUnlock()

	if tail != nil && req.CommitLogOffset < tail.EndPhyOffset() {
		return nil // idempotent re-dispatch
	}

	keys := splitKeys(req.Keys)
	if len(keys) == 0 {
		return nil
	}

	for _, key := range keys {
		fullKey := req.Topic + "#" + key
		if err := s.putWithRollover(fullKey, req.CommitLogOffset, req.StoreTimestamp); err != nil {
			return err
		}
	}
	return nil
}

func splitKeys(raw string) []string {
	parts := strings.Split(raw, types.KeySeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) putWithRollover(fullKey string, phyOffset, storeTimestamp int64) error {
	for attempt := 0; attempt <= s.cfg.RolloverRetries; attempt++ {
		s.mu.RLock()
		tail := s.tailLocked()
		s.mu.RUnlock()

		if tail == nil {
			if _, err := s.rollover(); err != nil {
				return err
			}
			continue
		}

		ok, err := tail.PutKey(fullKey, phyOffset, storeTimestamp)
		if err != nil {
			return fmt.Errorf("keyindex: put %q: %w", fullKey, err)
		}
		if ok {
			return nil
		}

		if _, err := s.rollover(); err != nil {
			return err
		}
		if attempt < s.cfg.RolloverRetries {
			time.Sleep(s.cfg.RolloverBackoff)
		}
	}

	s.unwritable.Store(true)
	logger.Error("keyindex: exhausted %d rollover retries, latching unwritable", s.cfg.RolloverRetries)
	return fmt.Errorf("keyindex: unwritable after %d rollover attempts", s.cfg.RolloverRetries)
}

// rollover seals the current tail (flushing it in the background) and
// opens a fresh one, persisting a checkpoint for the sealed file.
func (s *Service) rollover() (*IndexFile, error) {
	s.mu.Lock()
	sealed := s.tailLocked()
	nf, err := s.createTailLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if sealed != nil {
		go func(f *IndexFile) {
			if err := f.Flush(); err != nil {
				logger.Error("keyindex: background flush of %s failed: %v", f.Path(), err)
				return
			}
			if err := s.checkpoint.SetIndexMsgTimestamp(f.EndTimestamp()); err != nil {
				logger.Error("keyindex: checkpoint after flush of %s failed: %v", f.Path(), err)
			}
		}(sealed)
	}
	return nf, nil
}

// QueryOffset walks the file list newest-first, returning up to
// maxCount matching physical offsets plus the tail's current
// last-update timestamp/offset (populated even on an empty result, so
// callers can tell how fresh the index is).
func (s *Service) QueryOffset(topic, key string, maxCount int, tBegin, tEnd int64) (offsets []int64, lastUpdateTs, lastUpdatePhy int64, err error) {
	if maxCount <= 0 || maxCount > s.cfg.MaxQueryCount {
		maxCount = s.cfg.MaxQueryCount
	}
	fullKey := topic + "#" + key

	s.mu.RLock()
	defer s.mu.RUnlock()

	if tail := s.tailLocked(); tail != nil {
		lastUpdateTs = tail.EndTimestamp()
		lastUpdatePhy = tail.EndPhyOffset()
	}

	out := make([]int64, 0, maxCount)
	for i := len(s.files) - 1; i >= 0; i-- {
		if len(out) >= maxCount {
			break
		}
		f := s.files[i]
		if f.IsTimeMatched(tBegin, tEnd) {
			out, err = f.SelectPhyOffset(out, fullKey, maxCount, tBegin, tEnd)
			if err != nil {
				return out, lastUpdateTs, lastUpdatePhy, err
			}
		}
		if f.BeginTimestamp() < tBegin {
			// No older file can match: files are chronologically
			// ordered, so once a file's range starts before tBegin,
			// every earlier file starts even earlier. This file's own
			// matches (if any) were already collected above.
			break
		}
	}
	return out, lastUpdateTs, lastUpdatePhy, nil
}

// DeleteExpiredFile destroys every non-tail file whose end_phy_offset
// is below cutoff, stopping at the first file that does not qualify
// (the list is time-ordered oldest-first, so later files are even
// less likely to qualify). Returns the count of files removed and the
// first destroy error encountered, if any; per spec.md 9, a failed
// destroy mid-iteration is reported, not rolled back.
func (s *Service) DeleteExpiredFile(cutoff int64) (int, error) {
	s.mu.RLock()
	snapshot := make([]*IndexFile, len(s.files))
	copy(snapshot, s.files)
	s.mu.RUnlock()

	var toRemove []*IndexFile
	for i := 0; i < len(snapshot)-1; i++ { // never the tail
		f := snapshot[i]
		if f.EndPhyOffset() >= cutoff {
			break
		}
		toRemove = append(toRemove, f)
	}
	if len(toRemove) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, f := range toRemove {
		if s.cfg.ArchiveDir != "" {
			if _, err := Archive(f, s.cfg.ArchiveDir); err != nil {
				logger.Warn("keyindex: archive %s failed, destroying without archive: %v", f.Path(), err)
			}
		}
		ok, err := f.Destroy(s.cfg.DestroyTimeout)
		if err != nil || !ok {
			// Per spec.md 9 Open Questions: a failed destroy mid-
			// iteration breaks and reports, leaving the file list as
			// it stands (no rollback of files already removed).
			return removed, fmt.Errorf("keyindex: destroy %s: %w", f.Path(), err)
		}
		s.removeFromListLocked(f)
		removed++
	}
	return removed, nil
}

func (s *Service) removeFromListLocked(target *IndexFile) {
	for i, f := range s.files {
		if f == target {
			s.files = append(s.files[:i], s.files[i+1:]...)
			return
		}
	}
}

// Close flushes and closes every open file without deleting any of
// them.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FileCount returns the number of open index files, for tests and the
// admin CLI.
func (s *Service) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
