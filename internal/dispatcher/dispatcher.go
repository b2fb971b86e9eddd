// Package dispatcher feeds committed commit-log records into the key
// index, one at a time, in the order they were appended. It is the
// glue between the commit-log abstraction and IndexService.BuildIndex
// that spec.md treats as an external caller.
package dispatcher

import (
	"context"
	"time"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/logger"
	"github.com/jptalukdar/waddlemq/internal/types"
)

// IndexBuilder is the subset of keyindex.Service the dispatcher needs.
type IndexBuilder interface {
	BuildIndex(req types.DispatchRequest) error
}

// SlaveChecker is the subset of ha.Server the dispatcher exposes to
// callers deciding whether a synchronous publish is safe to accept.
type SlaveChecker interface {
	IsSlaveOK(masterWriteOffset int64) bool
}

// Dispatcher tails a commit log from an in-memory cursor (0 unless
// SetCursor is called) and calls BuildIndex for every record it reads,
// advancing the cursor and checkpointing the record's store timestamp
// only after BuildIndex succeeds. The cursor itself is not persisted.
type Dispatcher struct {
	log          *commitlog.Log
	index        IndexBuilder
	slaves       SlaveChecker
	checkpoint   *commitlog.CheckpointStore
	pollInterval time.Duration

	cursor int64
}

// New constructs a Dispatcher. slaves may be nil on a standalone
// broker with no replication configured.
func New(log *commitlog.Log, index IndexBuilder, slaves SlaveChecker, checkpoint *commitlog.CheckpointStore) *Dispatcher {
	return &Dispatcher{
		log:          log,
		index:        index,
		slaves:       slaves,
		checkpoint:   checkpoint,
		pollInterval: 50 * time.Millisecond,
	}
}

// SetCursor positions the dispatcher at a known physical offset,
// typically the last offset indexed before a restart.
func (d *Dispatcher) SetCursor(offset int64) {
	d.cursor = offset
}

// Cursor returns the physical offset of the next record the
// dispatcher has not yet indexed.
func (d *Dispatcher) Cursor() int64 {
	return d.cursor
}

// Run consumes records until ctx is cancelled, blocking in short polls
// whenever it has caught up to the commit log's current end.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.cursor >= d.log.MaxPhysicalOffset() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.pollInterval):
				continue
			}
		}

		if err := d.dispatchOne(); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) dispatchOne() error {
	body, next, err := d.log.ReadRecord(d.cursor)
	if err == commitlog.ErrShortRead {
		// Record not fully durable yet; retry on the next poll.
		return nil
	}
	if err != nil {
		return err
	}

	msg, err := DecodeMessage(body)
	if err != nil {
		logger.Error("dispatcher: skipping undecodable record at %d: %v", d.cursor, err)
		d.cursor = next
		return nil
	}

	req := types.DispatchRequest{
		Topic:           msg.Topic,
		Keys:            msg.Keys,
		CommitLogOffset: d.cursor,
		StoreTimestamp:  msg.StoreTimestamp,
		MsgType:         msg.MsgType,
	}
	if err := d.index.BuildIndex(req); err != nil {
		return err
	}

	d.cursor = next
	if d.checkpoint != nil {
		if err := d.checkpoint.SetIndexMsgTimestamp(msg.StoreTimestamp); err != nil {
			logger.Warn("dispatcher: checkpoint update failed: %v", err)
		}
	}
	return nil
}

// IsSlaveOK reports whether a synchronous publish at masterWriteOffset
// is currently safe to accept, delegating to the configured
// SlaveChecker. A standalone broker with no replication always
// returns true.
func (d *Dispatcher) IsSlaveOK(masterWriteOffset int64) bool {
	if d.slaves == nil {
		return true
	}
	return d.slaves.IsSlaveOK(masterWriteOffset)
}
