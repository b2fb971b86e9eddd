package ha

import (
	"sync"
	"time"
)

// GroupCommitRequest is a pending producer wait: the producer blocks
// on Done until NextOffset has been confirmed replicated, or the wait
// times out.
type GroupCommitRequest struct {
	NextOffset int64
	done       chan bool
	deadline   time.Time
}

// Done returns the channel the producer should receive from. It
// yields exactly once: true if NextOffset was replicated in time,
// false on timeout or shutdown.
func (r *GroupCommitRequest) Done() <-chan bool {
	return r.done
}

// GroupTransferGate blocks producers on a synchronous-replication
// publish until push2slave_max_offset has caught up to the offset
// they just wrote. It keeps two request lists — a mutator-append-only
// write list and a service-owned read list — and swaps them under a
// single lock on each wake, so producers enqueueing new requests never
// contend with the service thread walking the list it is currently
// processing (spec.md 4.5/9, the "two-list swap" pattern).
type GroupTransferGate struct {
	waitEach  time.Duration
	maxWaits  int
	getMaxAck func() int64

	mu      sync.Mutex
	write   []*GroupCommitRequest
	notify  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewGroupTransferGate constructs a gate. getMaxAck should return the
// HA service's current push2slave_max_offset.
func NewGroupTransferGate(waitEach time.Duration, maxWaits int, getMaxAck func() int64) *GroupTransferGate {
	if waitEach <= 0 {
		waitEach = time.Second
	}
	if maxWaits <= 0 {
		maxWaits = 5
	}
	g := &GroupTransferGate{
		waitEach:  waitEach,
		maxWaits:  maxWaits,
		getMaxAck: getMaxAck,
		notify:    make(chan struct{}, 1),
	}
	g.wg.Add(1)
	go g.run()
	return g
}

// Enqueue adds a producer wait for nextOffset and returns the request
// whose Done() channel will eventually fire.
func (g *GroupTransferGate) Enqueue(nextOffset int64) *GroupCommitRequest {
	req := &GroupCommitRequest{
		NextOffset: nextOffset,
		done:       make(chan bool, 1),
		deadline:   time.Now().Add(time.Duration(g.maxWaits) * g.waitEach),
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		req.done <- false
		return req
	}
	g.write = append(g.write, req)
	g.mu.Unlock()
	g.wake()
	return req
}

// NotifyTransferSome wakes the gate's service loop after the HA
// server's push2slave_max_offset has advanced, so newly-satisfiable
// requests are re-checked promptly instead of waiting out their full
// per-wait interval.
func (g *GroupTransferGate) NotifyTransferSome() {
	g.wake()
}

func (g *GroupTransferGate) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// run is the dedicated service goroutine: swap in pending requests,
// check each against the current ack offset, and keep rechecking the
// unsatisfied ones on every wake until their deadline (maxWaits *
// waitEach after Enqueue) has passed.
func (g *GroupTransferGate) run() {
	defer g.wg.Done()

	var read []*GroupCommitRequest

	ticker := time.NewTicker(g.waitEach)
	defer ticker.Stop()

	for {
		select {
		case <-g.notify:
		case <-ticker.C:
		}

		g.mu.Lock()
		if len(g.write) > 0 {
			read = append(read, g.write...)
			g.write = nil
		}
		stopped := g.stopped
		g.mu.Unlock()

		maxAck := g.getMaxAck()
		now := time.Now()
		remaining := read[:0]
		for _, req := range read {
			switch {
			case maxAck >= req.NextOffset:
				req.done <- true
			case stopped || now.After(req.deadline):
				req.done <- false
			default:
				remaining = append(remaining, req)
			}
		}
		read = remaining

		if stopped && len(read) == 0 {
			return
		}
	}
}

// Shutdown stops the gate's service loop, signalling every pending
// request with a failure result.
func (g *GroupTransferGate) Shutdown() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.wake()
	g.wg.Wait()
}
