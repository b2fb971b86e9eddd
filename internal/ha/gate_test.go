package ha

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGate_SatisfiesOnceAckCatchesUp(t *testing.T) {
	var maxAck atomic.Int64
	g := NewGroupTransferGate(50*time.Millisecond, 5, func() int64 { return maxAck.Load() })
	defer g.Shutdown()

	req := g.Enqueue(100)

	go func() {
		time.Sleep(20 * time.Millisecond)
		maxAck.Store(100)
		g.NotifyTransferSome()
	}()

	select {
	case ok := <-req.Done():
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("request never resolved")
	}
}

func TestGate_TimesOutWhenAckNeverArrives(t *testing.T) {
	g := NewGroupTransferGate(5*time.Millisecond, 3, func() int64 { return 0 })
	defer g.Shutdown()

	req := g.Enqueue(100)

	select {
	case ok := <-req.Done():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out")
	}
}

func TestGate_ShutdownFailsPendingRequests(t *testing.T) {
	g := NewGroupTransferGate(time.Second, 5, func() int64 { return 0 })

	req := g.Enqueue(100)
	g.Shutdown()

	select {
	case ok := <-req.Done():
		require.False(t, ok)
	default:
		t.Fatal("request should have been resolved by Shutdown")
	}
}

func TestGate_FrequentNotifiesDoNotShortenTimeout(t *testing.T) {
	// Regression test: NotifyTransferSome firing far more often than
	// once per waitEach interval must not make the deadline arrive
	// early (a counter incremented per-wake would do exactly that).
	g := NewGroupTransferGate(100*time.Millisecond, 2, func() int64 { return 0 })
	defer g.Shutdown()

	req := g.Enqueue(100)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.NotifyTransferSome()
			}
		}
	}()

	start := time.Now()
	select {
	case ok := <-req.Done():
		close(stop)
		require.False(t, ok)
		require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	case <-time.After(3 * time.Second):
		close(stop)
		t.Fatal("request never timed out")
	}
}
