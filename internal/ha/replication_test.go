package ha

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
)

func TestReplication_ClientCatchesUpToMaster(t *testing.T) {
	masterDir, slaveDir := t.TempDir(), t.TempDir()

	masterLog, err := commitlog.Open(filepath.Join(masterDir, "commit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { masterLog.Close() })

	offset, err := masterLog.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", MaxPushBytes: 4096}, masterLog, nil)
	addr := startServerOnEphemeralPort(t, srv)

	slaveLog, err := commitlog.Open(filepath.Join(slaveDir, "commit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { slaveLog.Close() })

	client := NewClient(ClientConfig{MasterAddr: addr, AckInterval: 20 * time.Millisecond}, slaveLog)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Stop()

	require.Eventually(t, func() bool {
		return slaveLog.MaxPhysicalOffset() == masterLog.MaxPhysicalOffset()
	}, 2*time.Second, 10*time.Millisecond)

	body, _, err := slaveLog.ReadRecord(0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	require.Eventually(t, func() bool {
		return srv.Push2SlaveMaxOffset() >= masterLog.MaxPhysicalOffset()
	}, 2*time.Second, 10*time.Millisecond)
}

// TestReplication_ReconnectResumesFromSlaveOffset covers the reconnect
// path (spec.md 4.3/4.6 handshake): a slave whose local log already
// holds a prefix of the master's log must make the master resume
// pushing from that prefix's end, not from offset 0. Before the
// handshake fix this tripped the client's divergence check (a push
// starting at 0 while the slave is already past 0) or AppendAt's
// contiguity guard.
func TestReplication_ReconnectResumesFromSlaveOffset(t *testing.T) {
	masterDir, slaveDir := t.TempDir(), t.TempDir()

	masterLog, err := commitlog.Open(filepath.Join(masterDir, "commit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { masterLog.Close() })

	firstOffset, err := masterLog.Append([]byte("already-replicated"))
	require.NoError(t, err)

	slaveLog, err := commitlog.Open(filepath.Join(slaveDir, "commit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { slaveLog.Close() })

	// Seed the slave as if an earlier replication session had already
	// caught it up through firstOffset, without going through the wire.
	raw, err := masterLog.Read(firstOffset, 4096)
	require.NoError(t, err)
	require.NoError(t, slaveLog.AppendAt(firstOffset, raw))
	require.Equal(t, masterLog.MaxPhysicalOffset(), slaveLog.MaxPhysicalOffset())

	secondOffset, err := masterLog.Append([]byte("written-after-reconnect"))
	require.NoError(t, err)

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", MaxPushBytes: 4096}, masterLog, nil)
	addr := startServerOnEphemeralPort(t, srv)

	client := NewClient(ClientConfig{MasterAddr: addr, AckInterval: 20 * time.Millisecond}, slaveLog)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Stop()

	require.Eventually(t, func() bool {
		return slaveLog.MaxPhysicalOffset() == masterLog.MaxPhysicalOffset()
	}, 2*time.Second, 10*time.Millisecond)

	body, _, err := slaveLog.ReadRecord(secondOffset)
	require.NoError(t, err)
	require.Equal(t, "written-after-reconnect", string(body))
}

// startServerOnEphemeralPort binds srv to an OS-assigned port by
// racing Start's blocking net.Listen against a short poll loop for
// the listener to appear, then returns its address for the test to
// dial.
func startServerOnEphemeralPort(t *testing.T, srv *Server) string {
	t.Helper()
	go func() {
		if err := srv.Start(); err != nil {
			t.Logf("ha server stopped: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Stop() })

	var addr net.Addr
	require.Eventually(t, func() bool {
		if srv.listener == nil {
			return false
		}
		addr = srv.listener.Addr()
		return true
	}, time.Second, 5*time.Millisecond)

	return addr.String()
}
