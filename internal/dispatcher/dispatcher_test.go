package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/keyindex"
	"github.com/jptalukdar/waddlemq/internal/types"
)

func TestDispatcher_IndexesAppendedMessages(t *testing.T) {
	dir := t.TempDir()

	logPath := filepath.Join(dir, "commit.log")
	log, err := commitlog.Open(logPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	cp, err := commitlog.OpenCheckpointStore(filepath.Join(dir, "checkpoint.json"))
	require.NoError(t, err)

	indexSvc := keyindex.NewService(keyindex.Config{Dir: filepath.Join(dir, "index"), SlotCount: 16, MaxEntries: 100}, cp)
	require.NoError(t, indexSvc.Load(true))
	t.Cleanup(func() { indexSvc.Close() })

	raw, err := EncodeMessage("orders", "order-1", 1_000, types.MessageNormal, []byte("body"))
	require.NoError(t, err)
	offset, err := log.Append(raw)
	require.NoError(t, err)

	disp := New(log, indexSvc, nil, cp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go disp.Run(ctx)

	require.Eventually(t, func() bool {
		offsets, _, _, err := indexSvc.QueryOffset("orders", "order-1", 10, 0, 10_000)
		return err == nil && len(offsets) == 1 && offsets[0] == offset
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_IsSlaveOK_DefaultsTrueWithoutReplication(t *testing.T) {
	dir := t.TempDir()
	log, err := commitlog.Open(filepath.Join(dir, "commit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	cp, err := commitlog.OpenCheckpointStore(filepath.Join(dir, "checkpoint.json"))
	require.NoError(t, err)

	indexSvc := keyindex.NewService(keyindex.Config{Dir: filepath.Join(dir, "index"), SlotCount: 16, MaxEntries: 100}, cp)
	require.NoError(t, indexSvc.Load(true))
	t.Cleanup(func() { indexSvc.Close() })

	disp := New(log, indexSvc, nil, cp)
	require.True(t, disp.IsSlaveOK(12345))
}
