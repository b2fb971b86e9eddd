package keyindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/types"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	cpPath := cfg.Dir + "/checkpoint.json"
	cp, err := commitlog.OpenCheckpointStore(cpPath)
	require.NoError(t, err)
	svc := NewService(cfg, cp)
	require.NoError(t, svc.Load(true))
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestService_BuildIndexAndQuery(t *testing.T) {
	svc := newTestService(t, Config{SlotCount: 16, MaxEntries: 100})

	err := svc.BuildIndex(types.DispatchRequest{
		Topic:           "orders",
		Keys:            "order-1",
		CommitLogOffset: 100,
		StoreTimestamp:  1_000,
	})
	require.NoError(t, err)

	offsets, _, _, err := svc.QueryOffset("orders", "order-1", 10, 0, 10_000)
	require.NoError(t, err)
	require.Equal(t, []int64{100}, offsets)
}

func TestService_BuildIndexSkipsTransactionControlMessages(t *testing.T) {
	svc := newTestService(t, Config{SlotCount: 16, MaxEntries: 100})

	err := svc.BuildIndex(types.DispatchRequest{
		Topic:           "orders",
		Keys:            "order-1",
		CommitLogOffset: 100,
		StoreTimestamp:  1_000,
		MsgType:         types.MessageTransactionCommit,
	})
	require.NoError(t, err)

	offsets, _, _, err := svc.QueryOffset("orders", "order-1", 10, 0, 10_000)
	require.NoError(t, err)
	require.Empty(t, offsets)
}

func TestService_MultipleKeysOnOneMessage(t *testing.T) {
	svc := newTestService(t, Config{SlotCount: 16, MaxEntries: 100})

	err := svc.BuildIndex(types.DispatchRequest{
		Topic:           "orders",
		Keys:            "order-1 customer-7",
		CommitLogOffset: 100,
		StoreTimestamp:  1_000,
	})
	require.NoError(t, err)

	for _, key := range []string{"order-1", "customer-7"} {
		offsets, _, _, err := svc.QueryOffset("orders", key, 10, 0, 10_000)
		require.NoError(t, err)
		require.Equal(t, []int64{100}, offsets, "key %q", key)
	}
}

func TestService_RolloverPreservesContinuityAndOldQueries(t *testing.T) {
	svc := newTestService(t, Config{SlotCount: 16, MaxEntries: 2, RolloverBackoff: time.Millisecond})

	for i := int64(0); i < 2; i++ {
		require.NoError(t, svc.BuildIndex(types.DispatchRequest{
			Topic: "t", Keys: "k-old", CommitLogOffset: i, StoreTimestamp: (i + 1) * 1_000,
		}))
	}
	require.Equal(t, 1, svc.FileCount())

	// This put overflows the first file's 2-entry capacity and must
	// trigger a rollover to a second file.
	require.NoError(t, svc.BuildIndex(types.DispatchRequest{
		Topic: "t", Keys: "k-new", CommitLogOffset: 2, StoreTimestamp: 3_000,
	}))
	require.Equal(t, 2, svc.FileCount())

	offsets, _, _, err := svc.QueryOffset("t", "k-old", 10, 0, 10_000)
	require.NoError(t, err)
	require.Contains(t, offsets, int64(0))

	offsets, _, _, err = svc.QueryOffset("t", "k-new", 10, 0, 10_000)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, offsets)
}

func TestService_DeleteExpiredFileNeverTouchesTail(t *testing.T) {
	svc := newTestService(t, Config{SlotCount: 16, MaxEntries: 1, RolloverBackoff: time.Millisecond})

	require.NoError(t, svc.BuildIndex(types.DispatchRequest{
		Topic: "t", Keys: "k1", CommitLogOffset: 0, StoreTimestamp: 1_000,
	}))
	require.NoError(t, svc.BuildIndex(types.DispatchRequest{
		Topic: "t", Keys: "k2", CommitLogOffset: 1, StoreTimestamp: 2_000,
	}))
	require.Equal(t, 2, svc.FileCount())

	n, err := svc.DeleteExpiredFile(1_000_000)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the sealed file qualifies, never the tail")
	require.Equal(t, 1, svc.FileCount())
}

func TestService_UnwritableLatchesAfterRolloverRetriesExhausted(t *testing.T) {
	// maxEntries -1 means every file reports full before its first put
	// (index_count starts at 1 for the empty-slot sentinel), so
	// rollover never makes progress and the service should latch
	// unwritable after cfg.RolloverRetries retries.
	svc := newTestService(t, Config{
		SlotCount:       16,
		MaxEntries:      -1,
		RolloverRetries: 1,
		RolloverBackoff: time.Millisecond,
	})

	err := svc.BuildIndex(types.DispatchRequest{
		Topic: "t", Keys: "k", CommitLogOffset: 0, StoreTimestamp: 1_000,
	})
	require.Error(t, err)
	require.True(t, svc.Unwritable())
}
