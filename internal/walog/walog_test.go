package walog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grabcocque/lsmer/internal/config"
	"github.com/grabcocque/lsmer/internal/diskmanager/mockdm"
)

func TestAppendAndReplayPutDelete(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, records, err := Open(dm, "waltest1", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, records)

	require.NoError(t, w.AppendPut(1, []byte("a"), []byte("1"), config.DurabilitySync))
	require.NoError(t, w.AppendPut(2, []byte("b"), []byte("2"), config.DurabilitySync))
	require.NoError(t, w.AppendDelete(3, []byte("a"), config.DurabilitySync))
	require.NoError(t, w.Close())

	_, replayed, err := Open(dm, "waltest1", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, replayed, 3)
	assert.Equal(t, KindPut, replayed[0].Kind)
	assert.Equal(t, []byte("a"), replayed[0].Key)
	assert.Equal(t, KindDelete, replayed[2].Kind)
	assert.Equal(t, []byte("a"), replayed[2].Key)
}

func TestCheckpointRoundTrips(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, _, err := Open(dm, "waltest2", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, w.AppendPut(1, []byte("k"), []byte("v"), config.DurabilitySync))
	require.NoError(t, w.AppendCheckpoint(2, 1, 42))
	require.NoError(t, w.Close())

	_, replayed, err := Open(dm, "waltest2", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	cp := replayed[1]
	assert.Equal(t, KindCheckpoint, cp.Kind)
	assert.EqualValues(t, 1, cp.CheckpointMaxSeq)
	assert.EqualValues(t, 42, cp.CheckpointTableID)
}

func TestCompactionCommitRoundTrips(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, _, err := Open(dm, "waltest2b", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, w.AppendPut(1, []byte("k"), []byte("v"), config.DurabilitySync))
	require.NoError(t, w.AppendCompactionCommit(2, []uint64{5, 6}, 7))
	require.NoError(t, w.Close())

	_, replayed, err := Open(dm, "waltest2b", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	cc := replayed[1]
	assert.Equal(t, KindCompactionCommit, cc.Kind)
	assert.Equal(t, []uint64{5, 6}, cc.CompactionInputIDs)
	assert.EqualValues(t, 7, cc.CompactionOutputID)
}

func TestDurabilityNoneDoesNotBlock(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, _, err := Open(dm, "waltest3", 64*1024*1024, 10*time.Millisecond)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.AppendPut(1, []byte("k"), []byte("v"), config.DurabilityNone) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("DurabilityNone append should not block on the commit window")
	}
	require.NoError(t, w.Close())
}

func TestGroupCommitBatchesConcurrentAppends(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, _, err := Open(dm, "waltest4", 64*1024*1024, 5*time.Millisecond)
	require.NoError(t, err)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- w.AppendPut(uint64(i+1), []byte("k"), []byte("v"), config.DurabilitySync)
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	require.NoError(t, w.Close())

	_, replayed, err := Open(dm, "waltest4", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, replayed, n)
}

func TestRetireDropsFullyCoveredSegments(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	// Tiny segment size forces rotation on every append.
	w, _, err := Open(dm, "waltest5", 1, time.Millisecond)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.AppendPut(i, []byte("k"), []byte("v"), config.DurabilitySync))
	}
	require.Greater(t, len(w.segments), 1, "tiny segment size should have forced at least one rotation")
	before := len(w.segments)

	require.NoError(t, w.Retire(3))
	assert.LessOrEqual(t, len(w.segments), before, "retire must not grow the segment list")
	assert.NotZero(t, len(w.segments), "the current segment must always survive retire")
	require.NoError(t, w.Close())
}

func TestCorruptTailIsTruncatedNotFatal(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, _, err := Open(dm, "waltest6", 64*1024*1024, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.AppendPut(1, []byte("a"), []byte("1"), config.DurabilitySync))
	require.NoError(t, w.Close())

	fh, err := dm.Open("waltest6/0.wal", 0, 0)
	require.NoError(t, err)
	stat, err := fh.Stat()
	require.NoError(t, err)
	_, err = fh.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, stat.Size())
	require.NoError(t, err)

	_, replayed, err := Open(dm, "waltest6", 64*1024*1024, time.Millisecond)
	require.NoError(t, err, "a corrupt trailing record must not fail Open")
	require.Len(t, replayed, 1)
}
