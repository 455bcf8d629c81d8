package control

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigStoreSetAndSnapshot(t *testing.T) {
	cs := NewConfigStore()
	require.Empty(t, cs.GetSnapshot())

	cs.SetConfig(map[string]any{"scheduler.fiber_stack_size": 65536})
	snap := cs.GetSnapshot()
	require.Equal(t, 65536, snap["scheduler.fiber_stack_size"])
}

func TestConfigStoreIntFallsBackOnMissingOrWrongType(t *testing.T) {
	cs := NewConfigStore()
	require.Equal(t, 42, cs.Int("absent", 42))

	cs.SetConfig(map[string]any{"ioreactor.max_events": "not-an-int"})
	require.Equal(t, 7, cs.Int("ioreactor.max_events", 7))

	cs.SetConfig(map[string]any{"ioreactor.max_events": 512})
	require.Equal(t, 512, cs.Int("ioreactor.max_events", 7))
}

func TestConfigStoreSetConfigDispatchesReloadAsync(t *testing.T) {
	cs := NewConfigStore()
	var fired int32
	done := make(chan struct{})
	cs.OnReload(func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})

	cs.SetConfig(map[string]any{"k": 1})
	<-done
	require.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestConfigStoreTriggerReloadSyncRunsInline(t *testing.T) {
	cs := NewConfigStore()
	var ran bool
	cs.OnReload(func() { ran = true })
	cs.TriggerReloadSync()
	require.True(t, ran, "TriggerReloadSync must run listeners before returning")
}

func TestDefaultReturnsSameStoreEachCall(t *testing.T) {
	require.Same(t, Default(), Default())
}
