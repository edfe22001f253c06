package toolsession

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManager_EnsureRecordGet(t *testing.T) {
	m := New()
	m.Ensure("sess1", "t1", "p1", "ctx1", "task1")
	m.RecordResult("sess1", "tc1", "search", map[string]any{"q": "x"}, map[string]any{"ok": true}, false)

	res, ok := m.GetResult("sess1", "tc1")
	require.True(t, ok)
	require.Equal(t, "search", res.ToolName)
	require.False(t, res.IsError)
}

func TestManager_EndClearsAllKeysForSession(t *testing.T) {
	m := New()
	m.Ensure("sess1", "t1", "p1", "ctx1", "task1")
	m.RecordResult("sess1", "tc1", "search", nil, nil, false)
	m.End("sess1")

	_, ok := m.GetResult("sess1", "tc1")
	require.False(t, ok)
}

func TestManager_ConcurrentRecordsWithinSessionAreSafe(t *testing.T) {
	m := New()
	m.Ensure("sess1", "t1", "p1", "ctx1", "task1")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.RecordResult("sess1", string(rune('a'+i%26)), "tool", nil, i, false)
		}(i)
	}
	wg.Wait()
}

func TestManager_UnknownSessionRecordIsNoop(t *testing.T) {
	m := New()
	m.RecordResult("missing", "tc1", "search", nil, nil, false)
	_, ok := m.GetResult("missing", "tc1")
	require.False(t, ok)
}
