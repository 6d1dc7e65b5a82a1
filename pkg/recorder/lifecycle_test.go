package recorder

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tabtrail/pkg/kvstore"
)

func TestLifecycle_TabClosedKeepsSessionState(t *testing.T) {
	ctx := context.Background()
	captures := NewCaptureLog(kvstore.NewMemoryStore(), DefaultLayout())
	registry := NewSessionRegistry()
	lc := NewLifecycle(captures, registry)

	registry.Start(TabInfo{ID: 7})
	registry.SetPending(PendingResume{TabID: 7, Step: 2, Name: "flowA"})
	_, err := captures.Append(ctx, TabInfo{ID: 7}, json.RawMessage(`{"type":"click"}`))
	require.NoError(t, err)

	require.NoError(t, lc.TabClosed(ctx, 7))

	_, ok, err := captures.Load(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, registry.IsRecording(7))
	_, ok = registry.Pending(7)
	require.True(t, ok)
}

func TestLifecycle_ReleaseSession(t *testing.T) {
	ctx := context.Background()
	captures := NewCaptureLog(kvstore.NewMemoryStore(), DefaultLayout())
	registry := NewSessionRegistry()
	lc := NewLifecycle(captures, registry)
	lc.ReleaseSession = true

	registry.Start(TabInfo{ID: 7})
	registry.SetPending(PendingResume{TabID: 7, Step: 2})
	require.NoError(t, lc.TabClosed(ctx, 7))
	require.False(t, registry.IsRecording(7))
	_, ok := registry.Pending(7)
	require.False(t, ok)
}
