package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tabtrail/pkg/kvstore"
)

func newTestSnapshots(t *testing.T, store kvstore.Store) (*SnapshotManager, *CaptureLog) {
	t.Helper()
	captures := NewCaptureLog(store, DefaultLayout())
	m := NewSnapshotManager(store, DefaultLayout(), captures)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return m, captures
}

func TestSnapshotManager_SequentialNames(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	m, captures := newTestSnapshots(t, store)

	_, err := captures.Append(ctx, TabInfo{ID: 7, URL: "https://example.com"}, json.RawMessage(`{"type":"click","x":10}`))
	require.NoError(t, err)

	names, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	name, err := m.Create(ctx, CreateSnapshot{ID: 7, Description: "first", Time: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.Equal(t, "snapshot-1", name)

	names, err = m.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"snapshot-1"}, names)

	name, err = m.Create(ctx, CreateSnapshot{ID: 7, Description: "second"})
	require.NoError(t, err)
	require.Equal(t, "snapshot-2", name)

	names, err = m.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"snapshot-1", "snapshot-2"}, names)

	s, ok, err := m.Get(ctx, "snapshot-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "snapshot-1", s.Name)
	require.Equal(t, "first", s.Description)
	require.Equal(t, "2024-01-01T00:00:00Z", s.Time)
	require.Equal(t, "https://example.com", s.InitialURL)
	require.Len(t, s.Actions, 1)

	s, ok, err = m.Get(ctx, "snapshot-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2024-05-01T12:00:00Z", s.Time)

	raw, ok, err := store.GetKey(ctx, "SNAPSHOT_NAME_LIST", "all")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `["snapshot-1","snapshot-2"]`, string(raw))
}

func TestSnapshotManager_SnapshotIsImmutableCopy(t *testing.T) {
	ctx := context.Background()
	m, captures := newTestSnapshots(t, kvstore.NewMemoryStore())

	_, err := captures.Append(ctx, TabInfo{ID: 1}, json.RawMessage(`{"type":"click"}`))
	require.NoError(t, err)
	name, err := m.Create(ctx, CreateSnapshot{ID: 1, Description: "d"})
	require.NoError(t, err)

	_, err = captures.Append(ctx, TabInfo{ID: 1}, json.RawMessage(`{"type":"scroll"}`))
	require.NoError(t, err)

	s, ok, err := m.Get(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, s.Actions, 1)
}

func TestSnapshotManager_CreateWithoutCaptureRecord(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestSnapshots(t, kvstore.NewMemoryStore())

	name, err := m.Create(ctx, CreateSnapshot{ID: 42, Description: "empty"})
	require.NoError(t, err)
	s, ok, err := m.Get(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, s.Actions)
	require.Equal(t, "empty", s.Description)
}

func TestSnapshotManager_Remove(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestSnapshots(t, kvstore.NewMemoryStore())

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, CreateSnapshot{ID: 1})
		require.NoError(t, err)
	}

	removed, err := m.Remove(ctx, "snapshot-2")
	require.NoError(t, err)
	require.True(t, removed)

	names, err := m.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"snapshot-1", "snapshot-3"}, names)
	_, ok, err := m.Get(ctx, "snapshot-2")
	require.NoError(t, err)
	require.False(t, ok)

	removed, err = m.Remove(ctx, "snapshot-2")
	require.NoError(t, err)
	require.False(t, removed)
	removed, err = m.Remove(ctx, "snapshot-99")
	require.NoError(t, err)
	require.False(t, removed)

	after, err := m.List(ctx)
	require.NoError(t, err)
	require.Equal(t, names, after)
}

func TestSnapshotManager_NamesStayUniqueAfterRemoval(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestSnapshots(t, kvstore.NewMemoryStore())

	for i := 0; i < 2; i++ {
		_, err := m.Create(ctx, CreateSnapshot{ID: 1})
		require.NoError(t, err)
	}
	_, err := m.Remove(ctx, "snapshot-1")
	require.NoError(t, err)

	// len+1 would be snapshot-2, which still exists
	name, err := m.Create(ctx, CreateSnapshot{ID: 1})
	require.NoError(t, err)
	require.Equal(t, "snapshot-3", name)

	names, err := m.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"snapshot-2", "snapshot-3"}, names)
}

func TestSnapshotManager_GetOnlyReadsSnapshotNames(t *testing.T) {
	ctx := context.Background()
	m, captures := newTestSnapshots(t, kvstore.NewMemoryStore())
	_, err := captures.Append(ctx, TabInfo{ID: 4}, json.RawMessage(`{"type":"click"}`))
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateSnapshot{ID: 4})
	require.NoError(t, err)

	for _, name := range []string{"RECORD_4", "SNAPSHOT_NAME_LIST", "snapshot-0"} {
		_, ok, err := m.Get(ctx, name)
		require.NoError(t, err)
		require.False(t, ok, name)
	}
	_, ok, err := m.Get(ctx, "snapshot-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSnapshotManager_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	captures := NewCaptureLog(store, DefaultLayout())
	// two managers over one store behave like two coordinators sharing a backend
	managers := []*SnapshotManager{
		NewSnapshotManager(store, DefaultLayout(), captures),
		NewSnapshotManager(store, DefaultLayout(), captures),
	}
	_, err := captures.Append(ctx, TabInfo{ID: 7}, json.RawMessage(`{"type":"click"}`))
	require.NoError(t, err)

	const n = 40
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := managers[i%2].Create(ctx, CreateSnapshot{ID: 7, Description: fmt.Sprint(i)})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			names[name] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, names, n)
	index, err := managers[0].List(ctx)
	require.NoError(t, err)
	require.Len(t, index, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("snapshot-%d", i)
		require.True(t, names[name], name)
		_, ok, err := managers[0].Get(ctx, name)
		require.NoError(t, err)
		require.True(t, ok, name)
	}
}

type failingSnapshotStore struct {
	*kvstore.MemoryStore
}

func (s failingSnapshotStore) Set(ctx context.Context, namespace string, partial kvstore.Record) error {
	if strings.HasPrefix(namespace, "snapshot-") {
		return &kvstore.StorageError{Backend: "test", Op: "set", Namespace: namespace, Err: errors.New("disk gone")}
	}
	return s.MemoryStore.Set(ctx, namespace, partial)
}

func TestSnapshotManager_RollsBackReservationOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestSnapshots(t, failingSnapshotStore{kvstore.NewMemoryStore()})

	_, err := m.Create(ctx, CreateSnapshot{ID: 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, kvstore.ErrStorageUnavailable))

	names, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestSnapshotManager_CorruptIndex(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "SNAPSHOT_NAME_LIST", kvstore.Record{"all": json.RawMessage(`{"not":"a list"}`)}))
	m, _ := newTestSnapshots(t, store)

	_, err := m.Create(ctx, CreateSnapshot{ID: 1})
	require.Error(t, err)
	_, err = m.List(ctx)
	require.Error(t, err)
}

func TestLayout(t *testing.T) {
	l := DefaultLayout()
	require.Equal(t, "RECORD_12", l.RecordNamespace(12))
	require.Equal(t, "snapshot-3", l.SnapshotName(3))
	require.True(t, l.IsSnapshotName("snapshot-3"))
	require.False(t, l.IsSnapshotName("snapshot-"))
	require.False(t, l.IsSnapshotName("snapshot-0"))
	require.False(t, l.IsSnapshotName("RECORD_3"))

	custom := Layout{RecordPrefix: "rec:"}.withDefaults()
	require.Equal(t, "SNAPSHOT_NAME_LIST", custom.IndexNamespace)
	require.Equal(t, "rec:5", custom.RecordNamespace(5))
}
