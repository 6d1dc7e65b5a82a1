package recorder

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tabtrail/pkg/kvstore"
)

type snapshotIndex struct {
	All []string `json:"all"`
}

// SnapshotManager owns the snapshot index and the snapshot records.
//
// Names are position derived: snapshot-<len(index)+1>. Creation and removal
// hold a single-writer lock within the process, and the index itself is only
// changed through kvstore.Store.Update, so two managers sharing a backend
// still never hand out the same name.
type SnapshotManager struct {
	store    kvstore.Store
	layout   Layout
	captures *CaptureLog
	now      func() time.Time

	mu sync.Mutex
}

func NewSnapshotManager(store kvstore.Store, layout Layout, captures *CaptureLog) *SnapshotManager {
	layout = layout.withDefaults()
	if captures == nil {
		captures = NewCaptureLog(store, layout)
	}
	return &SnapshotManager{
		store:    store,
		layout:   layout,
		captures: captures,
		now:      time.Now,
	}
}

// Create copies the capture record of req.ID into a new snapshot and returns
// its name.
func (m *SnapshotManager) Create(ctx context.Context, req CreateSnapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found, err := m.captures.Load(ctx, req.ID)
	if err != nil {
		return "", errors.Wrap(err, "snapshot manager: create")
	}
	if !found {
		log.Debug().Str("component", "recorder").Int("tab_id", req.ID).Msg("creating snapshot from a tab without capture record")
		rec = CaptureRecord{Actions: []json.RawMessage{}}
	}
	rec.Description = req.Description
	rec.Time = req.Time
	if rec.Time == "" {
		rec.Time = m.now().UTC().Format(time.RFC3339)
	}
	content, err := kvstore.Encode(rec)
	if err != nil {
		return "", errors.Wrap(err, "snapshot manager: create")
	}

	var name string
	err = m.store.Update(ctx, m.layout.IndexNamespace, func(cur kvstore.Record) (kvstore.Record, error) {
		idx, err := decodeIndex(cur)
		if err != nil {
			return nil, err
		}
		// not always len+1: after a removal that number can still be taken,
		// and nextName skips ahead to the first free one (see DESIGN.md,
		// "Snapshot naming after removal")
		name = m.nextName(idx.All)
		idx.All = append(idx.All, name)
		return encodeIndex(cur, idx)
	})
	if err != nil {
		return "", errors.Wrap(err, "snapshot manager: reserve name")
	}

	if err := m.store.Set(ctx, name, content); err != nil {
		if rbErr := m.dropFromIndex(ctx, name); rbErr != nil {
			log.Error().Err(rbErr).Str("component", "recorder").Str("snapshot", name).Msg("could not roll back snapshot name reservation")
		}
		return "", errors.Wrapf(err, "snapshot manager: write %s", name)
	}

	log.Info().Str("component", "recorder").Str("snapshot", name).Int("tab_id", req.ID).Int("actions", len(rec.Actions)).Msg("snapshot created")
	return name, nil
}

// Remove deletes a snapshot. Removing a name that is not in the index is a
// no-op and reports false.
func (m *SnapshotManager) Remove(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	if !slices.Contains(names, name) {
		return false, nil
	}
	if err := m.store.Empty(ctx, name); err != nil {
		return false, errors.Wrapf(err, "snapshot manager: clear %s", name)
	}
	if err := m.dropFromIndex(ctx, name); err != nil {
		return false, err
	}
	log.Info().Str("component", "recorder").Str("snapshot", name).Msg("snapshot removed")
	return true, nil
}

// List returns the snapshot index in creation order.
func (m *SnapshotManager) List(ctx context.Context) ([]string, error) {
	cur, err := m.store.Get(ctx, m.layout.IndexNamespace)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot manager: read index")
	}
	idx, err := decodeIndex(cur)
	if err != nil {
		return nil, err
	}
	return idx.All, nil
}

// Get reads one snapshot; ok is false when nothing is stored under name.
// Names outside the snapshot naming scheme are never read, so capture
// records and the index cannot be fetched as snapshots.
func (m *SnapshotManager) Get(ctx context.Context, name string) (Snapshot, bool, error) {
	if name == "" {
		return Snapshot{}, false, errors.New("snapshot manager: empty name")
	}
	if !m.layout.IsSnapshotName(name) {
		return Snapshot{}, false, nil
	}
	cur, err := m.store.Get(ctx, name)
	if err != nil {
		return Snapshot{}, false, errors.Wrapf(err, "snapshot manager: read %s", name)
	}
	if len(cur) == 0 {
		return Snapshot{}, false, nil
	}
	s := Snapshot{Name: name}
	if err := kvstore.Decode(cur, &s.CaptureRecord); err != nil {
		return Snapshot{}, false, errors.Wrapf(err, "snapshot manager: decode %s", name)
	}
	if s.Actions == nil {
		s.Actions = []json.RawMessage{}
	}
	return s, true, nil
}

// nextName is len+1 unless that name survived an earlier removal, in which
// case the next free number is used.
func (m *SnapshotManager) nextName(all []string) string {
	for n := len(all) + 1; ; n++ {
		name := m.layout.SnapshotName(n)
		if !slices.Contains(all, name) {
			return name
		}
	}
}

func (m *SnapshotManager) dropFromIndex(ctx context.Context, name string) error {
	err := m.store.Update(ctx, m.layout.IndexNamespace, func(cur kvstore.Record) (kvstore.Record, error) {
		idx, err := decodeIndex(cur)
		if err != nil {
			return nil, err
		}
		idx.All = slices.DeleteFunc(idx.All, func(n string) bool { return n == name })
		return encodeIndex(cur, idx)
	})
	if err != nil {
		return errors.Wrapf(err, "snapshot manager: drop %s from index", name)
	}
	return nil
}

func decodeIndex(cur kvstore.Record) (snapshotIndex, error) {
	idx := snapshotIndex{All: []string{}}
	raw, ok := cur["all"]
	if !ok || string(raw) == "null" {
		return idx, nil
	}
	if err := json.Unmarshal(raw, &idx.All); err != nil {
		return snapshotIndex{}, errors.Wrap(err, "snapshot manager: corrupt index")
	}
	return idx, nil
}

// encodeIndex rewrites "all" and keeps any other key stored alongside it.
func encodeIndex(cur kvstore.Record, idx snapshotIndex) (kvstore.Record, error) {
	if idx.All == nil {
		idx.All = []string{}
	}
	raw, err := json.Marshal(idx.All)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot manager: encode index")
	}
	next := cur.Clone()
	next["all"] = raw
	return next, nil
}
