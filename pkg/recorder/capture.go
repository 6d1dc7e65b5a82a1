package recorder

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tabtrail/pkg/kvstore"
)

// CaptureLog stores the in-progress capture record of each tab.
type CaptureLog struct {
	store  kvstore.Store
	layout Layout
}

func NewCaptureLog(store kvstore.Store, layout Layout) *CaptureLog {
	return &CaptureLog{store: store, layout: layout.withDefaults()}
}

// Append adds event to the tab's record, creating the record from the tab's
// url and favicon on first use. It returns the number of recorded actions.
func (l *CaptureLog) Append(ctx context.Context, tab TabInfo, event json.RawMessage) (int, error) {
	if tab.ID <= 0 {
		return 0, errors.New("capture log: append needs a tab id")
	}
	if len(event) == 0 {
		return 0, errors.New("capture log: empty event")
	}
	count := 0
	err := l.store.Update(ctx, l.layout.RecordNamespace(tab.ID), func(cur kvstore.Record) (kvstore.Record, error) {
		var rec CaptureRecord
		if len(cur) == 0 {
			rec = CaptureRecord{
				Actions:    []json.RawMessage{},
				InitialURL: tab.URL,
				FavIconURL: tab.FavIconURL,
			}
		} else if err := kvstore.Decode(cur, &rec); err != nil {
			return nil, err
		}
		rec.Actions = append(rec.Actions, append(json.RawMessage(nil), event...))
		count = len(rec.Actions)
		return kvstore.Encode(rec)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "capture log: append to tab %d", tab.ID)
	}
	return count, nil
}

// Load returns the capture record of a tab; ok is false if none exists.
func (l *CaptureLog) Load(ctx context.Context, tabID int) (CaptureRecord, bool, error) {
	cur, err := l.store.Get(ctx, l.layout.RecordNamespace(tabID))
	if err != nil {
		return CaptureRecord{}, false, errors.Wrapf(err, "capture log: load tab %d", tabID)
	}
	if len(cur) == 0 {
		return CaptureRecord{}, false, nil
	}
	var rec CaptureRecord
	if err := kvstore.Decode(cur, &rec); err != nil {
		return CaptureRecord{}, false, errors.Wrapf(err, "capture log: load tab %d", tabID)
	}
	if rec.Actions == nil {
		rec.Actions = []json.RawMessage{}
	}
	return rec, true, nil
}

// Clear releases the tab's capture storage.
func (l *CaptureLog) Clear(ctx context.Context, tabID int) error {
	if err := l.store.Empty(ctx, l.layout.RecordNamespace(tabID)); err != nil {
		return errors.Wrapf(err, "capture log: clear tab %d", tabID)
	}
	return nil
}
