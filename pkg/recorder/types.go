package recorder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TabInfo is what the host knows about a browsing tab.
type TabInfo struct {
	ID         int    `json:"id"`
	URL        string `json:"url,omitempty"`
	FavIconURL string `json:"favIconUrl,omitempty"`
	Title      string `json:"title,omitempty"`
}

// CaptureRecord is the append-only log of a tab's observed actions. Once
// promoted to a snapshot it is never modified again.
type CaptureRecord struct {
	Actions     []json.RawMessage `json:"actions"`
	InitialURL  string            `json:"initialURL"`
	FavIconURL  string            `json:"favIconUrl"`
	Description string            `json:"description,omitempty"`
	Time        string            `json:"time,omitempty"`
}

// Snapshot is a named copy of a capture record with description and time.
type Snapshot struct {
	Name string `json:"-"`
	CaptureRecord
}

// PendingResume tells the coordinator which step of a named flow the
// observer was at before a navigation it anticipated.
type PendingResume struct {
	TabID int    `json:"tabId"`
	Step  int    `json:"step"`
	Name  string `json:"name"`
}

// Layout names the namespaces used in the keyed store.
type Layout struct {
	RecordPrefix   string
	IndexNamespace string
	SnapshotPrefix string
}

func DefaultLayout() Layout {
	return Layout{
		RecordPrefix:   "RECORD_",
		IndexNamespace: "SNAPSHOT_NAME_LIST",
		SnapshotPrefix: "snapshot-",
	}
}

func (l Layout) withDefaults() Layout {
	d := DefaultLayout()
	if l.RecordPrefix == "" {
		l.RecordPrefix = d.RecordPrefix
	}
	if l.IndexNamespace == "" {
		l.IndexNamespace = d.IndexNamespace
	}
	if l.SnapshotPrefix == "" {
		l.SnapshotPrefix = d.SnapshotPrefix
	}
	return l
}

func (l Layout) RecordNamespace(tabID int) string {
	return l.RecordPrefix + strconv.Itoa(tabID)
}

func (l Layout) SnapshotName(n int) string {
	return fmt.Sprintf("%s%d", l.SnapshotPrefix, n)
}

// IsSnapshotName reports whether name looks like a generated snapshot name.
func (l Layout) IsSnapshotName(name string) bool {
	rest, ok := strings.CutPrefix(name, l.SnapshotPrefix)
	if !ok || rest == "" {
		return false
	}
	n, err := strconv.Atoi(rest)
	return err == nil && n > 0
}
