package recorder

import (
	"sort"
	"sync"
)

// Announcement is what an AVAILABLE signal from a tab resolved to.
type Announcement struct {
	// ResumeRecording is set when the tab is recording, so capture continues
	// across the navigation that reloaded the observer.
	ResumeRecording bool

	// Restore carries the step to resume (already advanced by one) when a
	// pending resume existed. It has been consumed.
	Restore *PendingResume
}

// SessionRegistry tracks which tabs record and which have a pending resume.
// State lives in memory only and is owned by one coordinator.
type SessionRegistry struct {
	mu      sync.Mutex
	active  map[int]TabInfo
	pending map[int]PendingResume
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		active:  map[int]TabInfo{},
		pending: map[int]PendingResume{},
	}
}

// Start marks the tab as recording. Starting twice keeps one entry and
// refreshes the tab info.
func (r *SessionRegistry) Start(tab TabInfo) {
	r.mu.Lock()
	r.active[tab.ID] = tab
	r.mu.Unlock()
}

// End returns the tab to idle. It reports whether the tab was recording.
func (r *SessionRegistry) End(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[tabID]
	delete(r.active, tabID)
	return ok
}

func (r *SessionRegistry) IsRecording(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[tabID]
	return ok
}

// Active lists recording tabs ordered by id.
func (r *SessionRegistry) Active() []TabInfo {
	r.mu.Lock()
	out := make([]TabInfo, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPending installs the pending resume of a tab. A later call for the same
// tab overwrites the earlier one.
func (r *SessionRegistry) SetPending(p PendingResume) {
	r.mu.Lock()
	r.pending[p.TabID] = p
	r.mu.Unlock()
}

// Pending peeks at the pending resume of a tab without consuming it.
func (r *SessionRegistry) Pending(tabID int) (PendingResume, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[tabID]
	return p, ok
}

// Announce resolves an AVAILABLE signal. Both effects are decided under one
// lock; a pending resume is handed out at most once.
func (r *SessionRegistry) Announce(tabID int) Announcement {
	r.mu.Lock()
	defer r.mu.Unlock()

	var a Announcement
	_, a.ResumeRecording = r.active[tabID]
	if p, ok := r.pending[tabID]; ok {
		delete(r.pending, tabID)
		p.Step++
		a.Restore = &p
	}
	return a
}

// Requeue reinstalls a pending resume whose delivery failed, unless a newer
// one arrived meanwhile.
func (r *SessionRegistry) Requeue(p PendingResume) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[p.TabID]; ok {
		return false
	}
	r.pending[p.TabID] = p
	return true
}

// Release forgets everything known about a tab.
func (r *SessionRegistry) Release(tabID int) {
	r.mu.Lock()
	delete(r.active, tabID)
	delete(r.pending, tabID)
	r.mu.Unlock()
}
