package recorder

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Lifecycle reacts to host notifications about tabs.
type Lifecycle struct {
	captures *CaptureLog
	registry *SessionRegistry

	// ReleaseSession also drops the tab's registry and pending entries on close.
	ReleaseSession bool
}

func NewLifecycle(captures *CaptureLog, registry *SessionRegistry) *Lifecycle {
	return &Lifecycle{captures: captures, registry: registry}
}

// TabClosed frees the capture storage of a closed tab. Unless ReleaseSession
// is set, recording state and pending resumes for the tab are kept.
func (l *Lifecycle) TabClosed(ctx context.Context, tabID int) error {
	if err := l.captures.Clear(ctx, tabID); err != nil {
		return err
	}
	if l.ReleaseSession && l.registry != nil {
		l.registry.Release(tabID)
	}
	log.Debug().Str("component", "recorder").Int("tab_id", tabID).Bool("released", l.ReleaseSession).Msg("tab closed, capture storage cleared")
	return nil
}
