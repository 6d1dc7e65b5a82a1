package coordinator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tabtrail/pkg/bus"
	"github.com/go-go-golems/tabtrail/pkg/recorder"
)

// Instructions sent to the observer.
const (
	InstructionStartRecord = "START_RECORD"
	InstructionRestore     = "RESTORE"
)

// ResumeRecordingPayload tells a reloaded observer to keep capturing. From is
// "BG" so the observer knows the page was redirected rather than freshly
// started by the user.
type ResumeRecordingPayload struct {
	From string `json:"from"`
}

type RestorePayload struct {
	Step int    `json:"step"`
	Name string `json:"name"`
}

// Result carries what a handled command produced. Snapshot and Removed go
// into control replies; the rest is logged by Coordinator.Handle.
type Result struct {
	Snapshot string
	Removed  *bool
	Actions  int
	Resumed  bool
	Restored *recorder.PendingResume
}

// Router dispatches parsed commands to the recorder components.
type Router struct {
	registry  *recorder.SessionRegistry
	captures  *recorder.CaptureLog
	snapshots *recorder.SnapshotManager
	notifier  Notifier
}

func NewRouter(registry *recorder.SessionRegistry, captures *recorder.CaptureLog, snapshots *recorder.SnapshotManager, notifier Notifier) *Router {
	return &Router{
		registry:  registry,
		captures:  captures,
		snapshots: snapshots,
		notifier:  notifier,
	}
}

// Dispatch runs cmd on behalf of sender.
func (r *Router) Dispatch(ctx context.Context, sender bus.Sender, cmd recorder.Command) (Result, error) {
	switch c := cmd.(type) {
	case recorder.Save:
		if !sender.HasTab() {
			return Result{}, errors.Wrap(recorder.ErrMalformedPayload, "SAVE from a sender without tab")
		}
		n, err := r.captures.Append(ctx, senderTab(sender), c.Event)
		return Result{Actions: n}, err

	case recorder.CreateSnapshot:
		name, err := r.snapshots.Create(ctx, c)
		return Result{Snapshot: name}, err

	case recorder.Available:
		if !sender.HasTab() {
			return Result{}, errors.Wrap(recorder.ErrMalformedPayload, "AVAILABLE from a sender without tab")
		}
		return r.announce(ctx, sender.TabID)

	case recorder.RestoreStatus:
		if !sender.HasTab() {
			return Result{}, errors.Wrap(recorder.ErrMalformedPayload, "RESTORE_STATU from a sender without tab")
		}
		r.registry.SetPending(recorder.PendingResume{TabID: sender.TabID, Step: c.Step, Name: c.Name})
		return Result{}, nil

	case recorder.RemoveSnapshot:
		removed, err := r.snapshots.Remove(ctx, c.Name)
		return Result{Removed: &removed}, err

	case recorder.StartRecord:
		r.registry.Start(c.Tab)
		return Result{}, nil

	case recorder.EndRecord:
		r.registry.End(c.ID)
		return Result{}, nil
	}
	return Result{}, errors.Wrapf(recorder.ErrUnknownAction, "%T", cmd)
}

// announce sends the resume instructions an AVAILABLE signal calls for. The
// two instructions are independent; a failure to send one does not stop the
// other.
func (r *Router) announce(ctx context.Context, tabID int) (Result, error) {
	a := r.registry.Announce(tabID)
	res := Result{Resumed: a.ResumeRecording, Restored: a.Restore}

	var firstErr error
	if a.ResumeRecording {
		msg, err := bus.NewMessage(InstructionStartRecord, ResumeRecordingPayload{From: "BG"})
		if err == nil {
			err = r.notifier.NotifyObserver(ctx, tabID, msg)
		}
		if err != nil {
			firstErr = errors.Wrapf(err, "resume recording on tab %d", tabID)
		}
	}
	if a.Restore != nil {
		msg, err := bus.NewMessage(InstructionRestore, RestorePayload{Step: a.Restore.Step, Name: a.Restore.Name})
		if err == nil {
			err = r.notifier.NotifyObserver(ctx, tabID, msg)
		}
		if err != nil {
			undelivered := *a.Restore
			undelivered.Step--
			r.registry.Requeue(undelivered)
			log.Error().Err(err).Str("component", "coordinator").Int("tab_id", tabID).Int("step", a.Restore.Step).Str("flow", a.Restore.Name).Msg("could not deliver restore instruction")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "restore step on tab %d", tabID)
			}
		}
	}
	return res, firstErr
}

func senderTab(s bus.Sender) recorder.TabInfo {
	return recorder.TabInfo{ID: s.TabID, URL: s.URL, FavIconURL: s.FavIconURL}
}
