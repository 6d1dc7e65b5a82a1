package coordinator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tabtrail/pkg/bus"
	"github.com/go-go-golems/tabtrail/pkg/kvstore"
	"github.com/go-go-golems/tabtrail/pkg/recorder"
)

// ActionReply is the action of correlated replies sent to the control surface.
const ActionReply = "REPLY"

// Error kinds reported in replies.
const (
	ErrorKindStorageUnavailable = "storage_unavailable"
	ErrorKindUnknownAction      = "unknown_action"
	ErrorKindMalformedPayload   = "malformed_payload"
	ErrorKindInternal           = "internal"
)

// Reply answers one control-surface message.
type Reply struct {
	ReplyTo   string `json:"replyTo"`
	Action    string `json:"action"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Snapshot  string `json:"name,omitempty"`
	Removed   *bool  `json:"removed,omitempty"`
}

type Options struct {
	Layout recorder.Layout

	// ReleaseSessionOnClose makes tab-closed cleanup also forget the tab's
	// recording state and pending resume.
	ReleaseSessionOnClose bool
}

// Coordinator owns the recorder state of one process and handles every
// message addressed to the coordinator endpoint.
type Coordinator struct {
	registry  *recorder.SessionRegistry
	captures  *recorder.CaptureLog
	snapshots *recorder.SnapshotManager
	lifecycle *recorder.Lifecycle
	router    *Router
	notifier  Notifier
}

func New(store kvstore.Store, notifier Notifier, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("coordinator: store is nil")
	}
	if notifier == nil {
		return nil, errors.New("coordinator: notifier is nil")
	}
	registry := recorder.NewSessionRegistry()
	captures := recorder.NewCaptureLog(store, opts.Layout)
	snapshots := recorder.NewSnapshotManager(store, opts.Layout, captures)
	lifecycle := recorder.NewLifecycle(captures, registry)
	lifecycle.ReleaseSession = opts.ReleaseSessionOnClose

	return &Coordinator{
		registry:  registry,
		captures:  captures,
		snapshots: snapshots,
		lifecycle: lifecycle,
		router:    NewRouter(registry, captures, snapshots, notifier),
		notifier:  notifier,
	}, nil
}

func (c *Coordinator) Registry() *recorder.SessionRegistry  { return c.registry }
func (c *Coordinator) Captures() *recorder.CaptureLog       { return c.captures }
func (c *Coordinator) Snapshots() *recorder.SnapshotManager { return c.snapshots }
func (c *Coordinator) Lifecycle() *recorder.Lifecycle       { return c.lifecycle }

// Handle is the bus.Handler of the coordinator endpoint.
//
// Unknown actions and malformed payloads are dropped with a warning. Every
// other failure is returned so the bus logs it. Messages from the control
// surface always get a Reply, success or not.
func (c *Coordinator) Handle(ctx context.Context, env bus.Envelope) error {
	l := log.With().
		Str("component", "coordinator").
		Str("action", env.Message.Action).
		Str("origin", string(env.Sender.Origin)).
		Int("tab_id", env.Sender.TabID).
		Logger()

	var res Result
	cmd, err := recorder.ParseCommand(env.Message.Action, env.Message.Data)
	if err == nil {
		res, err = c.router.Dispatch(ctx, env.Sender, cmd)
	}

	if env.Sender.Origin == bus.EndpointControl {
		if replyErr := c.reply(ctx, env, res, err); replyErr != nil {
			l.Warn().Err(replyErr).Msg("could not send reply to control surface")
		}
	}

	switch {
	case err == nil:
		ev := l.Debug()
		if res.Actions > 0 {
			ev = ev.Int("actions", res.Actions)
		}
		if res.Snapshot != "" {
			ev = ev.Str("snapshot", res.Snapshot)
		}
		if res.Resumed {
			ev = ev.Bool("resumed", true)
		}
		if res.Restored != nil {
			ev = ev.Int("restore_step", res.Restored.Step).Str("flow", res.Restored.Name)
		}
		ev.Msg("handled")
		return nil
	case errors.Is(err, recorder.ErrUnknownAction), errors.Is(err, recorder.ErrMalformedPayload):
		l.Warn().Err(err).Msg("dropping message")
		return nil
	default:
		return err
	}
}

// TabClosed is the host lifecycle entry point.
func (c *Coordinator) TabClosed(ctx context.Context, tabID int) error {
	return c.lifecycle.TabClosed(ctx, tabID)
}

func (c *Coordinator) reply(ctx context.Context, env bus.Envelope, res Result, err error) error {
	r := Reply{
		ReplyTo:  env.ID,
		Action:   env.Message.Action,
		OK:       err == nil,
		Snapshot: res.Snapshot,
		Removed:  res.Removed,
	}
	if err != nil {
		r.Error = err.Error()
		r.ErrorKind = ErrorKind(err)
	}
	msg, mErr := bus.NewMessage(ActionReply, r)
	if mErr != nil {
		return mErr
	}
	return c.notifier.NotifyControl(ctx, msg)
}

// ErrorKind classifies err for replies.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, kvstore.ErrStorageUnavailable):
		return ErrorKindStorageUnavailable
	case errors.Is(err, recorder.ErrUnknownAction):
		return ErrorKindUnknownAction
	case errors.Is(err, recorder.ErrMalformedPayload):
		return ErrorKindMalformedPayload
	default:
		return ErrorKindInternal
	}
}
