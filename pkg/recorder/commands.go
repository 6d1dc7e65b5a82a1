package recorder

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Action is the tag of an inbound message.
type Action string

const (
	ActionSave           Action = "SAVE"
	ActionCreateSnapshot Action = "CREATE_SNAPSHOT"
	ActionAvailable      Action = "AVAILABLE"
	ActionRestoreStatus  Action = "RESTORE_STATU"
	ActionRemoveSnapshot Action = "RM_SNAPSHOT"
	ActionStartRecord    Action = "START_RECORD"
	ActionEndRecord      Action = "END_RECORD"
)

// Actions is the closed set of actions the coordinator accepts.
var Actions = []Action{
	ActionSave,
	ActionCreateSnapshot,
	ActionAvailable,
	ActionRestoreStatus,
	ActionRemoveSnapshot,
	ActionStartRecord,
	ActionEndRecord,
}

var (
	ErrUnknownAction    = errors.New("unknown action")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Command is one of the typed inbound messages below. The interface is
// sealed; routers switch over the concrete types.
type Command interface {
	Action() Action
	sealed()
}

// Save appends one observed event to the sender tab's capture record.
type Save struct {
	Event json.RawMessage
}

// CreateSnapshot promotes the capture record of tab ID to a snapshot.
type CreateSnapshot struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Time        string `json:"time"`
}

// Available is the observer announcing itself after load or navigation.
type Available struct{}

// RestoreStatus installs a pending resume for the sender tab.
type RestoreStatus struct {
	Step int    `json:"step"`
	Name string `json:"name"`
}

type RemoveSnapshot struct {
	Name string `json:"name"`
}

type StartRecord struct {
	Tab TabInfo
}

type EndRecord struct {
	ID int `json:"id"`
}

func (Save) Action() Action           { return ActionSave }
func (CreateSnapshot) Action() Action { return ActionCreateSnapshot }
func (Available) Action() Action      { return ActionAvailable }
func (RestoreStatus) Action() Action  { return ActionRestoreStatus }
func (RemoveSnapshot) Action() Action { return ActionRemoveSnapshot }
func (StartRecord) Action() Action    { return ActionStartRecord }
func (EndRecord) Action() Action      { return ActionEndRecord }

func (Save) sealed()           {}
func (CreateSnapshot) sealed() {}
func (Available) sealed()      {}
func (RestoreStatus) sealed()  {}
func (RemoveSnapshot) sealed() {}
func (StartRecord) sealed()    {}
func (EndRecord) sealed()      {}

// ParseCommand turns a tagged payload into a Command.
func ParseCommand(action string, data json.RawMessage) (Command, error) {
	switch Action(action) {
	case ActionSave:
		if isEmptyPayload(data) {
			return nil, errors.Wrap(ErrMalformedPayload, "SAVE without event data")
		}
		return Save{Event: append(json.RawMessage(nil), data...)}, nil

	case ActionCreateSnapshot:
		var c CreateSnapshot
		if err := decodePayload(data, &c); err != nil {
			return nil, err
		}
		if c.ID <= 0 {
			return nil, errors.Wrap(ErrMalformedPayload, "CREATE_SNAPSHOT needs a tab id")
		}
		return c, nil

	case ActionAvailable:
		return Available{}, nil

	case ActionRestoreStatus:
		var c RestoreStatus
		if err := decodePayload(data, &c); err != nil {
			return nil, err
		}
		return c, nil

	case ActionRemoveSnapshot:
		var c RemoveSnapshot
		if err := decodePayload(data, &c); err != nil {
			return nil, err
		}
		if c.Name == "" {
			return nil, errors.Wrap(ErrMalformedPayload, "RM_SNAPSHOT needs a name")
		}
		return c, nil

	case ActionStartRecord:
		var tab TabInfo
		if err := decodePayload(data, &tab); err != nil {
			return nil, err
		}
		if tab.ID <= 0 {
			return nil, errors.Wrap(ErrMalformedPayload, "START_RECORD needs a tab id")
		}
		return StartRecord{Tab: tab}, nil

	case ActionEndRecord:
		var c EndRecord
		if err := decodePayload(data, &c); err != nil {
			return nil, err
		}
		if c.ID <= 0 {
			return nil, errors.Wrap(ErrMalformedPayload, "END_RECORD needs a tab id")
		}
		return c, nil
	}
	return nil, errors.Wrapf(ErrUnknownAction, "%q", action)
}

func isEmptyPayload(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodePayload(data json.RawMessage, v any) error {
	if isEmptyPayload(data) {
		return errors.Wrap(ErrMalformedPayload, "missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(ErrMalformedPayload, err.Error())
	}
	return nil
}
