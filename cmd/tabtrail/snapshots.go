package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/tabtrail/pkg/recorder"
)

type SnapshotsListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &SnapshotsListCommand{}

func NewSnapshotsListCommand() (*SnapshotsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := newStoreSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List snapshots in creation order"),
		cmds.WithLong("List every snapshot of the index with its description, time, first URL and action count."),
		cmds.WithSections(glazedSection, commandSettingsSection, storeSection),
	)
	return &SnapshotsListCommand{CommandDescription: desc}, nil
}

func (c *SnapshotsListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	store, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	summaries, err := listSnapshots(ctx, store)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		row := types.NewRow(
			types.MRP("name", s.Name),
			types.MRP("description", s.Description),
			types.MRP("time", s.Time),
			types.MRP("initial_url", s.InitialURL),
			types.MRP("actions", s.Actions),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type snapshotSummary struct {
	Name        string
	Description string
	Time        string
	InitialURL  string
	Actions     int
}

func listSnapshots(ctx context.Context, s *StoreSettings) ([]snapshotSummary, error) {
	var out []snapshotSummary
	err := s.withRecorder(func(_ *recorder.CaptureLog, sm *recorder.SnapshotManager) error {
		names, err := sm.List(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			snap, ok, err := sm.Get(ctx, name)
			if err != nil {
				return err
			}
			sum := snapshotSummary{Name: name}
			if ok {
				sum.Description = snap.Description
				sum.Time = snap.Time
				sum.InitialURL = snap.InitialURL
				sum.Actions = len(snap.Actions)
			}
			out = append(out, sum)
		}
		return nil
	})
	return out, err
}

type SnapshotsShowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*SnapshotsShowCommand)(nil)

type snapshotNameSettings struct {
	Name string `glazed:"name"`
}

func NewSnapshotsShowCommand() (*SnapshotsShowCommand, error) {
	storeSection, err := newStoreSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Print one snapshot as JSON"),
		cmds.WithArguments(
			fields.New("name", fields.TypeString, fields.WithHelp("Snapshot name"), fields.WithRequired(true)),
		),
		cmds.WithSections(storeSection),
	)
	return &SnapshotsShowCommand{CommandDescription: desc}, nil
}

func (c *SnapshotsShowCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &snapshotNameSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	return showSnapshot(ctx, store, s.Name, w)
}

func showSnapshot(ctx context.Context, s *StoreSettings, name string, w io.Writer) error {
	return s.withRecorder(func(_ *recorder.CaptureLog, sm *recorder.SnapshotManager) error {
		snap, ok, err := sm.Get(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("snapshot %q not found", name)
		}
		return printJSON(w, snap.CaptureRecord)
	})
}

type SnapshotsRemoveCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*SnapshotsRemoveCommand)(nil)

func NewSnapshotsRemoveCommand() (*SnapshotsRemoveCommand, error) {
	storeSection, err := newStoreSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"rm",
		cmds.WithShort("Remove a snapshot"),
		cmds.WithArguments(
			fields.New("name", fields.TypeString, fields.WithHelp("Snapshot name"), fields.WithRequired(true)),
		),
		cmds.WithSections(storeSection),
	)
	return &SnapshotsRemoveCommand{CommandDescription: desc}, nil
}

func (c *SnapshotsRemoveCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &snapshotNameSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	return removeSnapshot(ctx, store, s.Name, w)
}

func removeSnapshot(ctx context.Context, s *StoreSettings, name string, w io.Writer) error {
	return s.withRecorder(func(_ *recorder.CaptureLog, sm *recorder.SnapshotManager) error {
		removed, err := sm.Remove(ctx, name)
		if err != nil {
			return err
		}
		status := "removed"
		if !removed {
			status = "not found"
		}
		_, err = fmt.Fprintf(w, "%s: %s\n", name, status)
		return err
	})
}

type RecordShowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*RecordShowCommand)(nil)

type recordShowSettings struct {
	TabID int `glazed:"tab-id"`
}

func NewRecordShowCommand() (*RecordShowCommand, error) {
	storeSection, err := newStoreSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Print the capture record of a tab as JSON"),
		cmds.WithArguments(
			fields.New("tab-id", fields.TypeInteger, fields.WithHelp("Browser tab id"), fields.WithRequired(true)),
		),
		cmds.WithSections(storeSection),
	)
	return &RecordShowCommand{CommandDescription: desc}, nil
}

func (c *RecordShowCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &recordShowSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	return showRecord(ctx, store, s.TabID, w)
}

func showRecord(ctx context.Context, s *StoreSettings, tabID int, w io.Writer) error {
	if tabID <= 0 {
		return errors.Errorf("invalid tab id %d", tabID)
	}
	return s.withRecorder(func(cl *recorder.CaptureLog, _ *recorder.SnapshotManager) error {
		rec, ok, err := cl.Load(ctx, tabID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("no capture record for tab %d", tabID)
		}
		return printJSON(w, rec)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
