package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tabtrail",
	Short: "tabtrail records browser tab sessions and keeps replayable snapshots",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
	SilenceUsage: true,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and remove stored snapshots",
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Inspect in-progress capture records",
}

func addCommands(root *cobra.Command) error {
	serve, err := NewServeCommand()
	if err != nil {
		return err
	}
	list, err := NewSnapshotsListCommand()
	if err != nil {
		return err
	}
	show, err := NewSnapshotsShowCommand()
	if err != nil {
		return err
	}
	rm, err := NewSnapshotsRemoveCommand()
	if err != nil {
		return err
	}
	recordShow, err := NewRecordShowCommand()
	if err != nil {
		return err
	}

	for _, pair := range []struct {
		parent *cobra.Command
		cmd    cmds.Command
	}{
		{root, serve},
		{snapshotsCmd, list},
		{snapshotsCmd, show},
		{snapshotsCmd, rm},
		{recordCmd, recordShow},
	} {
		c, err := cli.BuildCobraCommand(pair.cmd)
		if err != nil {
			return err
		}
		pair.parent.AddCommand(c)
	}
	root.AddCommand(snapshotsCmd, recordCmd)
	return nil
}

func main() {
	if err := clay.InitGlazed("tabtrail", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	cobra.CheckErr(addCommands(rootCmd))
	cobra.CheckErr(rootCmd.Execute())
}
