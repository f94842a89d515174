package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sawpanic/signaldesk/internal/persistence/state"
)

func newStateCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and recover the persisted trading state",
	}
	cmd.AddCommand(newStateVerifyCmd(g), newStateRestoreCmd(g), newStateShowCmd(g))
	return cmd
}

func newStateVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the checksums of the primary and backup state files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			store := newStore(cfg, logger)
			primaryErr, backupErr := store.Verify()
			out := cmd.OutOrStdout()
			report := func(label, path string, err error) {
				if err != nil {
					fmt.Fprintf(out, "%-8s %s: %v\n", label, path, err)
					return
				}
				fmt.Fprintf(out, "%-8s %s: ok\n", label, path)
			}
			report("primary", store.PrimaryPath(), primaryErr)
			report("backup", store.BackupPath(), backupErr)
			if primaryErr != nil {
				if backupErr == nil {
					fmt.Fprintln(out, "The backup is intact: run 'signaldesk state restore-backup'.")
				}
				return fmt.Errorf("primary state is not usable: %w", primaryErr)
			}
			return nil
		},
	}
}

func newStateRestoreCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore-backup",
		Short: "Replace the primary state file with the verified backup",
		Long:  `Stop the assistant first. The backup is verified before it replaces the primary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			st, err := newStore(cfg, logger).RestoreBackup()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored state last updated %s (%d signals, next id %d)\n",
				st.UpdatedAt.Format("2006-01-02 15:04:05 MST"), len(st.Signals), st.NextSignalID)
			return nil
		},
	}
}

func newStateShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the persisted state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			st, _, err := newStore(cfg, logger).Load()
			if errors.Is(err, state.ErrNoState) {
				return fmt.Errorf("no state at %s: start the assistant with 'signaldesk run' to create one", cfg.State.Path)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
