package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newBreakerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Operate the market-data circuit breaker",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Close the breaker and clear its failure count",
		Long: `Edits the state file directly. Stop the assistant first; a running instance
would overwrite the change on its next save.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			e, _, err := offlineEngine(cfg, logger)
			if err != nil {
				return err
			}
			now := time.Now()
			if err := e.Reset(cmd.Context(), now); err != nil {
				return err
			}
			s := e.Status(now).Breaker
			fmt.Fprintf(cmd.OutOrStdout(), "Breaker %s, %d calls remaining today\n", s.State, s.Remaining)
			return nil
		},
	})
	return cmd
}
