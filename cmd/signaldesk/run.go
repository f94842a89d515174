package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading assistant",
		Long: `Starts the control loop: polls market data during the trading window, sends signals
to Telegram and applies your replies. The ops server exposes /health, /status,
/signals, /metrics and /ws on localhost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Telegram.BotToken = ""
			}
			if err := cfg.ValidateRun(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store := newStore(cfg, logger)
			st, err := openState(store, cfg, true, logger)
			if err != nil {
				fmt.Fprintln(os.Stderr, recoveryHint)
				return err
			}

			a, err := build(ctx, cfg, st, store, logger)
			if err != nil {
				return err
			}
			defer a.close()

			// Background transports stop with ctx; only the control loop ends the process.
			loopCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			if a.server != nil {
				go func() {
					if err := a.server.Run(loopCtx); err != nil {
						logger.Error().Err(err).Msg("ops server stopped")
					}
				}()
			}
			if a.tg != nil {
				go func() {
					if err := a.tg.Listen(loopCtx, a.engine.Inbox()); err != nil && loopCtx.Err() == nil {
						logger.Error().Err(err).Msg("telegram listener stopped")
					}
				}()
			}

			logger.Info().
				Str("version", version).
				Str("state", store.PrimaryPath()).
				Int64("next_signal_id", st.NextSignalID).
				Int("open_positions", st.Daily.OpenPositions).
				Msg("signaldesk starting")

			if err := a.engine.Run(loopCtx); err != nil {
				fmt.Fprintln(os.Stderr, recoveryHint)
				return err
			}
			logger.Info().Msg("signaldesk stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log notifications instead of sending them to Telegram")
	return cmd
}
