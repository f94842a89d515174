package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sawpanic/signaldesk/internal/config"
	"github.com/sawpanic/signaldesk/internal/data/cache"
	sdlog "github.com/sawpanic/signaldesk/internal/log"
	"github.com/sawpanic/signaldesk/internal/models"
	"github.com/sawpanic/signaldesk/internal/scheduler"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show balance, open positions and breaker state",
		Long: `Reads the status published by a running assistant from Redis when one is
configured, and falls back to the state file otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			s, source, err := loadStatus(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			logger.Debug().Str("source", source).Msg("status loaded")
			if asJSON || !sdlog.IsTerminal(os.Stdout) {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printStatus(cmd.OutOrStdout(), s, source)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON even on a terminal")
	return cmd
}

func loadStatus(ctx context.Context, cfg config.Config, logger zerolog.Logger) (scheduler.Status, string, error) {
	var s scheduler.Status
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if r, err := cache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix); err == nil {
			defer r.Close()
			b, ok, err := r.Get(ctx, cache.KeyStatus)
			if err == nil && ok && json.Unmarshal(b, &s) == nil {
				return s, "redis", nil
			}
		}
	}
	e, _, err := offlineEngine(cfg, logger)
	if err != nil {
		return s, "", err
	}
	return e.Status(time.Now()), "state file", nil
}

func printStatus(out io.Writer, s scheduler.Status, source string) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	window := "closed"
	if s.TradingOpen {
		window = "open"
	}
	fmt.Fprintf(w, "Source\t%s (%s)\n", source, s.Time.Format(time.RFC3339))
	fmt.Fprintf(w, "Symbol\t%s, trading window %s\n", s.Symbol, window)
	if s.Stopped {
		fmt.Fprintf(w, "Engine\tSTOPPED\n")
	}
	if s.Degraded {
		fmt.Fprintf(w, "Market data\tdegraded: %s\n", s.LastError)
	}
	fmt.Fprintf(w, "Balance\t$%.2f\n", s.Balance)
	fmt.Fprintf(w, "Today\tP&L $%.2f, %d trades, loss allowance $%.2f\n", s.Daily.RealizedPnL, s.Daily.TradesToday, s.LossAllowance)
	fmt.Fprintf(w, "Lifetime\t%d closed, %d wins, %d losses, win rate %.1f%%\n",
		s.Stats.ClosedTrades, s.Stats.Wins, s.Stats.Losses, s.Stats.WinRate())
	fmt.Fprintf(w, "Breaker\t%s, %d/%d calls today, %d remaining\n",
		s.Breaker.State, s.Breaker.CallsToday, s.Breaker.DailyBudget, s.Breaker.Remaining)
	fmt.Fprintf(w, "Pending\t%d\n", len(s.Pending))
	for _, op := range s.Open {
		sig := op.Signal
		fmt.Fprintf(w, "Open #%d\t%s %s, floating $%.2f\n", sig.ID, sig.Direction, sig.Symbol, op.Floating)
	}
	statuses := make([]string, 0, len(s.SignalsByStatus))
	for st := range s.SignalsByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(w, "Signals %s\t%d\n", st, s.SignalsByStatus[models.SignalStatus(st)])
	}
	w.Flush()
}
