package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/signaldesk/internal/lifecycle"
	"github.com/sawpanic/signaldesk/internal/models"
)

func money(v float64) string {
	if v < 0 {
		return fmt.Sprintf("-$%.2f", -v)
	}
	return fmt.Sprintf("$%.2f", v)
}

func signedMoney(v float64) string {
	if v > 0 {
		return "+" + money(v)
	}
	return money(v)
}

func signalMessage(sig models.Signal, deadline time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signal #%d: %s %s\n", sig.ID, sig.Direction, sig.Symbol)
	fmt.Fprintf(&b, "Entry %.5f\nStop %.5f\nTarget %.5f\n", sig.Entry, sig.StopLoss, sig.TakeProfit)
	fmt.Fprintf(&b, "Size %.2f lots, risk %s, R:R %.2f\n", sig.Lots, money(sig.RiskAmount), sig.RiskReward)
	fmt.Fprintf(&b, "Confidence %.0f%%\n", sig.Confidence*100)
	if sig.Reason != "" {
		fmt.Fprintf(&b, "%s\n", sig.Reason)
	}
	fmt.Fprintf(&b, "Decide by %s UTC. After filling, reply EXEC %d <price> <lots>", deadline.UTC().Format("15:04"), sig.ID)
	return b.String()
}

func executedMessage(sig models.Signal) string {
	ex := sig.Execution
	return fmt.Sprintf("Signal #%d executed: %s %.2f lots at %.5f. Watching stop %.5f and target %.5f.",
		sig.ID, sig.Direction, ex.Lots, ex.FillPrice, sig.StopLoss, sig.TakeProfit)
}

func closureMessage(c lifecycle.Closure) string {
	var why string
	switch c.Reason {
	case models.CloseTakeProfit:
		why = "take profit hit"
	case models.CloseStopLoss:
		why = "stop loss hit"
	case models.CloseManual:
		why = "closed manually"
	default:
		why = strings.ToLower(string(c.Reason))
	}
	return fmt.Sprintf("Signal #%d %s at %.5f. P&L %s", c.Signal.ID, why, c.ExitPrice, signedMoney(c.PnL))
}

func statusMessage(s Status) string {
	var b strings.Builder
	state := "closed"
	if s.TradingOpen {
		state = "open"
	}
	fmt.Fprintf(&b, "%s status at %s UTC\n", s.Symbol, s.Time.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Trading window %s\n", state)
	if s.Stopped {
		b.WriteString("STOPPED: state could not be saved\n")
	}
	if s.Degraded {
		fmt.Fprintf(&b, "Market data degraded: %s\n", s.LastError)
	}
	if s.LastBar != nil {
		fmt.Fprintf(&b, "Last close %.5f at %s\n", s.LastBar.Close, s.LastBar.Timestamp.UTC().Format("15:04"))
	}
	fmt.Fprintf(&b, "Data circuit %s, %d/%d calls used\n", s.Breaker.State, s.Breaker.CallsToday, s.Breaker.DailyBudget)
	fmt.Fprintf(&b, "Pending signals %d, open positions %d\n", len(s.Pending), len(s.Open))
	for _, op := range s.Open {
		fmt.Fprintf(&b, "  #%d %s floating %s\n", op.Signal.ID, op.Signal.Direction, signedMoney(op.Floating))
	}
	fmt.Fprintf(&b, "Today: %d trades, P&L %s", s.Daily.TradesToday, signedMoney(s.Daily.RealizedPnL))
	return b.String()
}

func balanceMessage(s Status) string {
	return fmt.Sprintf("Balance %s\nToday %s\nFloating %s\nLoss allowance left today %s\nLifetime: %d trades, %.0f%% wins, P&L %s",
		money(s.Balance),
		signedMoney(s.Daily.RealizedPnL),
		signedMoney(s.Floating),
		money(s.LossAllowance),
		s.Stats.ClosedTrades, s.Stats.WinRate(), signedMoney(s.Stats.TotalPnL))
}

func tradesMessage(st *models.PersistedState, limit int) string {
	type row struct {
		at   time.Time
		text string
	}
	var rows []row
	for _, pos := range st.Positions {
		sig, ok := st.Signal(pos.SignalID)
		if !ok || sig.Execution == nil {
			continue
		}
		if pos.Status == models.PositionOpen {
			rows = append(rows, row{sig.Execution.ExecutedAt, fmt.Sprintf("#%d %s open at %.5f", sig.ID, sig.Direction, sig.Execution.FillPrice)})
			continue
		}
		at := sig.Execution.ExecutedAt
		if pos.ClosedAt != nil {
			at = *pos.ClosedAt
		}
		rows = append(rows, row{at, fmt.Sprintf("#%d %s %.5f -> %.5f %s %s",
			sig.ID, sig.Direction, sig.Execution.FillPrice, pos.ExitPrice, pos.CloseReason, signedMoney(pos.RealizedPnL))})
	}
	if len(rows) == 0 {
		return "No trades yet"
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].at.After(rows[j].at) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = r.text
	}
	return "Recent trades\n" + strings.Join(lines, "\n")
}

func heartbeatMessage(s Status) string {
	health := "ok"
	if s.Degraded {
		health = "degraded"
	}
	return fmt.Sprintf("Heartbeat %s UTC: data %s, circuit %s, %d pending, %d open, today %s",
		s.Time.Format("15:04"), health, s.Breaker.State, len(s.Pending), len(s.Open), signedMoney(s.Daily.RealizedPnL))
}

func summaryMessage(s Status) string {
	return fmt.Sprintf("Trading window closed. Daily summary for %s: %d trades, P&L %s, %d positions still open. Balance %s",
		s.Daily.Day, s.Daily.TradesToday, signedMoney(s.Daily.RealizedPnL), len(s.Open), money(s.Balance))
}
