// Package lifecycle implements the signal state machine. Every method takes the
// state and the current time explicitly so transitions are deterministic.
package lifecycle

import (
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/signaldesk/internal/gates"
	"github.com/sawpanic/signaldesk/internal/models"
)

// Config holds lifecycle timing and contract parameters.
type Config struct {
	DecisionTimeout time.Duration `yaml:"decision_timeout"` // pending signals expire after this
	ContractSize    float64       `yaml:"contract_size"`
}

// DefaultConfig returns a 30 minute decision window on standard lots.
func DefaultConfig() Config {
	return Config{DecisionTimeout: 30 * time.Minute, ContractSize: StandardLot}
}

// Manager applies lifecycle transitions to a caller-owned state.
type Manager struct {
	cfg Config
}

func New(cfg Config) *Manager {
	if cfg.ContractSize <= 0 {
		cfg.ContractSize = StandardLot
	}
	return &Manager{cfg: cfg}
}

// Ack describes an accepted transition for the reply to the trader.
type Ack struct {
	Signal  models.Signal
	Message string
}

// Closure is a position that has just been closed.
type Closure struct {
	Signal    models.Signal
	Reason    models.CloseReason
	ExitPrice float64
	PnL       float64
	ClosedAt  time.Time
}

// Create appends a new PENDING_DECISION signal built from an admitted candidate.
func (m *Manager) Create(st *models.PersistedState, c gates.Candidate, now time.Time) models.Signal {
	sig := models.Signal{
		ID:         st.NextSignalID,
		Symbol:     c.Symbol,
		Direction:  c.Direction,
		Entry:      c.Entry,
		StopLoss:   c.StopLoss,
		TakeProfit: c.TakeProfit,
		Lots:       c.Lots,
		Confidence: c.Confidence,
		RiskAmount: c.RiskAmount,
		RiskReward: c.RiskReward,
		Reason:     c.Reason,
		CreatedAt:  now.UTC(),
		Status:     models.StatusPending,
	}
	st.NextSignalID++
	st.Signals = append(st.Signals, sig)
	return sig
}

// Decide applies a button press. Only "rejected" changes state; "executed" waits
// for the EXEC command carrying the actual fill.
func (m *Manager) Decide(st *models.PersistedState, id int64, choice models.Choice, now time.Time) (Ack, error) {
	sig, err := m.pending(st, id, now)
	if err != nil {
		return Ack{}, err
	}

	switch choice {
	case models.ChoiceRejected:
		decided := now.UTC()
		sig.Status = models.StatusRejected
		sig.DecidedAt = &decided
		return Ack{Signal: *sig, Message: fmt.Sprintf("Signal #%d rejected", id)}, nil
	case models.ChoiceExecuted:
		return Ack{Signal: *sig, Message: fmt.Sprintf("Signal #%d: send EXEC %d <price> <lots> with your fill", id, id)}, nil
	case models.ChoicePending:
		return Ack{Signal: *sig, Message: fmt.Sprintf("Signal #%d kept pending until %s UTC", id, m.deadline(*sig).Format("15:04"))}, nil
	default:
		return Ack{}, fmt.Errorf("%w: unknown choice %q", ErrStateMismatch, choice)
	}
}

// Execute records the trader's fill and opens the position.
func (m *Manager) Execute(st *models.PersistedState, id int64, price, lots float64, now time.Time) (*models.Position, error) {
	if !positive(price) || !positive(lots) {
		return nil, fmt.Errorf("%w: price %.5f lots %.2f must be positive", ErrInvalidFill, price, lots)
	}
	sig, err := m.pending(st, id, now)
	if err != nil {
		return nil, err
	}
	if existing, ok := st.Positions[id]; ok {
		return nil, &InvariantError{SignalID: id, Rule: "one-position-per-signal", Detail: fmt.Sprintf("position already %s", existing.Status)}
	}

	at := now.UTC()
	sig.Status = models.StatusExecuted
	sig.DecidedAt = &at
	sig.Execution = &models.Execution{FillPrice: price, Lots: lots, ExecutedAt: at}

	pos := &models.Position{SignalID: id, Status: models.PositionOpen}
	st.Positions[id] = pos
	st.Daily.TradesToday++
	st.Daily.OpenPositions++
	return pos, nil
}

// Expire moves every pending signal past its decision deadline to EXPIRED.
func (m *Manager) Expire(st *models.PersistedState, now time.Time) []int64 {
	var expired []int64
	for i := range st.Signals {
		sig := &st.Signals[i]
		if sig.Status != models.StatusPending || !m.isExpired(*sig, now) {
			continue
		}
		at := now.UTC()
		sig.Status = models.StatusExpired
		sig.DecidedAt = &at
		expired = append(expired, sig.ID)
	}
	return expired
}

// Evaluate checks every open position on bar.Symbol against the range of a bar
// that closed after the fill. The stop is tested first, so a bar touching both
// levels closes at the stop.
func (m *Manager) Evaluate(st *models.PersistedState, bar models.Bar, now time.Time) []Closure {
	var out []Closure
	for _, pos := range st.OpenPositions() {
		sig, ok := st.Signal(pos.SignalID)
		if !ok || sig.Execution == nil || (bar.Symbol != "" && sig.Symbol != bar.Symbol) {
			continue
		}
		// A bar that closed before the fill says nothing about the position.
		if !bar.Timestamp.After(sig.Execution.ExecutedAt) {
			continue
		}
		reason, exit, hit := levelCrossed(*sig, bar)
		if !hit {
			continue
		}
		out = append(out, m.close(st, sig, pos, reason, exit, now))
	}
	return out
}

// Close closes an open position at a trader-supplied price.
func (m *Manager) Close(st *models.PersistedState, id int64, price float64, now time.Time) (Closure, error) {
	if !positive(price) {
		return Closure{}, fmt.Errorf("%w: exit price %.5f must be positive", ErrInvalidFill, price)
	}
	sig, ok := st.Signal(id)
	if !ok {
		return Closure{}, fmt.Errorf("%w: #%d", ErrUnknownSignal, id)
	}
	pos, ok := st.Positions[id]
	if !ok || pos.Status != models.PositionOpen {
		return Closure{}, fmt.Errorf("%w: signal #%d has no open position (status %s)", ErrStateMismatch, id, sig.Status)
	}
	if sig.Execution == nil {
		return Closure{}, &InvariantError{SignalID: id, Rule: "position-has-execution", Detail: "open position without execution"}
	}
	return m.close(st, sig, pos, models.CloseManual, price, now), nil
}

// RollDay resets the daily counters at the first event of a new UTC day.
func (m *Manager) RollDay(st *models.PersistedState, now time.Time) bool {
	day := now.UTC().Format(models.DayLayout)
	if st.Daily.Day == day {
		return false
	}
	st.Daily = models.DailyRisk{Day: day, OpenPositions: len(st.OpenPositions())}
	return true
}

// Floating returns the unrealized P&L of open positions on symbol at price.
func (m *Manager) Floating(st *models.PersistedState, symbol string, price float64) float64 {
	var total float64
	for _, pos := range st.OpenPositions() {
		sig, ok := st.Signal(pos.SignalID)
		if !ok || sig.Execution == nil || sig.Symbol != symbol {
			continue
		}
		total = addMoney(total, PnL(sig.Direction, sig.Execution.FillPrice, price, sig.Execution.Lots, m.cfg.ContractSize))
	}
	return total
}

// Deadline is when a pending signal expires.
func (m *Manager) Deadline(sig models.Signal) time.Time { return m.deadline(sig) }

func (m *Manager) deadline(sig models.Signal) time.Time {
	return sig.CreatedAt.Add(m.cfg.DecisionTimeout)
}

func (m *Manager) isExpired(sig models.Signal, now time.Time) bool {
	return m.cfg.DecisionTimeout > 0 && !now.Before(m.deadline(sig))
}

// pending returns the signal if it can still be decided. A late command is
// refused with ErrSignalExpired; the expiry itself is applied by Expire.
func (m *Manager) pending(st *models.PersistedState, id int64, now time.Time) (*models.Signal, error) {
	sig, ok := st.Signal(id)
	if !ok {
		return nil, fmt.Errorf("%w: #%d", ErrUnknownSignal, id)
	}
	switch {
	case sig.Status == models.StatusExpired:
		return nil, fmt.Errorf("%w: #%d expired", ErrSignalExpired, id)
	case sig.Status != models.StatusPending:
		return nil, fmt.Errorf("%w: signal #%d is %s", ErrStateMismatch, id, sig.Status)
	case m.isExpired(*sig, now):
		return nil, fmt.Errorf("%w: #%d passed its deadline %s", ErrSignalExpired, id, m.deadline(*sig).Format(time.RFC3339))
	}
	return sig, nil
}

func (m *Manager) close(st *models.PersistedState, sig *models.Signal, pos *models.Position, reason models.CloseReason, exit float64, now time.Time) Closure {
	pnl := PnL(sig.Direction, sig.Execution.FillPrice, exit, sig.Execution.Lots, m.cfg.ContractSize)
	at := now.UTC()

	pos.Status = models.PositionClosed
	pos.CloseReason = reason
	pos.ExitPrice = exit
	pos.ClosedAt = &at
	pos.RealizedPnL = pnl

	if st.Daily.OpenPositions > 0 {
		st.Daily.OpenPositions--
	}
	st.Daily.RealizedPnL = addMoney(st.Daily.RealizedPnL, pnl)

	st.Stats.ClosedTrades++
	if pnl > 0 {
		st.Stats.Wins++
	} else {
		st.Stats.Losses++
	}
	st.Stats.TotalPnL = addMoney(st.Stats.TotalPnL, pnl)

	return Closure{Signal: *sig, Reason: reason, ExitPrice: exit, PnL: pnl, ClosedAt: at}
}

func levelCrossed(sig models.Signal, bar models.Bar) (models.CloseReason, float64, bool) {
	if sig.Direction == models.Short {
		if bar.High >= sig.StopLoss {
			return models.CloseStopLoss, sig.StopLoss, true
		}
		if bar.Low <= sig.TakeProfit {
			return models.CloseTakeProfit, sig.TakeProfit, true
		}
		return "", 0, false
	}
	if bar.Low <= sig.StopLoss {
		return models.CloseStopLoss, sig.StopLoss, true
	}
	if bar.High >= sig.TakeProfit {
		return models.CloseTakeProfit, sig.TakeProfit, true
	}
	return "", 0, false
}

// positive reports whether v is a finite price or size above zero.
func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
