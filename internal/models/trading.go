package models

import (
	"sort"
	"time"
)

// SchemaVersion is the persisted state layout understood by this build.
const SchemaVersion = 1

// DayLayout formats the UTC calendar day used by the daily counters.
const DayLayout = "2006-01-02"

// Direction is the side of a proposed trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == Long || d == Short }

// SignalStatus is the decision state of a signal.
type SignalStatus string

const (
	StatusPending  SignalStatus = "PENDING_DECISION"
	StatusExecuted SignalStatus = "EXECUTED"
	StatusRejected SignalStatus = "REJECTED"
	StatusExpired  SignalStatus = "EXPIRED"
)

// Choice is the button the trader pressed on a signal notification.
type Choice string

const (
	ChoiceExecuted Choice = "executed"
	ChoiceRejected Choice = "rejected"
	ChoicePending  Choice = "pending"
)

// Valid reports whether c is one of the offered buttons.
func (c Choice) Valid() bool {
	return c == ChoiceExecuted || c == ChoiceRejected || c == ChoicePending
}

// PositionStatus tracks an executed signal after the fill.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// CloseReason explains why a position left the OPEN state.
type CloseReason string

const (
	CloseTakeProfit CloseReason = "TAKE_PROFIT"
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseManual     CloseReason = "MANUAL"
	CloseExpired    CloseReason = "EXPIRED"
)

// BreakerMode is the failure state of the market-data circuit breaker.
type BreakerMode string

const (
	BreakerClosed   BreakerMode = "CLOSED"
	BreakerOpen     BreakerMode = "OPEN"
	BreakerHalfOpen BreakerMode = "HALF_OPEN"
)

// Bar is a fully closed OHLC candle. Timestamp is the close time.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution records the trader's manual fill. It is written once.
type Execution struct {
	FillPrice  float64   `json:"fill_price"`
	Lots       float64   `json:"lots"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Signal is a trade proposal awaiting or past a human decision.
type Signal struct {
	ID         int64        `json:"id"`
	Symbol     string       `json:"symbol"`
	Direction  Direction    `json:"direction"`
	Entry      float64      `json:"entry"`
	StopLoss   float64      `json:"stop_loss"`
	TakeProfit float64      `json:"take_profit"`
	Lots       float64      `json:"lots"`
	Confidence float64      `json:"confidence"`
	RiskAmount float64      `json:"risk_amount"`
	RiskReward float64      `json:"risk_reward"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	Status     SignalStatus `json:"status"`
	DecidedAt  *time.Time   `json:"decided_at,omitempty"`
	Execution  *Execution   `json:"execution,omitempty"`
}

// Position is the open or closed exposure created by an execution.
type Position struct {
	SignalID    int64          `json:"signal_id"`
	Status      PositionStatus `json:"status"`
	CloseReason CloseReason    `json:"close_reason,omitempty"`
	ExitPrice   float64        `json:"exit_price,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	RealizedPnL float64        `json:"realized_pnl"`
}

// DailyRisk aggregates the current UTC day.
type DailyRisk struct {
	Day           string  `json:"day"`
	RealizedPnL   float64 `json:"realized_pnl"`
	TradesToday   int     `json:"trades_today"`
	OpenPositions int     `json:"open_positions"`
}

// BreakerState is the persisted admission state for the market-data upstream.
type BreakerState struct {
	Day                 string      `json:"day"`
	CallsToday          int         `json:"calls_today"`
	DailyBudget         int         `json:"daily_budget"`
	Reserve             int         `json:"reserve"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	State               BreakerMode `json:"state"`
	OpenedAt            *time.Time  `json:"opened_at,omitempty"`
	TrialInFlight       bool        `json:"trial_in_flight"`
}

// Stats are lifetime outcome counters.
type Stats struct {
	ClosedTrades int     `json:"closed_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	TotalPnL     float64 `json:"total_pnl"`
}

// WinRate returns the percentage of winning closed trades.
func (s Stats) WinRate() float64 {
	if s.ClosedTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.ClosedTrades) * 100
}

// PersistedState is everything the process must not lose across restarts.
type PersistedState struct {
	SchemaVersion int                 `json:"schema_version"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	NextSignalID  int64               `json:"next_signal_id"`
	Signals       []Signal            `json:"signals"`
	Positions     map[int64]*Position `json:"positions"`
	Daily         DailyRisk           `json:"daily"`
	Breaker       BreakerState        `json:"breaker"`
	Stats         Stats               `json:"stats"`
	Checksum      string              `json:"checksum,omitempty"`
}

// NewState returns an empty state for the day containing now.
func NewState(now time.Time, budget, reserve int) *PersistedState {
	day := now.UTC().Format(DayLayout)
	return &PersistedState{
		SchemaVersion: SchemaVersion,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
		NextSignalID:  1,
		Signals:       []Signal{},
		Positions:     map[int64]*Position{},
		Daily:         DailyRisk{Day: day},
		Breaker: BreakerState{
			Day:         day,
			DailyBudget: budget,
			Reserve:     reserve,
			State:       BreakerClosed,
		},
	}
}

// Signal returns the signal with the given id.
func (s *PersistedState) Signal(id int64) (*Signal, bool) {
	for i := range s.Signals {
		if s.Signals[i].ID == id {
			return &s.Signals[i], true
		}
	}
	return nil, false
}

// OpenPositions returns open positions ordered by signal id.
func (s *PersistedState) OpenPositions() []*Position {
	out := make([]*Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Status == PositionOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out
}

// Pending returns signals still awaiting a decision.
func (s *PersistedState) Pending() []Signal {
	var out []Signal
	for _, sig := range s.Signals {
		if sig.Status == StatusPending {
			out = append(out, sig)
		}
	}
	return out
}

// Clone deep-copies the state so a transition can be staged before it is persisted.
func (s *PersistedState) Clone() *PersistedState {
	c := *s
	c.Signals = make([]Signal, len(s.Signals))
	for i, sig := range s.Signals {
		c.Signals[i] = sig
		if sig.DecidedAt != nil {
			t := *sig.DecidedAt
			c.Signals[i].DecidedAt = &t
		}
		if sig.Execution != nil {
			e := *sig.Execution
			c.Signals[i].Execution = &e
		}
	}
	c.Positions = make(map[int64]*Position, len(s.Positions))
	for id, p := range s.Positions {
		cp := *p
		if p.ClosedAt != nil {
			t := *p.ClosedAt
			cp.ClosedAt = &t
		}
		c.Positions[id] = &cp
	}
	if s.Breaker.OpenedAt != nil {
		t := *s.Breaker.OpenedAt
		c.Breaker.OpenedAt = &t
	}
	return &c
}
