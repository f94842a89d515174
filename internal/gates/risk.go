package gates

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/signaldesk/internal/models"
)

// Reason identifies the first limit a candidate failed.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonDailyLoss  Reason = "REASON_DAILY_LOSS"
	ReasonTradeRisk  Reason = "REASON_TRADE_RISK"
	ReasonMaxOpen    Reason = "REASON_MAX_OPEN"
	ReasonMaxTrades  Reason = "REASON_MAX_TRADES"
	ReasonRiskReward Reason = "REASON_RISK_REWARD"
)

// AllReasons lists rejection reasons in evaluation order.
var AllReasons = []Reason{ReasonDailyLoss, ReasonTradeRisk, ReasonMaxOpen, ReasonMaxTrades, ReasonRiskReward}

// Candidate is a proposed trade before it becomes a signal.
type Candidate struct {
	Symbol     string
	Direction  models.Direction
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Lots       float64
	Confidence float64
	RiskAmount float64
	RiskReward float64
	Reason     string
}

// Limits are the hard account limits.
type Limits struct {
	Capital          float64 `yaml:"capital"`            // $5,000
	MaxDailyLossPct  float64 `yaml:"max_daily_loss_pct"` // 5%
	MaxLossPerTrade  float64 `yaml:"max_loss_per_trade"` // $250
	MaxOpenPositions int     `yaml:"max_open_positions"` // 3
	MaxDailyTrades   int     `yaml:"max_daily_trades"`   // 10
	MinRiskReward    float64 `yaml:"min_risk_reward"`    // 1.5
}

// DefaultLimits returns the account defaults.
func DefaultLimits() Limits {
	return Limits{
		Capital:          5000,
		MaxDailyLossPct:  0.05,
		MaxLossPerTrade:  250,
		MaxOpenPositions: 3,
		MaxDailyTrades:   10,
		MinRiskReward:    1.5,
	}
}

// MaxDailyLoss is the dollar amount the account may lose in one day.
func (l Limits) MaxDailyLoss() float64 {
	v, _ := decimal.NewFromFloat(l.Capital).Mul(decimal.NewFromFloat(l.MaxDailyLossPct)).Round(2).Float64()
	return v
}

// Validate checks the limits for internal consistency.
func (l Limits) Validate() error {
	if l.Capital <= 0 {
		return fmt.Errorf("capital must be positive, got %.2f", l.Capital)
	}
	if l.MaxDailyLossPct <= 0 || l.MaxDailyLossPct > 0.10 {
		return fmt.Errorf("max_daily_loss_pct must be in (0, 0.10], got %.4f", l.MaxDailyLossPct)
	}
	if l.MaxLossPerTrade <= 0 {
		return fmt.Errorf("max_loss_per_trade must be positive, got %.2f", l.MaxLossPerTrade)
	}
	if l.MaxLossPerTrade > l.MaxDailyLoss() {
		return fmt.Errorf("max_loss_per_trade %.2f exceeds daily loss cap %.2f", l.MaxLossPerTrade, l.MaxDailyLoss())
	}
	if l.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive, got %d", l.MaxOpenPositions)
	}
	if l.MaxDailyTrades <= 0 {
		return fmt.Errorf("max_daily_trades must be positive, got %d", l.MaxDailyTrades)
	}
	if l.MinRiskReward <= 0 {
		return fmt.Errorf("min_risk_reward must be positive, got %.2f", l.MinRiskReward)
	}
	return nil
}

// Result is the outcome of a risk check.
type Result struct {
	Admitted bool
	Reason   Reason
	Detail   string
}

// Evaluate admits or rejects c against the daily snapshot. The first failing check wins.
func Evaluate(c Candidate, snap models.DailyRisk, l Limits) Result {
	if loss := -snap.RealizedPnL; loss >= l.MaxDailyLoss() {
		return reject(ReasonDailyLoss, "daily loss $%.2f reached limit $%.2f", loss, l.MaxDailyLoss())
	}
	if c.RiskAmount > l.MaxLossPerTrade {
		return reject(ReasonTradeRisk, "trade risk $%.2f exceeds per-trade cap $%.2f", c.RiskAmount, l.MaxLossPerTrade)
	}
	if snap.OpenPositions >= l.MaxOpenPositions {
		return reject(ReasonMaxOpen, "%d open positions (max %d)", snap.OpenPositions, l.MaxOpenPositions)
	}
	if snap.TradesToday >= l.MaxDailyTrades {
		return reject(ReasonMaxTrades, "%d trades today (max %d)", snap.TradesToday, l.MaxDailyTrades)
	}
	if c.RiskReward < l.MinRiskReward {
		return reject(ReasonRiskReward, "risk/reward %.2f below minimum %.2f", c.RiskReward, l.MinRiskReward)
	}
	return Result{Admitted: true}
}

func reject(r Reason, format string, args ...any) Result {
	return Result{Reason: r, Detail: fmt.Sprintf(format, args...)}
}
