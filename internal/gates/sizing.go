package gates

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Sizer converts price distances into dollar risk and lot sizes for a single
// pip-quoted pair.
type Sizer struct {
	PipSize     float64 `yaml:"pip_size"`        // 0.0001
	PipValueLot float64 `yaml:"pip_value_lot"`   // $10 per pip per standard lot
	MinLots     float64 `yaml:"min_lots"`
	MaxLots     float64 `yaml:"max_lots"`
	LotStep     float64 `yaml:"lot_step"`
	RiskPct     float64 `yaml:"risk_pct"`        // share of capital risked per trade
	RiskBuffer  float64 `yaml:"risk_buffer_pct"`
}

// DefaultSizer returns EUR/USD sizing.
func DefaultSizer() Sizer {
	return Sizer{
		PipSize:     0.0001,
		PipValueLot: 10,
		MinLots:     0.01,
		MaxLots:     1.0,
		LotStep:     0.01,
		RiskPct:     0.02,
		RiskBuffer:  0.20,
	}
}

// Validate rejects settings that would divide by zero or size nothing.
func (s Sizer) Validate() error {
	switch {
	case s.PipSize <= 0:
		return fmt.Errorf("pip_size must be positive, got %g", s.PipSize)
	case s.PipValueLot <= 0:
		return fmt.Errorf("pip_value_lot must be positive, got %g", s.PipValueLot)
	case s.LotStep <= 0:
		return fmt.Errorf("lot_step must be positive, got %g", s.LotStep)
	case s.MinLots <= 0 || s.MaxLots < s.MinLots:
		return fmt.Errorf("lot range [%g, %g] is invalid", s.MinLots, s.MaxLots)
	case s.RiskPct <= 0 || s.RiskPct > 0.1:
		return fmt.Errorf("risk_pct must be in (0, 0.1], got %g", s.RiskPct)
	case s.RiskBuffer < 0 || s.RiskBuffer >= 1:
		return fmt.Errorf("risk_buffer_pct must be in [0, 1), got %g", s.RiskBuffer)
	}
	return nil
}

// Pips returns the distance between two prices in pips.
func (s Sizer) Pips(a, b float64) float64 {
	if s.PipSize <= 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(math.Abs(a - b)).Div(decimal.NewFromFloat(s.PipSize)).Round(1).Float64()
	return v
}

// RiskAmount is the dollar loss if the stop is hit.
func (s Sizer) RiskAmount(entry, stop, lots float64) float64 {
	v, _ := decimal.NewFromFloat(s.Pips(entry, stop)).
		Mul(decimal.NewFromFloat(s.PipValueLot)).
		Mul(decimal.NewFromFloat(lots)).
		Round(2).Float64()
	return v
}

// Lots sizes a position so the stop-out loses at most capital*RiskPct, capped at
// the per-trade limit and clamped to the lot range.
func (s Sizer) Lots(entry, stop float64, l Limits) float64 {
	pips := s.Pips(entry, stop)
	if pips == 0 || s.PipValueLot <= 0 || s.LotStep <= 0 {
		return s.MinLots
	}
	budget := math.Min(l.Capital*s.RiskPct, l.MaxLossPerTrade)
	raw := budget / (pips * s.PipValueLot)

	step := decimal.NewFromFloat(s.LotStep)
	lots, _ := decimal.NewFromFloat(raw).Div(step).Floor().Mul(step).Float64()
	return math.Max(s.MinLots, math.Min(lots, s.MaxLots))
}

// RemainingRisk is the dollar risk still available today after the safety buffer.
func (s Sizer) RemainingRisk(realized float64, l Limits) float64 {
	loss := math.Max(-realized, 0)
	max := l.MaxDailyLoss()
	remaining := max - loss - max*s.RiskBuffer
	if remaining < 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(remaining).Round(2).Float64()
	return v
}
