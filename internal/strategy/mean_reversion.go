// Package strategy proposes mean-reversion candidates from closed bars.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/signaldesk/internal/gates"
	"github.com/sawpanic/signaldesk/internal/models"
)

// Prediction is the model's opinion on the next move.
type Prediction struct {
	Direction  models.Direction
	Confidence float64
}

// Predictor is the opaque inference step. Implementations must be side-effect free.
type Predictor interface {
	Predict(ind Indicators) (Prediction, error)
}

// HeuristicPredictor scores stretch from the mean when no trained model is deployed.
type HeuristicPredictor struct{}

func (HeuristicPredictor) Predict(ind Indicators) (Prediction, error) {
	if !ind.IsValid {
		return Prediction{}, fmt.Errorf("indicators not ready")
	}
	dir := models.Long
	if ind.ZScore > 0 {
		dir = models.Short
	}
	// Stretch beyond 2 sigma with a quiet trend pushes confidence toward 0.9.
	stretch := math.Min(math.Abs(ind.ZScore)/3, 1)
	calm := math.Max(0, 1-ind.ADX/50)
	conf := 0.5 + 0.4*stretch*calm
	return Prediction{Direction: dir, Confidence: math.Round(conf*1000) / 1000}, nil
}

// Thresholds gate the mean-reversion entry.
type Thresholds struct {
	ZLong         float64 `yaml:"z_long"`         // -2.0
	ZShort        float64 `yaml:"z_short"`        // 2.0
	MaxADX        float64 `yaml:"max_adx"`        // 30
	RSIOversold   float64 `yaml:"rsi_oversold"`   // 40
	RSIOverbought float64 `yaml:"rsi_overbought"` // 60
	MinConfidence float64 `yaml:"min_confidence"` // 0.65
}

// Levels places limit orders relative to the last close, in pips.
type Levels struct {
	OffsetPips float64 `yaml:"offset_pips"` // 5
	StopPips   float64 `yaml:"stop_pips"`   // 20
	TargetPips float64 `yaml:"target_pips"` // 40
}

// Validate requires a positive stop and target distance.
func (l Levels) Validate() error {
	if l.StopPips <= 0 || l.TargetPips <= 0 || l.OffsetPips < 0 {
		return fmt.Errorf("levels: stop %g and target %g pips must be positive, offset %g not negative", l.StopPips, l.TargetPips, l.OffsetPips)
	}
	return nil
}

// Config bundles the generator settings.
type Config struct {
	Symbol     string     `yaml:"symbol"`
	Periods    Periods    `yaml:"periods"`
	Thresholds Thresholds `yaml:"thresholds"`
	Levels     Levels     `yaml:"levels"`
}

// DefaultConfig returns the EUR/USD 15 minute settings.
func DefaultConfig() Config {
	return Config{
		Symbol:  "EUR/USD",
		Periods: DefaultPeriods(),
		Thresholds: Thresholds{
			ZLong: -2.0, ZShort: 2.0, MaxADX: 30,
			RSIOversold: 40, RSIOverbought: 60, MinConfidence: 0.65,
		},
		Levels: Levels{OffsetPips: 5, StopPips: 20, TargetPips: 40},
	}
}

// MeanReversion fades stretched moves in ranging markets.
type MeanReversion struct {
	cfg       Config
	predictor Predictor
	sizer     gates.Sizer
	limits    gates.Limits
	log       zerolog.Logger
}

func NewMeanReversion(cfg Config, p Predictor, sizer gates.Sizer, limits gates.Limits, log zerolog.Logger) *MeanReversion {
	if p == nil {
		p = HeuristicPredictor{}
	}
	return &MeanReversion{cfg: cfg, predictor: p, sizer: sizer, limits: limits, log: log}
}

// Lookback is the number of closed bars Propose needs.
func (g *MeanReversion) Lookback() int { return g.cfg.Periods.MinBars() * 5 }

// Propose returns a sized candidate when every entry condition holds on the latest bar.
func (g *MeanReversion) Propose(bars []models.Bar, now time.Time) (*gates.Candidate, bool) {
	ind := Compute(bars, g.cfg.Periods)
	if !ind.IsValid {
		g.log.Debug().Int("bars", len(bars)).Int("need", g.cfg.Periods.MinBars()).Msg("not enough history")
		return nil, false
	}
	pred, err := g.predictor.Predict(ind)
	if err != nil {
		g.log.Warn().Err(err).Msg("prediction failed")
		return nil, false
	}

	t := g.cfg.Thresholds
	var dir models.Direction
	switch {
	case ind.ZScore <= t.ZLong && ind.ADX < t.MaxADX && ind.RSI < t.RSIOversold:
		dir = models.Long
	case ind.ZScore >= t.ZShort && ind.ADX < t.MaxADX && ind.RSI > t.RSIOverbought:
		dir = models.Short
	default:
		g.log.Debug().Float64("z", ind.ZScore).Float64("adx", ind.ADX).Float64("rsi", ind.RSI).Msg("no setup")
		return nil, false
	}
	if pred.Direction != dir || pred.Confidence < t.MinConfidence {
		g.log.Debug().Str("setup", string(dir)).Str("model", string(pred.Direction)).Float64("confidence", pred.Confidence).Msg("model disagrees")
		return nil, false
	}

	entry, stop, target := g.LimitOrder(dir, ind.Price)
	lots := g.sizer.Lots(entry, stop, g.limits)
	c := &gates.Candidate{
		Symbol:     g.cfg.Symbol,
		Direction:  dir,
		Entry:      entry,
		StopLoss:   stop,
		TakeProfit: target,
		Lots:       lots,
		Confidence: pred.Confidence,
		RiskAmount: g.sizer.RiskAmount(entry, stop, lots),
		RiskReward: g.cfg.Levels.TargetPips / g.cfg.Levels.StopPips,
		Reason: fmt.Sprintf("Mean reversion %s: Z=%.2f, ADX=%.1f, RSI=%.1f, ML=%.1f%%",
			dir, ind.ZScore, ind.ADX, ind.RSI, pred.Confidence*100),
	}
	return c, true
}

// LimitOrder places entry, stop, and target rounded to 5 decimals. LONG enters
// below the market, SHORT above.
func (g *MeanReversion) LimitOrder(dir models.Direction, price float64) (entry, stop, target float64) {
	pip := decimal.NewFromFloat(g.sizer.PipSize)
	p := decimal.NewFromFloat(price)
	offset := pip.Mul(decimal.NewFromFloat(g.cfg.Levels.OffsetPips))
	sl := pip.Mul(decimal.NewFromFloat(g.cfg.Levels.StopPips))
	tp := pip.Mul(decimal.NewFromFloat(g.cfg.Levels.TargetPips))

	var e, s, t decimal.Decimal
	if dir == models.Short {
		e = p.Add(offset)
		s, t = e.Add(sl), e.Sub(tp)
	} else {
		e = p.Sub(offset)
		s, t = e.Sub(sl), e.Add(tp)
	}
	entry, _ = e.Round(5).Float64()
	stop, _ = s.Round(5).Float64()
	target, _ = t.Round(5).Float64()
	return entry, stop, target
}
