package strategy

import (
	"math"

	"github.com/sawpanic/signaldesk/internal/models"
)

// Indicators is the technical snapshot the generator reasons over.
type Indicators struct {
	Price      float64 `json:"price"`
	SMA        float64 `json:"sma"`
	ZScore     float64 `json:"z_score"`
	RSI        float64 `json:"rsi"`
	ADX        float64 `json:"adx"`
	BBUpper    float64 `json:"bb_upper"`
	BBLower    float64 `json:"bb_lower"`
	BBWidth    float64 `json:"bb_width"`
	BBPercentB float64 `json:"bb_percent_b"`
	IsValid    bool    `json:"is_valid"`
}

// Periods configures indicator lookbacks.
type Periods struct {
	MA    int     `yaml:"ma"`     // 20
	RSI   int     `yaml:"rsi"`    // 14
	ADX   int     `yaml:"adx"`    // 14
	BBStd float64 `yaml:"bb_std"` // 2.0
}

// DefaultPeriods returns the standard lookbacks.
func DefaultPeriods() Periods {
	return Periods{MA: 20, RSI: 14, ADX: 14, BBStd: 2.0}
}

// MinBars is the history needed for every indicator to be valid.
func (p Periods) MinBars() int {
	n := p.MA
	if p.RSI+1 > n {
		n = p.RSI + 1
	}
	if p.ADX*2+1 > n {
		n = p.ADX*2 + 1
	}
	return n
}

// Compute derives all indicators from bars ordered oldest first.
func Compute(bars []models.Bar, p Periods) Indicators {
	if len(bars) < p.MinBars() {
		return Indicators{RSI: 50, ADX: 100}
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	out := Indicators{Price: closes[len(closes)-1], IsValid: true}
	mean, std := meanStd(closes[len(closes)-p.MA:])
	out.SMA = mean
	if std > 0 {
		out.ZScore = (out.Price - mean) / std
	}
	out.BBUpper = mean + p.BBStd*std
	out.BBLower = mean - p.BBStd*std
	if mean > 0 {
		out.BBWidth = (out.BBUpper - out.BBLower) / mean
	}
	if band := out.BBUpper - out.BBLower; band > 0 {
		out.BBPercentB = (out.Price - out.BBLower) / band
	}
	out.RSI = RSI(closes, p.RSI)
	out.ADX = ADX(bars, p.ADX)
	return out
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// RSI calculates the Relative Strength Index with Wilder's smoothing.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50.0 // Neutral RSI when insufficient data
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(prices); i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

// ADX calculates the Average Directional Index. Low values mean a ranging market.
func ADX(bars []models.Bar, period int) float64 {
	if len(bars) < period*2+1 {
		return 100.0
	}

	alpha := 1.0 / float64(period)
	var tr, plus, minus, adx float64
	dxCount := 0
	for i := 1; i < len(bars); i++ {
		cur, prev := bars[i], bars[i-1]

		// True Range = max(high-low, |high-prevClose|, |low-prevClose|)
		t := math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
		up := cur.High - prev.High
		down := prev.Low - cur.Low
		var pdm, mdm float64
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}

		if i <= period {
			tr += t / float64(period)
			plus += pdm / float64(period)
			minus += mdm / float64(period)
			if i < period {
				continue
			}
		} else {
			tr = tr*(1-alpha) + t*alpha
			plus = plus*(1-alpha) + pdm*alpha
			minus = minus*(1-alpha) + mdm*alpha
		}

		var dx float64
		if tr > 0 {
			pdi := 100 * plus / tr
			mdi := 100 * minus / tr
			if sum := pdi + mdi; sum > 0 {
				dx = 100 * math.Abs(pdi-mdi) / sum
			}
		}
		dxCount++
		if dxCount <= period {
			adx += dx / float64(period)
		} else {
			adx = adx*(1-alpha) + dx*alpha
		}
	}
	return adx
}
