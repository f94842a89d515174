package lifecycle

import (
	"github.com/shopspring/decimal"

	"github.com/sawpanic/signaldesk/internal/models"
)

// StandardLot is the notional of one lot in base currency units.
const StandardLot = 100000

// PnL returns the realized profit in account currency, rounded to cents.
func PnL(dir models.Direction, entry, exit, lots, contract float64) float64 {
	v, _ := decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromFloat(dir.Sign())).
		Mul(decimal.NewFromFloat(lots)).
		Mul(decimal.NewFromFloat(contract)).
		Round(2).Float64()
	return v
}

func addMoney(a, b float64) float64 {
	v, _ := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(2).Float64()
	return v
}
