package trigger

import (
	"time"

	"autobuy-bot/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultFlashDropThreshold is the minimum fractional drop from the original price during a flash sale.
const DefaultFlashDropThreshold = 0.20

// Evaluator decides whether an observed price should start a purchase.
type Evaluator struct {
	flashDrop decimal.Decimal
}

// New returns an Evaluator using the given flash-sale drop threshold (0.20 = 20%).
// A non-positive threshold falls back to DefaultFlashDropThreshold.
func New(flashDropThreshold float64) *Evaluator {
	if flashDropThreshold <= 0 {
		flashDropThreshold = DefaultFlashDropThreshold
	}
	return &Evaluator{flashDrop: decimal.NewFromFloat(flashDropThreshold)}
}

// Evaluate has no side effects. now is only used for the flash-sale window check.
func (e *Evaluator) Evaluate(p models.MonitoredProduct, currentPrice float64, now time.Time) bool {
	current := decimal.NewFromFloat(currentPrice)

	switch p.MonitorType {
	case models.MonitorStrict:
		// compared at cent precision so 99.999999 from a float sum still matches 100
		return current.Round(2).Equal(decimal.NewFromFloat(p.TargetPrice).Round(2))

	case models.MonitorBelow:
		return current.LessThanOrEqual(decimal.NewFromFloat(p.BelowPrice))

	case models.MonitorFlash:
		if !p.FlashSaleInfo.InWindow(now) || p.OriginalPrice <= 0 {
			return false
		}
		original := decimal.NewFromFloat(p.OriginalPrice)
		drop := original.Sub(current).Div(original)
		return drop.GreaterThanOrEqual(e.flashDrop)
	}

	return false
}

// DropPercent returns the percentage drop of current against original, rounded to one decimal.
func DropPercent(original, current float64) float64 {
	if original <= 0 {
		return 0
	}
	o := decimal.NewFromFloat(original)
	pct, _ := o.Sub(decimal.NewFromFloat(current)).Div(o).Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return pct
}
