package watch

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rule names one notifiable transition class. The rule set is configuration;
// the default set reproduces the classic watcher behavior: alert on restocks
// and meaningful price drops, stay quiet about everything else.
type Rule string

const (
	// RuleRestock: out-of-stock -> in-stock.
	RuleRestock Rule = "restock"
	// RulePriceDrop: price decreased by at least one of the thresholds.
	RulePriceDrop Rule = "price_drop"
	// RuleOutOfStock: in-stock -> out-of-stock. Off by default.
	RuleOutOfStock Rule = "out_of_stock"
	// RulePriceIncrease: price increase meeting the thresholds. Off by default.
	RulePriceIncrease Rule = "price_increase"
	// RulePreorderOpen: pre-order -> in-stock. Off by default.
	RulePreorderOpen Rule = "preorder_open"
)

// Policy decides which transitions alert subscribers.
//
// Thresholds are minimum magnitudes; zero disables that axis. A price move
// notifies when EITHER axis is met. Cooldown demotes repeat alerts for the
// same target inside the window.
type Policy struct {
	Rules        map[Rule]bool
	DropAbsolute decimal.Decimal
	DropPercent  decimal.Decimal
	Cooldown     time.Duration
}

// DefaultPolicy returns the stock suppression policy: restocks and price
// drops of at least 5% notify, nothing else does, with a 5 minute per-target
// cooldown.
func DefaultPolicy() Policy {
	return Policy{
		Rules: map[Rule]bool{
			RuleRestock:   true,
			RulePriceDrop: true,
		},
		DropPercent: decimal.NewFromInt(5),
		Cooldown:    5 * time.Minute,
	}
}

func (p Policy) enabled(r Rule) bool { return p.Rules[r] }

// stockNotifiable is the (previous status, new status) policy table.
func (p Policy) stockNotifiable(prev, next StockStatus) bool {
	switch {
	case prev == StatusOutOfStock && next == StatusInStock:
		return p.enabled(RuleRestock)
	case prev == StatusPreOrder && next == StatusInStock:
		return p.enabled(RulePreorderOpen)
	case prev == StatusInStock && next == StatusOutOfStock:
		return p.enabled(RuleOutOfStock)
	default:
		// Transitions involving unknown (first observation, parse gaps)
		// never alert on their own.
		return false
	}
}

// priceNotifiable evaluates a price movement from prev to next. Both prices
// must be known; delta is next-prev (negative = drop).
func (p Policy) priceNotifiable(prev, next decimal.Decimal) bool {
	delta := next.Sub(prev)
	switch delta.Sign() {
	case 0:
		return false
	case -1:
		if !p.enabled(RulePriceDrop) {
			return false
		}
		return p.meetsThreshold(delta.Neg(), prev)
	default:
		if !p.enabled(RulePriceIncrease) {
			return false
		}
		return p.meetsThreshold(delta, prev)
	}
}

// meetsThreshold reports whether magnitude satisfies the absolute or the
// percentage minimum. With both thresholds zero any movement qualifies.
func (p Policy) meetsThreshold(magnitude, base decimal.Decimal) bool {
	absSet := p.DropAbsolute.Sign() > 0
	pctSet := p.DropPercent.Sign() > 0
	if !absSet && !pctSet {
		return magnitude.Sign() > 0
	}
	if absSet && magnitude.Cmp(p.DropAbsolute) >= 0 {
		return true
	}
	if pctSet && base.Sign() > 0 {
		pct := magnitude.Div(base).Mul(decimal.NewFromInt(100))
		if pct.Cmp(p.DropPercent) >= 0 {
			return true
		}
	}
	return false
}
