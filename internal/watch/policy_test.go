package watch

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPolicyStockTable(t *testing.T) {
	t.Parallel()

	def := DefaultPolicy()
	all := Policy{Rules: map[Rule]bool{
		RuleRestock:       true,
		RulePriceDrop:     true,
		RuleOutOfStock:    true,
		RulePriceIncrease: true,
		RulePreorderOpen:  true,
	}}

	cases := []struct {
		name string
		pol  Policy
		prev StockStatus
		next StockStatus
		want bool
	}{
		{"restock notifies", def, StatusOutOfStock, StatusInStock, true},
		{"stockout stays quiet", def, StatusInStock, StatusOutOfStock, false},
		{"first observation stays quiet", def, StatusUnknown, StatusInStock, false},
		{"to unknown stays quiet", def, StatusInStock, StatusUnknown, false},
		{"preorder open off by default", def, StatusPreOrder, StatusInStock, false},
		{"preorder open when enabled", all, StatusPreOrder, StatusInStock, true},
		{"stockout when enabled", all, StatusInStock, StatusOutOfStock, true},
		{"unknown to out stays quiet even widened", all, StatusUnknown, StatusOutOfStock, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.pol.stockNotifiable(tc.prev, tc.next); got != tc.want {
				t.Fatalf("stockNotifiable(%s->%s) = %v, want %v", tc.prev, tc.next, got, tc.want)
			}
		})
	}
}

func TestPolicyPriceThresholds(t *testing.T) {
	t.Parallel()

	d := func(s string) decimal.Decimal {
		v, err := decimal.NewFromString(s)
		if err != nil {
			t.Fatalf("bad decimal %q: %v", s, err)
		}
		return v
	}

	cases := []struct {
		name     string
		absolute string
		percent  string
		rules    map[Rule]bool
		prev     string
		next     string
		want     bool
	}{
		{"ten percent drop over five percent floor", "", "5", nil, "50", "45", true},
		{"small drop under percent floor", "", "5", nil, "50", "49", false},
		{"drop exactly at percent floor", "", "10", nil, "50", "45", true},
		{"absolute floor met", "5", "", nil, "100", "95", true},
		{"absolute floor missed", "5", "", nil, "100", "96", false},
		{"either axis suffices", "5", "50", nil, "100", "95", true},
		{"no thresholds means any drop", "", "", nil, "100", "99.99", true},
		{"unchanged price never notifies", "", "", nil, "42", "42", false},
		{"increase quiet by default", "", "5", nil, "45", "50", false},
		{"increase when enabled", "", "5",
			map[Rule]bool{RulePriceDrop: true, RulePriceIncrease: true}, "45", "50", true},
		{"drop ignored when rule off", "", "5",
			map[Rule]bool{RulePriceIncrease: true}, "50", "40", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pol := DefaultPolicy()
			if tc.rules != nil {
				pol.Rules = tc.rules
			}
			pol.DropAbsolute = decimal.Zero
			pol.DropPercent = decimal.Zero
			if tc.absolute != "" {
				pol.DropAbsolute = d(tc.absolute)
			}
			if tc.percent != "" {
				pol.DropPercent = d(tc.percent)
			}
			if got := pol.priceNotifiable(d(tc.prev), d(tc.next)); got != tc.want {
				t.Fatalf("priceNotifiable(%s->%s) = %v, want %v", tc.prev, tc.next, got, tc.want)
			}
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	pol := DefaultPolicy()
	if !pol.Rules[RuleRestock] || !pol.Rules[RulePriceDrop] {
		t.Fatalf("default rules missing restock/price_drop: %v", pol.Rules)
	}
	if pol.Rules[RuleOutOfStock] || pol.Rules[RulePriceIncrease] {
		t.Fatalf("default rules must not include stockout/increase: %v", pol.Rules)
	}
	if pol.DropPercent.Cmp(decimal.NewFromInt(5)) != 0 {
		t.Fatalf("default percent floor = %s, want 5", pol.DropPercent)
	}
	if pol.Cooldown != 5*time.Minute {
		t.Fatalf("default cooldown = %s, want 5m", pol.Cooldown)
	}
}
