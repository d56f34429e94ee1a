package fetch

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"stockwatch/internal/retry"
	"stockwatch/internal/watch"
)

// Rule binds one host to its extraction patterns. Needles are matched
// case-insensitively as substrings of the page text; PricePattern and
// TitlePattern are regular expressions whose first non-empty capture group
// wins.
type Rule struct {
	// Host is the lookup key: an exact hostname or a bare suffix
	// ("bol.com" also covers "www.bol.com"). Empty replaces the built-in
	// fallback rule.
	Host         string   `json:"host"`
	InStock      []string `json:"in_stock"`
	OutOfStock   []string `json:"out_of_stock"`
	PreOrder     []string `json:"pre_order"`
	Blocked      []string `json:"blocked"`
	PricePattern string   `json:"price_pattern"`
	TitlePattern string   `json:"title_pattern"`
}

// defaultRule covers common Dutch and English retail phrasings plus the two
// price markups seen in the wild (JSON-embedded and currency-prefixed).
var defaultRule = Rule{
	OutOfStock:   []string{"niet leverbaar", "niet beschikbaar", "niet op voorraad", "tijdelijk uitverkocht", "uitverkocht", "out of stock", "sold out", "currently unavailable"},
	PreOrder:     []string{"pre-order", "pre order", "preorder"},
	InStock:      []string{"op voorraad", "direct leverbaar", "beschikbaar", "in stock", "add to cart", "add to basket"},
	PricePattern: `"price"\s*:\s*"?([0-9][0-9.,]*)"?|data-test="price"[^>]*>\s*([^<]+)|[€$£]\s*([0-9][0-9., ]*[0-9]|[0-9])`,
	TitlePattern: `<title[^>]*>([^<]+)</title>`,
}

type compiledRule struct {
	rule       Rule
	inStock    []string
	outOfStock []string
	preOrder   []string
	blocked    []string
	price      *regexp.Regexp
	title      *regexp.Regexp
}

// RuleSet is the compiled lookup table, host -> rule, with a fallback for
// hosts that have no rule of their own.
type RuleSet struct {
	byHost   map[string]*compiledRule
	fallback *compiledRule
}

// CompileRules builds a RuleSet. A rule with an empty host replaces the
// fallback; later rules win on duplicate hosts.
func CompileRules(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{byHost: make(map[string]*compiledRule)}

	fb, err := compileRule(defaultRule)
	if err != nil {
		return nil, fmt.Errorf("built-in rule: %w", err)
	}
	rs.fallback = fb

	for i, r := range rules {
		c, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, r.Host, err)
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		if host == "" {
			rs.fallback = c
			continue
		}
		rs.byHost[host] = c
	}
	return rs, nil
}

func compileRule(r Rule) (*compiledRule, error) {
	c := &compiledRule{
		rule:       r,
		inStock:    lowerAll(r.InStock),
		outOfStock: lowerAll(r.OutOfStock),
		preOrder:   lowerAll(r.PreOrder),
		blocked:    lowerAll(r.Blocked),
	}
	var err error
	if p := strings.TrimSpace(r.PricePattern); p != "" {
		if c.price, err = regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("price pattern: %w", err)
		}
	}
	if p := strings.TrimSpace(r.TitlePattern); p != "" {
		if c.title, err = regexp.Compile("(?is)" + p); err != nil {
			return nil, fmt.Errorf("title pattern: %w", err)
		}
	}
	return c, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Extract resolves a page body into fields using the host's rule: exact
// hostname match first, then parent suffixes ("shop.example.com" falls back
// to "example.com"), then the fallback rule. Failures come back tagged: a
// matched challenge needle is KindBlocked, a page where neither status nor
// price matched anything is KindParseFailure.
func (rs *RuleSet) Extract(host, body string) (watch.Fields, error) {
	return rs.find(host).extract(body)
}

func (rs *RuleSet) find(host string) *compiledRule {
	host = strings.ToLower(strings.TrimSpace(host))
	for host != "" {
		if c, ok := rs.byHost[host]; ok {
			return c
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return rs.fallback
}

func (c *compiledRule) extract(body string) (watch.Fields, error) {
	lower := strings.ToLower(body)

	for _, n := range c.blocked {
		if strings.Contains(lower, n) {
			return watch.Fields{}, retry.Tag(fmt.Errorf("challenge page: matched %q", n), retry.KindBlocked)
		}
	}

	f := watch.Fields{Status: c.statusOf(lower)}

	if c.price != nil {
		if m := c.price.FindStringSubmatch(body); m != nil {
			if raw := firstGroup(m); raw != "" {
				if p, err := ParsePrice(raw); err == nil {
					f.Price = p
					f.PriceKnown = true
				}
			}
		}
	}

	if c.title != nil {
		if m := c.title.FindStringSubmatch(body); m != nil {
			f.Title = strings.Join(strings.Fields(html.UnescapeString(firstGroup(m))), " ")
		}
	}

	if f.Status == watch.StatusUnknown && !f.PriceKnown {
		return watch.Fields{}, retry.Tag(errors.New("no extraction pattern matched"), retry.KindParseFailure)
	}
	return f, nil
}

// statusOf checks out-of-stock needles first: listing pages routinely mention
// availability wording in recommendations, and a false "in stock" is the
// expensive mistake.
func (c *compiledRule) statusOf(lower string) watch.StockStatus {
	for _, n := range c.outOfStock {
		if strings.Contains(lower, n) {
			return watch.StatusOutOfStock
		}
	}
	for _, n := range c.preOrder {
		if strings.Contains(lower, n) {
			return watch.StatusPreOrder
		}
	}
	for _, n := range c.inStock {
		if strings.Contains(lower, n) {
			return watch.StatusInStock
		}
	}
	return watch.StatusUnknown
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g = strings.TrimSpace(g); g != "" {
			return g
		}
	}
	return ""
}

// ParsePrice turns a scraped price fragment into a decimal. It strips
// currency symbols and whitespace and resolves the separator ambiguity:
// when both "." and "," appear the last one is the decimal separator
// ("1.299,95" and "1,299.95" both parse to 1299.95); a lone separator is
// decimal only when followed by one or two digits ("1.299" stays 1299).
func ParsePrice(raw string) (decimal.Decimal, error) {
	var cleaned strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			cleaned.WriteRune(r)
		}
	}
	s := cleaned.String()
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("no digits in price %q", raw)
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	sep := -1
	switch {
	case lastDot >= 0 && lastComma >= 0:
		sep = lastDot
		if lastComma > lastDot {
			sep = lastComma
		}
	case lastComma >= 0:
		if d := len(s) - lastComma - 1; d >= 1 && d <= 2 {
			sep = lastComma
		}
	case lastDot >= 0:
		if d := len(s) - lastDot - 1; d >= 1 && d <= 2 {
			sep = lastDot
		}
	}

	var num strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
		case i == sep:
			num.WriteByte('.')
		}
	}

	p, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return p, nil
}
