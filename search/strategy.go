package search

import (
	"fmt"
	"strings"
)

// Intent is what a search is looking for.
type Intent string

const (
	News         Intent = "news"
	Filings      Intent = "filings"
	Earnings     Intent = "earnings"
	Analysis     Intent = "analysis"
	Sentiment    Intent = "sentiment"
	Intelligence Intent = "intelligence"
)

// Intents lists every intent.
var Intents = []Intent{News, Filings, Earnings, Analysis, Sentiment, Intelligence}

// ParseIntent validates s.
func ParseIntent(s string) (Intent, error) {
	for _, i := range Intents {
		if string(i) == strings.ToLower(s) {
			return i, nil
		}
	}
	return "", fmt.Errorf("search: unknown intent %q", s)
}

// Strategies are the three query tiers built for one instrument and intent.
type Strategies struct {
	Primary    []string `json:"primary"`
	Fallback   []string `json:"fallback"`
	Aggressive []string `json:"aggressive"`
}

type templates struct{ primary, fallback, aggressive []string }

// {sym} is the bare ticker, {name} the company name, {venue} the filing
// venue. Templates naming a missing placeholder are skipped.
var intentTemplates = map[Intent]templates{
	News: {
		primary:    []string{`"{sym}" stock news`, `"{name}" latest news`},
		fallback:   []string{`{sym} news`, `{name} company update`},
		aggressive: []string{`{sym}`, `{name}`, `{sym} share price today`},
	},
	Filings: {
		primary:    []string{`{sym} {venue} filing annual report`, `"{name}" annual report filetype:pdf`},
		fallback:   []string{`{sym} investor relations`, `{name} quarterly report`},
		aggressive: []string{`{sym} disclosure`, `{name} regulatory filing`},
	},
	Earnings: {
		primary:    []string{`"{sym}" quarterly earnings results`, `"{name}" earnings call revenue EPS`},
		fallback:   []string{`{sym} earnings`, `{name} results`},
		aggressive: []string{`{sym} profit`, `{name} guidance`},
	},
	Analysis: {
		primary:    []string{`"{sym}" analyst rating price target`, `"{name}" stock analysis valuation`},
		fallback:   []string{`{sym} stock analysis`, `{name} outlook`},
		aggressive: []string{`{sym} forecast`, `{name} investment`},
	},
	Sentiment: {
		primary:    []string{`"{sym}" investor sentiment`, `"{name}" bullish bearish`},
		fallback:   []string{`{sym} stock opinion`, `{name} investors`},
		aggressive: []string{`{sym} reddit`, `{name} social media`},
	},
	Intelligence: {
		primary:    []string{`"{name}" competitive strategy market share`, `"{sym}" acquisition partnership`},
		fallback:   []string{`{name} management strategy`, `{sym} industry`},
		aggressive: []string{`{name} competitors`, `{sym} sector`},
	},
}

// BuildStrategies renders the query tiers for symbol/name on exchange.
func BuildStrategies(symbol, name, exchange string, intent Intent) Strategies {
	t, ok := intentTemplates[intent]
	if !ok {
		t = intentTemplates[News]
	}
	venue := "SEC"
	switch strings.ToUpper(exchange) {
	case "NSE", "BSE":
		venue = strings.ToUpper(exchange)
	case "LSE":
		venue = "RNS"
	}
	vars := map[string]string{"sym": symbol, "name": strings.TrimSpace(name), "venue": venue}
	return Strategies{
		Primary:    render(t.primary, vars),
		Fallback:   render(t.fallback, vars),
		Aggressive: render(t.aggressive, vars),
	}
}

func render(tpls []string, vars map[string]string) []string {
	out := make([]string, 0, len(tpls))
	seen := map[string]bool{}
	for _, tpl := range tpls {
		q := tpl
		skip := false
		for k, v := range vars {
			ph := "{" + k + "}"
			if !strings.Contains(q, ph) {
				continue
			}
			if v == "" {
				skip = true
				break
			}
			q = strings.ReplaceAll(q, ph, v)
		}
		if skip || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}
