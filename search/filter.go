package search

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

var intentKeywords = map[Intent][]string{
	News:         {"news", "announce", "report", "shares", "stock", "update"},
	Filings:      {"filing", "10-k", "10-q", "8-k", "annual report", "disclosure", "prospectus", "sec.gov", "regulatory"},
	Earnings:     {"earnings", "revenue", "eps", "quarter", "results", "guidance", "profit"},
	Analysis:     {"analyst", "rating", "price target", "upgrade", "downgrade", "valuation", "outlook"},
	Sentiment:    {"sentiment", "bullish", "bearish", "investors", "opinion", "social"},
	Intelligence: {"strategy", "competit", "acquisition", "partnership", "management", "market share"},
}

// domainQuality scores recognised financial sources; 0 means unknown.
var domainQuality = map[string]float64{
	"reuters.com": 1, "bloomberg.com": 1, "wsj.com": 1, "ft.com": 1, "sec.gov": 1,
	"nseindia.com": 1, "bseindia.com": 1, "cnbc.com": 0.9, "marketwatch.com": 0.9,
	"barrons.com": 0.9, "economictimes.indiatimes.com": 0.8, "moneycontrol.com": 0.8,
	"livemint.com": 0.8, "business-standard.com": 0.8, "finance.yahoo.com": 0.7,
	"seekingalpha.com": 0.7, "morningstar.com": 0.7, "investing.com": 0.6, "fool.com": 0.5,
}

// DomainQuality returns the quality weight of rawURL's host, matching
// parent domains ("www.reuters.com" → reuters.com).
func DomainQuality(rawURL string) float64 {
	host := hostOf(rawURL)
	for host != "" {
		if q, ok := domainQuality[host]; ok {
			return q
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return 0
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// relevant keeps results that mention an intent keyword, come from a
// quality domain, or are recent. Any one suffices.
func relevant(r Result, intent Intent, now time.Time, recent time.Duration) bool {
	text := strings.ToLower(r.Title + " " + r.Snippet + " " + r.URL)
	for _, kw := range intentKeywords[intent] {
		if strings.Contains(text, kw) {
			return true
		}
	}
	if DomainQuality(r.URL) > 0 {
		return true
	}
	return !r.PublishedAt.IsZero() && now.Sub(r.PublishedAt) <= recent
}

// score weighs keyword hits, symbol mentions and source quality.
func score(r Result, symbol string, intent Intent) float64 {
	text := strings.ToLower(r.Title + " " + r.Snippet)
	s := 0.0
	if symbol != "" && strings.Contains(text, strings.ToLower(symbol)) {
		s += 0.4
	}
	hits := 0
	for _, kw := range intentKeywords[intent] {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	s += min(0.4, float64(hits)*0.1)
	s += 0.2 * DomainQuality(r.URL)
	return s
}

// dedupe drops results sharing a URL or a title prefix, keeping the first.
func dedupe(in []Result) []Result {
	seenURL := map[string]bool{}
	seenTitle := map[string]bool{}
	out := in[:0:0]
	for _, r := range in {
		u := strings.TrimSuffix(strings.ToLower(r.URL), "/")
		t := strings.ToLower(strings.TrimSpace(r.Title))
		if len(t) > 50 {
			t = t[:50]
		}
		if seenURL[u] || (t != "" && seenTitle[t]) {
			continue
		}
		seenURL[u] = true
		if t != "" {
			seenTitle[t] = true
		}
		out = append(out, r)
	}
	return out
}

// rank sorts by score, then domain quality, then recency, all descending.
func rank(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		qa, qb := DomainQuality(a.URL), DomainQuality(b.URL)
		if qa != qb {
			return qa > qb
		}
		return a.PublishedAt.After(b.PublishedAt)
	})
}
