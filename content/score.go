package content

import (
	"strings"
	"time"
	"unicode"
)

// ContentType is the coarse kind of a document.
type ContentType string

const (
	TypeEarnings ContentType = "earnings"
	TypeFiling   ContentType = "filing"
	TypeAnalysis ContentType = "analysis"
	TypeNews     ContentType = "news"
	TypeOther    ContentType = "other"
)

// Scorer rates how relevant text is to symbol, in [0,1].
type Scorer interface {
	Relevance(text, symbol string) float64
}

// Classifier assigns a content type from title and body.
type Classifier interface {
	Classify(title, text string) ContentType
}

var financialKeywords = []string{
	"earnings", "revenue", "profit", "loss", "guidance", "dividend", "shares", "stock",
	"market", "investor", "analyst", "quarter", "fiscal", "growth", "margin", "valuation",
	"acquisition", "merger", "forecast", "outlook", "price target", "eps", "ebitda", "sales",
}

// KeywordScorer scores symbol and financial keyword density plus a length
// bonus.
type KeywordScorer struct{}

// Relevance is min(0.4, symbol mentions per 100 words × 0.1) +
// min(0.4, keyword hits per 100 words × 0.05) + 0.2 from 300 words
// (0.1 from 100), clamped to [0,1].
func (KeywordScorer) Relevance(text, symbol string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	sym := strings.ToUpper(symbol)
	mentions := 0
	for _, w := range words {
		w = strings.TrimSuffix(strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
		}), "'s")
		if sym != "" && strings.ToUpper(w) == sym {
			mentions++
		}
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range financialKeywords {
		hits += strings.Count(lower, kw)
	}
	per100 := 100 / float64(len(words))
	score := min(0.4, float64(mentions)*per100*0.1) + min(0.4, float64(hits)*per100*0.05)
	switch {
	case len(words) >= 300:
		score += 0.2
	case len(words) >= 100:
		score += 0.1
	}
	return max(0, min(1, score))
}

type typeRule struct {
	t        ContentType
	keywords []string
}

// Rules are checked in order; the type with the most hits wins and earlier
// rules win ties.
var typeRules = []typeRule{
	{TypeFiling, []string{"10-k", "10-q", "8-k", "annual report", "sec filing", "prospectus", "form 20-f", "regulatory filing", "disclosure"}},
	{TypeEarnings, []string{"earnings", "quarterly results", "eps", "revenue", "net income", "guidance", "earnings call"}},
	{TypeAnalysis, []string{"analyst", "price target", "rating", "upgrade", "downgrade", "valuation", "buy rating", "sell rating"}},
	{TypeNews, []string{"announced", "reported", "said", "news", "today", "according to"}},
}

// KeywordClassifier classifies by keyword counts.
type KeywordClassifier struct{}

// Classify returns TypeOther when no rule matches.
func (KeywordClassifier) Classify(title, text string) ContentType {
	s := strings.ToLower(title + " " + text)
	best, bestHits := TypeOther, 0
	for _, r := range typeRules {
		hits := 0
		for _, kw := range r.keywords {
			hits += strings.Count(s, kw)
		}
		if hits > bestHits {
			best, bestHits = r.t, hits
		}
	}
	return best
}

// Timeliness is 1.0 up to one day old, decays linearly to 0 at maxAge, and
// 0.5 when the date is unknown. Future dates count as fresh.
func Timeliness(published, now time.Time, maxAge time.Duration) float64 {
	if published.IsZero() {
		return 0.5
	}
	age := now.Sub(published)
	if age <= 24*time.Hour {
		return 1
	}
	if maxAge <= 24*time.Hour || age >= maxAge {
		return 0
	}
	return 1 - float64(age-24*time.Hour)/float64(maxAge-24*time.Hour)
}
