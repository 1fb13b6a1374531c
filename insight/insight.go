// Package insight is the contract with the external insight generator.
//
// The generator may be absent. Disabled reports ErrDisabled and callers
// substitute Placeholder, so a missing generator degrades a task instead of
// failing it.
package insight

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/search"
)

// ErrDisabled is returned by a generator that is not configured.
var ErrDisabled = errors.New("insight: generator disabled")

// ErrBadResponse is returned when the generator answers with an unusable body.
var ErrBadResponse = errors.New("insight: bad response")

// Request is the material handed to the generator.
type Request struct {
	Symbol        string           `json:"symbol"`
	Documents     []content.Result `json:"documents"`
	SearchResults []search.Result  `json:"search_results"`
	MarketContext map[string]any   `json:"market_context,omitempty"`
}

// Data is a generated insight set. Available is false on placeholders.
type Data struct {
	Symbol        string    `json:"symbol"`
	Summary       string    `json:"summary"`
	Sentiment     string    `json:"sentiment,omitempty"`
	KeyPoints     []string  `json:"key_points,omitempty"`
	Risks         []string  `json:"risks,omitempty"`
	Opportunities []string  `json:"opportunities,omitempty"`
	Confidence    float64   `json:"confidence"`
	Model         string    `json:"model,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
	Available     bool      `json:"available"`
	Reason        string    `json:"reason,omitempty"`
}

// Generator produces insights.
type Generator interface {
	GenerateInsights(ctx context.Context, req Request) (*Data, error)
	Enabled() bool
}

// Disabled is the generator used when none is configured.
type Disabled struct{}

func (Disabled) GenerateInsights(context.Context, Request) (*Data, error) { return nil, ErrDisabled }
func (Disabled) Enabled() bool                                            { return false }

// Placeholder is the degraded result standing in for missing insights.
func Placeholder(symbol, reason string, now time.Time) *Data {
	return &Data{Symbol: symbol, Summary: "insights unavailable", GeneratedAt: now, Reason: reason}
}
