// CLAUDE:SUMMARY Multiplier tables driving refresh cadence: base minutes per asset class, volume/cap tiers, exchange and session factors.
package schedule

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hazyhaar/harvest/instrument"
)

// ErrInvalidTables is returned by Tables.Validate.
var ErrInvalidTables = errors.New("schedule: invalid tables")

// Tier applies Multiplier to values at or above Min.
type Tier struct {
	Min        float64 `yaml:"min" json:"min"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// Tables is the full, hot-reloadable multiplier configuration.
type Tables struct {
	BaseMinutes map[instrument.AssetClass]float64 `yaml:"base_minutes" json:"base_minutes"`

	// VolumeTiers are matched highest Min first. Volumes below every tier,
	// including unknown ones, get LowVolume.
	VolumeTiers []Tier  `yaml:"volume_tiers" json:"volume_tiers"`
	LowVolume   float64 `yaml:"low_volume" json:"low_volume"`

	// CapTiers are matched highest Min first. A positive cap below every
	// tier gets MicroCap; an unknown (zero) cap gets UnknownCap.
	CapTiers   []Tier  `yaml:"market_cap_tiers" json:"market_cap_tiers"`
	MicroCap   float64 `yaml:"micro_cap" json:"micro_cap"`
	UnknownCap float64 `yaml:"unknown_cap" json:"unknown_cap"`

	Exchanges       map[string]float64 `yaml:"exchanges" json:"exchanges"`
	DefaultExchange float64            `yaml:"default_exchange" json:"default_exchange"`

	Sessions           map[string]Session `yaml:"sessions" json:"sessions"`
	DefaultSession     string             `yaml:"default_session" json:"default_session"`
	SessionMultipliers map[Phase]float64  `yaml:"session_multipliers" json:"session_multipliers"`
}

// DefaultTables returns the stock cadence configuration.
func DefaultTables() Tables {
	return Tables{
		BaseMinutes: map[instrument.AssetClass]float64{
			instrument.Stock:      5,
			instrument.ETF:        15,
			instrument.MutualFund: 1440,
			instrument.Crypto:     3,
			instrument.Commodity:  30,
			instrument.Forex:      10,
			instrument.Bond:       240,
		},
		VolumeTiers: []Tier{
			{Min: 10_000_000, Multiplier: 0.5},
			{Min: 1_000_000, Multiplier: 0.8},
			{Min: 100_000, Multiplier: 1.0},
		},
		LowVolume: 2.0,
		CapTiers: []Tier{
			{Min: 10_000_000_000, Multiplier: 0.8},
			{Min: 2_000_000_000, Multiplier: 1.0},
			{Min: 300_000_000, Multiplier: 1.2},
		},
		MicroCap:   1.5,
		UnknownCap: 1.0,
		Exchanges: map[string]float64{
			"NASDAQ": 1.0,
			"NYSE":   1.0,
			"NSE":    1.1,
			"BSE":    1.3,
			"LSE":    1.1,
		},
		DefaultExchange:    1.0,
		Sessions:           DefaultSessions(),
		DefaultSession:     "NYSE",
		SessionMultipliers: map[Phase]float64{PreMarket: 1.5, Regular: 1.0, AfterHours: 1.3, Closed: 3.0},
	}
}

// Validate checks every table is usable and sorts tiers highest first.
func (t *Tables) Validate() error {
	for _, c := range instrument.AssetClasses {
		if t.BaseMinutes[c] <= 0 {
			return fmt.Errorf("%w: base minutes for %s must be > 0", ErrInvalidTables, c)
		}
	}
	for name, tiers := range map[string][]Tier{"volume": t.VolumeTiers, "market cap": t.CapTiers} {
		for _, tier := range tiers {
			if tier.Min < 0 || tier.Multiplier <= 0 {
				return fmt.Errorf("%w: %s tier %+v", ErrInvalidTables, name, tier)
			}
		}
	}
	for name, m := range map[string]float64{"low volume": t.LowVolume, "micro cap": t.MicroCap, "unknown cap": t.UnknownCap, "default exchange": t.DefaultExchange} {
		if m <= 0 {
			return fmt.Errorf("%w: %s multiplier must be > 0", ErrInvalidTables, name)
		}
	}
	for ex, m := range t.Exchanges {
		if m <= 0 {
			return fmt.Errorf("%w: exchange %s multiplier must be > 0", ErrInvalidTables, ex)
		}
	}
	for _, p := range Phases {
		if t.SessionMultipliers[p] <= 0 {
			return fmt.Errorf("%w: session multiplier for %s must be > 0", ErrInvalidTables, p)
		}
	}
	if _, ok := t.Sessions[strings.ToUpper(t.DefaultSession)]; !ok {
		return fmt.Errorf("%w: default session %q not defined", ErrInvalidTables, t.DefaultSession)
	}
	for name, s := range t.Sessions {
		if err := s.compile(); err != nil {
			return fmt.Errorf("%w: session %s: %v", ErrInvalidTables, name, err)
		}
		t.Sessions[name] = s
	}
	byMinDesc := func(a, b Tier) int {
		switch {
		case a.Min > b.Min:
			return -1
		case a.Min < b.Min:
			return 1
		}
		return 0
	}
	slices.SortFunc(t.VolumeTiers, byMinDesc)
	slices.SortFunc(t.CapTiers, byMinDesc)
	return nil
}

// VolumeMultiplier maps 24h volume to its tier multiplier.
func (t *Tables) VolumeMultiplier(v float64) float64 {
	for _, tier := range t.VolumeTiers {
		if v >= tier.Min {
			return tier.Multiplier
		}
	}
	return t.LowVolume
}

// MarketCapMultiplier maps market capitalisation to its tier multiplier.
func (t *Tables) MarketCapMultiplier(c float64) float64 {
	if c <= 0 {
		return t.UnknownCap
	}
	for _, tier := range t.CapTiers {
		if c >= tier.Min {
			return tier.Multiplier
		}
	}
	return t.MicroCap
}

// ExchangeMultiplier looks up the venue factor.
func (t *Tables) ExchangeMultiplier(exchange string) float64 {
	if m, ok := t.Exchanges[strings.ToUpper(exchange)]; ok {
		return m
	}
	return t.DefaultExchange
}

// Session returns the trading windows of an exchange, falling back to the
// default session for unknown venues.
func (t *Tables) Session(exchange string) Session {
	if s, ok := t.Sessions[strings.ToUpper(exchange)]; ok {
		return s
	}
	return t.Sessions[strings.ToUpper(t.DefaultSession)]
}

// Clone returns a deep copy safe to mutate.
func (t Tables) Clone() Tables {
	c := t
	c.BaseMinutes = maps.Clone(t.BaseMinutes)
	c.VolumeTiers = slices.Clone(t.VolumeTiers)
	c.CapTiers = slices.Clone(t.CapTiers)
	c.Exchanges = maps.Clone(t.Exchanges)
	c.Sessions = maps.Clone(t.Sessions)
	c.SessionMultipliers = maps.Clone(t.SessionMultipliers)
	return c
}
