// CLAUDE:SUMMARY Instrument data model (asset classes, priorities) and the catalog contract consumed by the scheduler.
// Package instrument defines tradable instruments and the read-only catalog
// the scheduler snapshots on every reconciliation pass.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AssetClass drives the base refresh cadence of an instrument.
type AssetClass string

const (
	Stock      AssetClass = "STOCK"
	ETF        AssetClass = "ETF"
	MutualFund AssetClass = "MUTUAL_FUND"
	Crypto     AssetClass = "CRYPTO"
	Commodity  AssetClass = "COMMODITY"
	Forex      AssetClass = "FOREX"
	Bond       AssetClass = "BOND"
)

// AssetClasses lists every known class, in declaration order.
var AssetClasses = []AssetClass{Stock, ETF, MutualFund, Crypto, Commodity, Forex, Bond}

// ErrUnknownAssetClass is returned when a catalog row carries an unsupported class.
var ErrUnknownAssetClass = errors.New("instrument: unknown asset class")

// ErrMissingField is returned when a required catalog field is empty.
var ErrMissingField = errors.New("instrument: missing required field")

// ParseAssetClass normalises s and checks it against the known classes.
func ParseAssetClass(s string) (AssetClass, error) {
	c := AssetClass(strings.ToUpper(strings.TrimSpace(s)))
	for _, k := range AssetClasses {
		if k == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAssetClass, s)
}

// Priority orders work across the pipeline.
type Priority string

const (
	High   Priority = "HIGH"
	Medium Priority = "MEDIUM"
	Low    Priority = "LOW"
)

// Rank maps a priority to its dispatch rank. Lower ranks dispatch first.
func (p Priority) Rank() int {
	switch p {
	case High:
		return 1
	case Medium:
		return 5
	case Low:
		return 10
	}
	return 0
}

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool { return p.Rank() != 0 }

// Instrument is one tradable symbol as owned by the external catalog.
type Instrument struct {
	Symbol      string     `json:"symbol"`
	Name        string     `json:"name,omitempty"`
	AssetClass  AssetClass `json:"asset_class"`
	Exchange    string     `json:"exchange"`
	Volume24h   float64    `json:"volume_24h"`
	MarketCap   float64    `json:"market_cap"`
	Volatility  float64    `json:"volatility"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Validate checks the fields the scheduler cannot work without.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("%w: symbol", ErrMissingField)
	}
	if _, err := ParseAssetClass(string(i.AssetClass)); err != nil {
		return err
	}
	return nil
}

// SearchSymbol strips Yahoo-style venue suffixes (".NS", ".BO") so queries
// use the ticker the press actually prints.
func (i Instrument) SearchSymbol() string {
	s := strings.ToUpper(i.Symbol)
	for _, suffix := range []string{".NS", ".BO", ".L", ".TO"} {
		if strings.HasSuffix(s, suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}

// MarketSignals is an instrument together with the market characteristics
// the catalog derives from recent quotes.
type MarketSignals struct {
	Instrument
	Sector          string  `json:"sector,omitempty"`
	AvgVolume30d    float64 `json:"avg_volume_30d"`
	PriceChangePct  float64 `json:"price_change_pct"`
	TrackingEnabled bool    `json:"tracking_enabled"`
}

// Catalog is the relational instrument catalog the core consumes.
type Catalog interface {
	ListActive(ctx context.Context) ([]Instrument, error)
	WithCharacteristics(ctx context.Context) ([]MarketSignals, error)
	PriorityInstruments(ctx context.Context, limit int) ([]Instrument, error)
}
