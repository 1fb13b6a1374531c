package instrument

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/dbopen"
)

func newCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c := NewSQLiteCatalog(dbopen.OpenMemory(t), nil)
	if err := c.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return c
}

func TestCatalog_UpsertAndList(t *testing.T) {
	// WHAT: Upserted instruments come back through ListActive and WithCharacteristics.
	// WHY: The scheduler snapshot is built from these two calls.
	c := newCatalog(t)
	ctx := context.Background()

	for _, s := range []MarketSignals{
		{Instrument: Instrument{Symbol: "aapl", AssetClass: Stock, Exchange: "nasdaq", Volume24h: 15e6, MarketCap: 3e12}, TrackingEnabled: true, Sector: "Tech"},
		{Instrument: Instrument{Symbol: "XYZFUND", AssetClass: MutualFund, Exchange: "BSE", MarketCap: 5e9}, TrackingEnabled: true},
		{Instrument: Instrument{Symbol: "OLD", AssetClass: Bond}, TrackingEnabled: false},
	} {
		if err := c.Upsert(ctx, s); err != nil {
			t.Fatalf("upsert %s: %v", s.Symbol, err)
		}
	}

	active, err := c.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("active: got %d, want 2", len(active))
	}
	if active[0].Symbol != "AAPL" || active[0].Exchange != "NASDAQ" {
		t.Errorf("normalisation: got %+v", active[0])
	}

	signals, err := c.WithCharacteristics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if signals[0].Sector != "Tech" || !signals[0].TrackingEnabled {
		t.Errorf("signals: got %+v", signals[0])
	}
}

func TestCatalog_PriorityInstruments(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()
	vols := map[string]float64{"A": 10, "B": 1000, "C": 100}
	for sym, v := range vols {
		c.Upsert(ctx, MarketSignals{Instrument: Instrument{Symbol: sym, AssetClass: Stock, Volume24h: v}, TrackingEnabled: true})
	}

	top, err := c.PriorityInstruments(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].Symbol != "B" || top[1].Symbol != "C" {
		t.Fatalf("priority order: got %+v", top)
	}
}

func TestCatalog_UpsertValidation(t *testing.T) {
	c := newCatalog(t)
	err := c.Upsert(context.Background(), MarketSignals{Instrument: Instrument{Symbol: "X", AssetClass: "SHARES"}})
	if !errors.Is(err, ErrUnknownAssetClass) {
		t.Fatalf("expected ErrUnknownAssetClass, got %v", err)
	}
	err = c.Upsert(context.Background(), MarketSignals{Instrument: Instrument{AssetClass: Stock}})
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestSearchSymbol(t *testing.T) {
	cases := map[string]string{"RELIANCE.NS": "RELIANCE", "tcs.bo": "TCS", "AAPL": "AAPL"}
	for in, want := range cases {
		if got := (Instrument{Symbol: in}).SearchSymbol(); got != want {
			t.Errorf("SearchSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if High.Rank() != 1 || Medium.Rank() != 5 || Low.Rank() != 10 {
		t.Fatal("unexpected ranks")
	}
	if Priority("URGENT").Valid() {
		t.Fatal("unknown priority must be invalid")
	}
}
