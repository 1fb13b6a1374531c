package task

import (
	"errors"
	"testing"

	"github.com/hazyhaar/harvest/instrument"
)

func TestForFrequency(t *testing.T) {
	cases := []struct {
		minutes int
		want    Type
	}{
		{1, LiveAnalysis}, {5, LiveAnalysis}, {6, InsightGeneration},
		{60, InsightGeneration}, {61, DocumentDiscovery}, {11232, DocumentDiscovery},
	}
	for _, c := range cases {
		if got := ForFrequency(c.minutes); got != c.want {
			t.Errorf("ForFrequency(%d) = %s, want %s", c.minutes, got, c.want)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{Type: LiveAnalysis, Symbol: "AAPL", Priority: instrument.High}
	if err := ok.Validate(); err != nil {
		t.Fatal(err)
	}
	scan := Request{Type: MarketScan, Priority: instrument.Low}
	if err := scan.Validate(); err != nil {
		t.Fatalf("market scan without symbol: %v", err)
	}

	bad := []struct {
		req  Request
		want error
	}{
		{Request{Type: "crawl", Symbol: "A", Priority: instrument.High}, ErrUnknownType},
		{Request{Type: LiveAnalysis, Symbol: "A", Priority: "URGENT"}, ErrInvalidPriority},
		{Request{Type: CompanyAnalysis, Priority: instrument.Medium}, ErrSymbolRequired},
		{Request{Type: CompanyAnalysis, Symbol: "  ", Priority: instrument.Medium}, ErrSymbolRequired},
	}
	for _, b := range bad {
		if err := b.req.Validate(); !errors.Is(err, b.want) {
			t.Errorf("Validate(%+v) = %v, want %v", b.req, err, b.want)
		}
	}
}
