package schedule

import (
	"fmt"
	"math"
	"time"

	"github.com/hazyhaar/harvest/instrument"
)

// Frequency is a computed refresh cadence together with the factors that
// produced it.
type Frequency struct {
	Minutes  int                 `json:"minutes"`
	Priority instrument.Priority `json:"priority"`
	Phase    Phase               `json:"phase"`

	Base      float64 `json:"base"`
	Volume    float64 `json:"volume"`
	MarketCap float64 `json:"market_cap"`
	Exchange  float64 `json:"exchange"`
	Session   float64 `json:"session"`
}

// Interval returns the cadence as a duration.
func (f Frequency) Interval() time.Duration { return time.Duration(f.Minutes) * time.Minute }

// PriorityFor derives the dispatch priority from a refresh interval.
func PriorityFor(minutes int) instrument.Priority {
	switch {
	case minutes <= 2:
		return instrument.High
	case minutes >= 60:
		return instrument.Low
	}
	return instrument.Medium
}

// Compute derives the refresh cadence of inst at instant now:
// round(base × volume × cap × exchange × session), at least one minute.
func (t *Tables) Compute(inst instrument.Instrument, now time.Time) (Frequency, error) {
	base, ok := t.BaseMinutes[inst.AssetClass]
	if !ok || base <= 0 {
		return Frequency{}, fmt.Errorf("%w: no base frequency for %q", ErrInvalidTables, inst.AssetClass)
	}
	phase := t.Session(inst.Exchange).PhaseAt(now)
	f := Frequency{
		Phase:     phase,
		Base:      base,
		Volume:    t.VolumeMultiplier(inst.Volume24h),
		MarketCap: t.MarketCapMultiplier(inst.MarketCap),
		Exchange:  t.ExchangeMultiplier(inst.Exchange),
		Session:   t.SessionMultipliers[phase],
	}
	if f.Session <= 0 {
		f.Session = 1
	}
	f.Minutes = max(1, int(math.Round(f.Base*f.Volume*f.MarketCap*f.Exchange*f.Session)))
	f.Priority = PriorityFor(f.Minutes)
	return f, nil
}
