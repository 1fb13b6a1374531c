package schedule

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

// Phase is the trading-session state of an exchange at an instant.
type Phase string

const (
	PreMarket  Phase = "pre_market"
	Regular    Phase = "regular"
	AfterHours Phase = "after_hours"
	Closed     Phase = "closed"
)

// Phases lists every session phase.
var Phases = []Phase{PreMarket, Regular, AfterHours, Closed}

// Session is the daily trading timetable of one exchange, in its local
// time zone. Times are "HH:MM". An AlwaysOpen session is in regular trading
// at every instant.
type Session struct {
	TZ         string   `yaml:"tz" json:"tz"`
	PreOpen    string   `yaml:"pre_open" json:"pre_open"`
	Open       string   `yaml:"open" json:"open"`
	Close      string   `yaml:"close" json:"close"`
	PostClose  string   `yaml:"post_close" json:"post_close"`
	Weekdays   []string `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`
	AlwaysOpen bool     `yaml:"always_open,omitempty" json:"always_open,omitempty"`

	loc                    *time.Location
	pre, open, close, post int
	days                   [7]bool
}

// DefaultSessions returns the built-in exchange timetables.
func DefaultSessions() map[string]Session {
	us := Session{TZ: "America/New_York", PreOpen: "04:00", Open: "09:30", Close: "16:00", PostClose: "20:00"}
	india := Session{TZ: "Asia/Kolkata", PreOpen: "09:00", Open: "09:15", Close: "15:30", PostClose: "16:00"}
	crypto := Session{TZ: "UTC", AlwaysOpen: true}
	out := map[string]Session{
		"NYSE":     us,
		"NASDAQ":   us,
		"NSE":      india,
		"BSE":      india,
		"LSE":      {TZ: "Europe/London", PreOpen: "07:00", Open: "08:00", Close: "16:30", PostClose: "17:15"},
		"CRYPTO":   crypto,
		"BINANCE":  crypto,
		"COINBASE": crypto,
	}
	for name, s := range out {
		if err := s.compile(); err != nil {
			panic(fmt.Sprintf("schedule: default session %s: %v", name, err))
		}
		out[name] = s
	}
	return out
}

var locations sync.Map // tz name → *time.Location

func loadLocation(name string) (*time.Location, error) {
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locations.Store(name, loc)
	return loc, nil
}

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

func (s *Session) compile() error {
	if s.TZ == "" {
		s.TZ = "UTC"
	}
	loc, err := loadLocation(s.TZ)
	if err != nil {
		return err
	}
	s.loc = loc
	if s.AlwaysOpen {
		return nil
	}
	for _, f := range []struct {
		raw string
		dst *int
	}{{s.PreOpen, &s.pre}, {s.Open, &s.open}, {s.Close, &s.close}, {s.PostClose, &s.post}} {
		m, err := parseHM(f.raw)
		if err != nil {
			return err
		}
		*f.dst = m
	}
	if !(s.pre <= s.open && s.open < s.close && s.close <= s.post) {
		return fmt.Errorf("windows out of order: %s %s %s %s", s.PreOpen, s.Open, s.Close, s.PostClose)
	}
	s.days = [7]bool{}
	if len(s.Weekdays) == 0 {
		for d := time.Monday; d <= time.Friday; d++ {
			s.days[d] = true
		}
		return nil
	}
	for _, name := range s.Weekdays {
		d, ok := weekdayNames[strings.ToUpper(name)[:min(3, len(name))]]
		if !ok {
			return fmt.Errorf("unknown weekday %q", name)
		}
		s.days[d] = true
	}
	return nil
}

func parseHM(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// PhaseAt returns the session phase at instant now.
func (s Session) PhaseAt(now time.Time) Phase {
	if s.loc == nil {
		if err := s.compile(); err != nil {
			return Closed
		}
	}
	if s.AlwaysOpen {
		return Regular
	}
	local := now.In(s.loc)
	if !s.days[local.Weekday()] {
		return Closed
	}
	m := local.Hour()*60 + local.Minute()
	switch {
	case m >= s.pre && m < s.open:
		return PreMarket
	case m >= s.open && m < s.close:
		return Regular
	case m >= s.close && m < s.post:
		return AfterHours
	}
	return Closed
}
