package optimizer

import (
	"slices"
	"sync"
	"time"
)

// window is both the token bucket refill period and the sliding log span.
const window = time.Minute

// ProviderRateLimit is the quota bookkeeping of one provider.
type ProviderRateLimit struct {
	Provider          string    `json:"provider"`
	RequestsPerMinute int       `json:"requests_per_minute"`
	RequestsRemaining int       `json:"requests_remaining"`
	ResetTime         time.Time `json:"reset_time"`
}

type bucket struct {
	ProviderRateLimit
	// capacity takes effect at the next reset.
	capacity int
	// sent holds the send times inside the last window, oldest first.
	sent []time.Time
}

// limiter combines a fixed-window token bucket with a sliding log so that
// no rolling window ever attributes more than RequestsPerMinute sends to a
// provider, including across a bucket reset.
type limiter struct {
	mu      sync.Mutex
	order   []string
	buckets map[string]*bucket
	def     int
}

func newLimiter(defaultRPM int, limits map[string]int) *limiter {
	l := &limiter{buckets: make(map[string]*bucket), def: defaultRPM}
	l.configure(limits)
	return l
}

// configure sets capacities for the named providers. Known providers keep
// their current window and pick the new capacity up at the next reset.
func (l *limiter) configure(limits map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		rpm := max(1, limits[name])
		if b, ok := l.buckets[name]; ok {
			b.capacity = rpm
			continue
		}
		l.addLocked(name, rpm)
	}
}

func (l *limiter) addLocked(name string, rpm int) *bucket {
	b := &bucket{
		ProviderRateLimit: ProviderRateLimit{Provider: name, RequestsPerMinute: rpm, RequestsRemaining: rpm},
		capacity:          rpm,
	}
	l.buckets[name] = b
	l.order = append(l.order, name)
	return b
}

// ensure registers providers the limiter has not seen with the default
// capacity.
func (l *limiter) ensure(names []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range names {
		if _, ok := l.buckets[n]; !ok {
			l.addLocked(n, l.def)
		}
	}
}

// refill restores every bucket whose reset time has passed.
func (l *limiter) refill(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.buckets {
		if b.ResetTime.IsZero() || !now.Before(b.ResetTime) {
			b.RequestsPerMinute = b.capacity
			b.RequestsRemaining = b.capacity
			b.ResetTime = now.Add(window)
		}
	}
}

func (b *bucket) prune(now time.Time) {
	cut := 0
	for cut < len(b.sent) && !b.sent[cut].After(now.Add(-window)) {
		cut++
	}
	b.sent = b.sent[cut:]
}

func (b *bucket) open(now time.Time) bool {
	b.prune(now)
	return b.RequestsRemaining > 0 && len(b.sent) < b.RequestsPerMinute
}

// available returns providers that may send now, restricted to among when
// it is non-nil, in registration order.
func (l *limiter) available(now time.Time, among []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, name := range l.order {
		if among != nil && !slices.Contains(among, name) {
			continue
		}
		if l.buckets[name].open(now) {
			out = append(out, name)
		}
	}
	return out
}

// take consumes one token from provider. It reports false when the provider
// has no quota left.
func (l *limiter) take(provider string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[provider]
	if !ok || !b.open(now) {
		return false
	}
	b.RequestsRemaining--
	b.sent = append(b.sent, now)
	return true
}

// wait returns how long until the nearest provider can send again. It is
// zero when one already can.
func (l *limiter) wait(now time.Time, among []string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	best := time.Duration(-1)
	for _, name := range l.order {
		if among != nil && !slices.Contains(among, name) {
			continue
		}
		b := l.buckets[name]
		if b.open(now) {
			return 0
		}
		var d time.Duration
		if b.RequestsRemaining <= 0 {
			d = b.ResetTime.Sub(now)
		}
		if len(b.sent) >= b.RequestsPerMinute && len(b.sent) > 0 {
			// The slot frees once the oldest send leaves the window.
			idx := len(b.sent) - b.RequestsPerMinute
			d = max(d, b.sent[idx].Add(window).Sub(now))
		}
		if best < 0 || d < best {
			best = d
		}
	}
	return max(best, 0)
}

func (l *limiter) snapshot() []ProviderRateLimit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ProviderRateLimit, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.buckets[name].ProviderRateLimit)
	}
	return out
}
