package sources

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	quarantineAfter    = 2               // 429s within the window before quarantine
	quarantineWindow   = time.Minute     //
	quarantineDuration = 5 * time.Minute //
)

type providerEntry struct {
	limiter          *rate.Limiter
	recent429s       []time.Time
	quarantinedUntil time.Time
}

// Health tracks per-provider rate-limit state shared across the coordinator
// chains: request throttling plus quarantine of providers that keep 429ing.
type Health struct {
	mu        sync.Mutex
	providers map[string]*providerEntry

	defaultRPS int
	overrides  map[string]int // rpc.per_provider_rate_limit
	now        func() time.Time
}

func NewHealth(defaultRPS int, overrides map[string]int) *Health {
	if defaultRPS <= 0 {
		defaultRPS = 5
	}
	return &Health{
		providers:  make(map[string]*providerEntry),
		defaultRPS: defaultRPS,
		overrides:  overrides,
		now:        time.Now,
	}
}

func (h *Health) entry(provider string) *providerEntry {
	e, ok := h.providers[provider]
	if !ok {
		rps := h.defaultRPS
		if v, ok := h.overrides[provider]; ok && v > 0 {
			rps = v
		}
		e = &providerEntry{limiter: rate.NewLimiter(rate.Limit(rps), rps)}
		h.providers[provider] = e
	}
	return e
}

// Allow reports whether the provider may be called right now. Quarantined
// providers are skipped outright.
func (h *Health) Allow(provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(provider)
	if h.now().Before(e.quarantinedUntil) {
		return false
	}
	return e.limiter.Allow()
}

// RecordRateLimit notes a 429. Two within a minute quarantines the provider
// for five minutes.
func (h *Health) RecordRateLimit(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	e := h.entry(provider)

	kept := e.recent429s[:0]
	for _, ts := range e.recent429s {
		if now.Sub(ts) < quarantineWindow {
			kept = append(kept, ts)
		}
	}
	e.recent429s = append(kept, now)

	if len(e.recent429s) >= quarantineAfter {
		e.quarantinedUntil = now.Add(quarantineDuration)
		e.recent429s = e.recent429s[:0]
	}
}

// Quarantined reports whether the provider is currently benched.
func (h *Health) Quarantined(provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Before(h.entry(provider).quarantinedUntil)
}
