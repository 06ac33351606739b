package broker

import (
	"sync"
	"time"

	"github.com/ItsAzM8/himmelblau/pkg/poll"
)

// backoffRegistry tracks consecutive authentication denials per principal
// and gates the next online attempt. Early failures impose an exponential
// delay; once the threshold is reached, the principal is locked out of
// online attempts for the full window. This protects both the provider
// (no hammering) and the account (credential-stuffing retries cannot
// trigger provider-side lockout).
type backoffRegistry struct {
	cfg       poll.Config
	threshold int
	window    time.Duration

	mu      sync.Mutex
	entries map[string]*backoffEntry
}

type backoffEntry struct {
	failures    int
	lastFailure time.Time
}

func newBackoffRegistry(cfg poll.Config, threshold int, window time.Duration) *backoffRegistry {
	return &backoffRegistry{
		cfg:       cfg,
		threshold: threshold,
		window:    window,
		entries:   make(map[string]*backoffEntry),
	}
}

// Blocked reports whether an online attempt for the principal is currently
// gated, and if so for how much longer.
func (b *backoffRegistry) Blocked(upn string, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[upn]
	if !ok || entry.failures == 0 {
		return false, 0
	}

	delay := b.cfg.Delay(entry.failures)
	if entry.failures >= b.threshold {
		delay = b.window
	}
	until := entry.lastFailure.Add(delay)
	if now.Before(until) {
		return true, until.Sub(now)
	}
	return false, 0
}

// RecordFailure increments the principal's consecutive-failure counter.
// Failures older than the window do not accumulate.
func (b *backoffRegistry) RecordFailure(upn string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[upn]
	if !ok {
		entry = &backoffEntry{}
		b.entries[upn] = entry
	}
	if now.Sub(entry.lastFailure) > b.window {
		entry.failures = 0
	}
	entry.failures++
	entry.lastFailure = now
}

// Reset clears the counter after a successful authentication.
func (b *backoffRegistry) Reset(upn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, upn)
}
