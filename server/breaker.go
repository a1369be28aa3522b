package server

import (
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

// BreakerConfig mirrors the proxy's circuitBreaker.* configuration keys.
type BreakerConfig struct {
	Threshold int           // failures within Window before tripping
	Window    time.Duration // failure-counting window
	Cooldown  time.Duration // time before a tripped breaker allows a probe
}

type breakerState struct {
	failures  []time.Time
	openUntil time.Time
}

// Breaker is a per-statement-fingerprint circuit breaker: a bounded
// failure window that fails fast with CircuitOpen once a threshold is
// breached, until a cooldown elapses. A successful call resets the
// fingerprint's counters.
type Breaker struct {
	cfg BreakerConfig

	mu     sync.Mutex
	states map[string]*breakerState
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, states: make(map[string]*breakerState)}
}

// PreCheck fails fast with CircuitOpen if fingerprint's breaker is
// currently tripped.
func (b *Breaker) PreCheck(fingerprint string) error {
	if b.cfg.Threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[fingerprint]
	if !ok {
		return nil
	}
	if time.Now().Before(st.openUntil) {
		return wire.NewError(wire.KindCircuitOpen, "circuit open for statement, retry after %s", st.openUntil.Format(time.RFC3339))
	}
	return nil
}

// RecordSuccess resets fingerprint's failure window.
func (b *Breaker) RecordSuccess(fingerprint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, fingerprint)
}

// RecordFailure appends a failure timestamp and trips the breaker once
// Threshold failures fall within Window.
func (b *Breaker) RecordFailure(fingerprint string) {
	if b.cfg.Threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	st, ok := b.states[fingerprint]
	if !ok {
		st = &breakerState{}
		b.states[fingerprint] = st
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := st.failures[:0]
	for _, f := range st.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	st.failures = append(kept, now)

	if len(st.failures) >= b.cfg.Threshold {
		st.openUntil = now.Add(b.cfg.Cooldown)
	}
}
