package server

import (
	"context"
	"hash/fnv"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

// SlowQueryConfig mirrors the proxy's slowQuery.* configuration keys.
type SlowQueryConfig struct {
	Enabled                bool
	SlotPercentage         float64 // SlotBook.slowFraction
	SlowSlotTimeout        time.Duration
	FastSlotTimeout        time.Duration
	UpdateGlobalAvgInterval time.Duration
	SlowFactor             float64 // threshold multiplier against globalAvg
	FallbackAllowed        bool
}

// SlotBook partitions execution slots into fast and slow pools with a
// rolling-average latency classifier, using a channel-based semaphore
// pair instead of per-client token buckets.
type SlotBook struct {
	cfg SlowQueryConfig

	mu            sync.Mutex
	totalSlots    int
	fastSlots     int
	slowSlots     int
	fastSem       chan struct{}
	slowSem       chan struct{}
	perStmtAvg    map[string]time.Duration
	globalAvg     time.Duration
	globalSamples int64
}

func NewSlotBook(totalSlots int, cfg SlowQueryConfig) *SlotBook {
	b := &SlotBook{cfg: cfg, perStmtAvg: make(map[string]time.Duration)}
	b.resize(totalSlots)
	return b
}

// resize rebuilds the semaphores for a new totalSlots's
// invariant fastSlots+slowSlots=totalSlots, slowSlots=round(total*slowFraction),
// at least one of each when enabled.
func (b *SlotBook) resize(totalSlots int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if totalSlots < 1 {
		totalSlots = 1
	}
	b.totalSlots = totalSlots

	if !b.cfg.Enabled {
		b.fastSlots = totalSlots
		b.slowSlots = 0
		b.fastSem = make(chan struct{}, totalSlots)
		b.slowSem = make(chan struct{}, 0)
		return
	}

	slow := int(math.Round(float64(totalSlots) * b.cfg.SlotPercentage))
	if slow < 1 {
		slow = 1
	}
	if slow > totalSlots-1 {
		slow = totalSlots - 1
	}
	fast := totalSlots - slow
	if fast < 1 {
		fast = 1
	}

	b.fastSlots = fast
	b.slowSlots = slow
	b.fastSem = make(chan struct{}, fast)
	b.slowSem = make(chan struct{}, slow)
}

// Resize rebuilds the slot counts for a new total. The coordinator's
// resize notifications go to the pools only and do not call Resize, so a
// backend's SlotBook keeps the size it was built with.
func (b *SlotBook) Resize(totalSlots int) {
	b.resize(totalSlots)
}

func statementFingerprint(sql string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sql))
	return strconv.FormatUint(h.Sum64(), 16)
}

// classify decides fast or slow for this statement.
func (b *SlotBook) classify(fingerprint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return false
	}
	avg, ok := b.perStmtAvg[fingerprint]
	if !ok {
		return false // unseen statements start fast
	}
	threshold := time.Duration(float64(b.globalAvg) * b.cfg.SlowFactor)
	return avg > threshold
}

// Acquire reserves a slot for sql's fingerprint, blocking up to the
// relevant timeout. The returned release func must be called exactly once
// when the statement completes, with its observed latency.
func (b *SlotBook) Acquire(ctx context.Context, sqlText string) (release func(latency time.Duration), err error) {
	fingerprint := statementFingerprint(sqlText)
	wantSlow := b.classify(fingerprint)

	if !wantSlow {
		sem, timeout := b.fastSem, b.cfg.FastSlotTimeout
		select {
		case sem <- struct{}{}:
			return b.releaser(fingerprint, sem), nil
		default:
		}
		// Fast slot unavailable: fall back to a slow slot if allowed.
		// Never the reverse.
		if b.cfg.Enabled && b.cfg.FallbackAllowed {
			select {
			case b.slowSem <- struct{}{}:
				return b.releaser(fingerprint, b.slowSem), nil
			default:
			}
		}
		return b.waitFor(ctx, sem, timeout, fingerprint)
	}

	return b.waitFor(ctx, b.slowSem, b.cfg.SlowSlotTimeout, fingerprint)
}

func (b *SlotBook) waitFor(ctx context.Context, sem chan struct{}, timeout time.Duration, fingerprint string) (func(time.Duration), error) {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	select {
	case sem <- struct{}{}:
		return b.releaser(fingerprint, sem), nil
	case <-ctx.Done():
		return nil, wire.NewError(wire.KindDeadline, "slot acquisition interrupted: %v", ctx.Err())
	case <-time.After(time.Until(deadline)):
		return nil, wire.NewError(wire.KindPoolExhausted, "slot acquisition timed out for statement class")
	}
}

func (b *SlotBook) releaser(fingerprint string, sem chan struct{}) func(time.Duration) {
	return func(latency time.Duration) {
		<-sem
		b.updateAverages(fingerprint, latency)
	}
}

func (b *SlotBook) updateAverages(fingerprint string, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	const alpha = 0.2
	if prev, ok := b.perStmtAvg[fingerprint]; ok {
		b.perStmtAvg[fingerprint] = time.Duration(float64(prev)*(1-alpha) + float64(latency)*alpha)
	} else {
		b.perStmtAvg[fingerprint] = latency
	}

	b.globalSamples++
	b.globalAvg = time.Duration((float64(b.globalAvg)*float64(b.globalSamples-1) + float64(latency)) / float64(b.globalSamples))
}
