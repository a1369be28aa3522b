package client

import (
	"sync/atomic"

	"github.com/openjproxy/ojp/internal/wire"
)

// Selector picks a load-aware endpoint with round-robin tie-break: a
// round-robin cursor plus a per-request candidate set, advanced with a
// single atomic op so Pick is pure and non-blocking.
type Selector struct {
	loadAware bool
	cursor    uint64 // advanced via atomic ops; index is cursor % len(candidates)
}

func NewSelector(loadAware bool) *Selector {
	return &Selector{loadAware: loadAware}
}

// Pick implements the selection rule:
//  1. healthySet empty -> NoHealthyEndpoint.
//  2. load-aware: candidate set = argmin sessionCountByEndpoint.
//  3. tie-break via a monotonic cursor modulo candidate count.
//  4. load-aware disabled: plain round-robin over the full healthy set.
func (s *Selector) Pick(healthySet []Endpoint, sessionCountByEndpoint map[Endpoint]int) (Endpoint, error) {
	if len(healthySet) == 0 {
		return Endpoint{}, wire.NewError(wire.KindTransportUnavailable, "no healthy endpoint available")
	}

	candidates := healthySet
	if s.loadAware {
		min := sessionCountByEndpoint[healthySet[0]]
		for _, ep := range healthySet[1:] {
			if c := sessionCountByEndpoint[ep]; c < min {
				min = c
			}
		}
		candidates = candidates[:0:0]
		for _, ep := range healthySet {
			if sessionCountByEndpoint[ep] == min {
				candidates = append(candidates, ep)
			}
		}
	}

	idx := atomic.AddUint64(&s.cursor, 1) - 1
	return candidates[int(idx%uint64(len(candidates)))], nil
}
