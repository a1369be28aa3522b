package server

import (
	"sync"

	"github.com/openjproxy/ojp/internal/wire"
)

// TopologyHandler watches the cluster-health view piggybacked on each
// incoming request and, on any change in the healthy-endpoint count,
// pushes the new count to the pool coordinator. Rebalance is
// non-destructive: in-flight work keeps its slot, new borrows see the new
// cap.
type TopologyHandler struct {
	coordinator *Coordinator

	mu          sync.Mutex
	lastHealthy int
	seenFirst   bool
}

func NewTopologyHandler(coordinator *Coordinator) *TopologyHandler {
	return &TopologyHandler{coordinator: coordinator}
}

// Observe is called once per request with the requester's reported
// cluster-health view. A connHash's first health report is always treated
// as a change, since it is the only available signal after a proxy
// restart (there is no persisted topology).
func (t *TopologyHandler) Observe(view wire.ClusterHealthView) {
	healthy := 0
	for _, e := range view.Entries {
		if e.Status == wire.StatusUp {
			healthy++
		}
	}
	if len(view.Entries) == 0 {
		return
	}

	t.mu.Lock()
	changed := !t.seenFirst || healthy != t.lastHealthy
	t.lastHealthy = healthy
	t.seenFirst = true
	t.mu.Unlock()

	if changed {
		t.coordinator.UpdateHealthyServers(healthy)
	}
}
