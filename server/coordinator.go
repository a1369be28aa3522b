package server

import (
	"math"
	"sync"
)

// PoolAllocation is a per-(connHash, pool-kind) allocation record.
type PoolAllocation struct {
	ConfiguredMax      int
	ConfiguredMinIdle  int
	CurrentMax         int
	CurrentMinIdle     int
	HealthyNodeCount   int
}

// PoolListener receives resize notifications from the coordinator. Pool
// and XAPool (via XARegistry) both implement this.
type PoolListener interface {
	SetLimits(maxSize, minIdle int)
}

// Coordinator divides a global pool budget across the currently healthy
// proxy nodes, following the rule
// currentMax = ceil(configMax / max(1, healthyNodeCount)), pushing resizes
// to registered listeners whenever the healthy node count changes.
type Coordinator struct {
	mu          sync.Mutex
	allocations map[string]*PoolAllocation // keyed by connHash + pool-kind
	listeners   map[string][]PoolListener
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		allocations: make(map[string]*PoolAllocation),
		listeners:   make(map[string][]PoolListener),
	}
}

// Calculate implements the ceil-division rule directly.
func Calculate(configMax, configMinIdle, healthyNodeCount int) (currentMax, currentMinIdle int) {
	n := healthyNodeCount
	if n < 1 {
		n = 1
	}
	currentMax = int(math.Ceil(float64(configMax) / float64(n)))
	currentMinIdle = int(math.Ceil(float64(configMinIdle) / float64(n)))
	return
}

// Register declares the configured budget for one (connHash, poolKind) and
// attaches the listener that applies future resizes.
func (c *Coordinator) Register(key string, configMax, configMinIdle int, listener PoolListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocations[key] = &PoolAllocation{ConfiguredMax: configMax, ConfiguredMinIdle: configMinIdle, HealthyNodeCount: 1}
	c.listeners[key] = append(c.listeners[key], listener)
	max, minIdle := Calculate(configMax, configMinIdle, 1)
	c.allocations[key].CurrentMax = max
	c.allocations[key].CurrentMinIdle = minIdle
	listener.SetLimits(max, minIdle)
}

// UpdateHealthyServers recomputes every known allocation for the new
// healthy-node count and pushes idempotent resizes to listeners.
func (c *Coordinator) UpdateHealthyServers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, alloc := range c.allocations {
		if alloc.HealthyNodeCount == n {
			continue
		}
		alloc.HealthyNodeCount = n
		max, minIdle := Calculate(alloc.ConfiguredMax, alloc.ConfiguredMinIdle, n)
		if max == alloc.CurrentMax && minIdle == alloc.CurrentMinIdle {
			continue
		}
		alloc.CurrentMax = max
		alloc.CurrentMinIdle = minIdle
		for _, l := range c.listeners[key] {
			l.SetLimits(max, minIdle)
		}
	}
}

func (c *Coordinator) Allocation(key string) (PoolAllocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.allocations[key]
	if !ok {
		return PoolAllocation{}, false
	}
	return *a, true
}
