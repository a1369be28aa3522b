package server

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// StatsReporter periodically logs pool occupancy for every known backend, a
// structured replacement for ad-hoc stdout status printing.
type StatsReporter struct {
	node     *ProxyNode
	interval time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	started  bool
}

func NewStatsReporter(node *ProxyNode, interval time.Duration) *StatsReporter {
	return &StatsReporter{node: node, interval: interval, stopCh: make(chan struct{})}
}

func (r *StatsReporter) Start() {
	if r.interval <= 0 {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.logOnce()
			}
		}
	}()
}

func (r *StatsReporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	close(r.stopCh)
	r.started = false
}

func (r *StatsReporter) logOnce() {
	r.node.mu.Lock()
	backends := make(map[string]*backend, len(r.node.backends))
	for k, b := range r.node.backends {
		backends[k] = b
	}
	r.node.mu.Unlock()

	for connHash, b := range backends {
		numOpen, numIdle, maxSize := b.pool.Stats()
		xaOpen, xaIdle, xaMax := b.xaPool.Stats()
		labels := map[string]string{"connHash": connHash}
		r.node.Metrics.SetGauge("ojp_pool_open", float64(numOpen), labels)
		r.node.Metrics.SetGauge("ojp_pool_idle", float64(numIdle), labels)
		r.node.Metrics.SetGauge("ojp_xapool_open", float64(xaOpen), labels)
		log.WithFields(log.Fields{
			"connHash":   connHash,
			"poolOpen":   numOpen,
			"poolIdle":   numIdle,
			"poolMax":    maxSize,
			"xaPoolOpen": xaOpen,
			"xaPoolIdle": xaIdle,
			"xaPoolMax":  xaMax,
		}).Info("server: backend occupancy")
	}
}
