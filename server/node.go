package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"

	"github.com/openjproxy/ojp/internal/wire"
	"github.com/openjproxy/ojp/server/metrics"
)

// NodeConfig collects every per-connHash template this proxy instance
// applies the first time it sees a given upstream, plus the process-wide
// knobs (session lifecycle, slow-query segregation, circuit breaker).
type NodeConfig struct {
	Pool            PoolConfig
	XAPool          XAPoolConfig
	SlowQuery       SlowQueryConfig
	Breaker         BreakerConfig
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	ReaperInterval  time.Duration
	MaxXaTransactions int
	XAStartTimeout    time.Duration
}

// backend bundles every component scoped to one connHash.
type backend struct {
	db       *sql.DB
	pool     *Pool
	xaPool   *XAPool
	xaReg    *XARegistry
	slots    *SlotBook
	breaker  *Breaker
}

// ProxyNode is the top-level wiring context a running proxy instance owns:
// every component held as an explicit field rather than a package-level
// singleton, so tests can construct fresh, isolated nodes.
type ProxyNode struct {
	cfg NodeConfig

	Sessions    *SessionManager
	Coordinator *Coordinator
	Topology    *TopologyHandler
	Lobs        *LobRegistry
	Resources   *ResourceFacade
	Metrics     metrics.Sink

	mu       sync.Mutex
	backends map[string]*backend // keyed by connHash
}

// NewProxyNode builds an empty node; backends are created lazily, one per
// connHash, on that connHash's first connect. Metrics defaults to a no-op
// sink; call SetMetrics before Start to wire a real collector.
func NewProxyNode(cfg NodeConfig) *ProxyNode {
	n := &ProxyNode{
		cfg:         cfg,
		Coordinator: NewCoordinator(),
		Lobs:        NewLobRegistry(),
		Resources:   NewResourceFacade(),
		Metrics:     metrics.Noop{},
		backends:    make(map[string]*backend),
	}
	n.Topology = NewTopologyHandler(n.Coordinator)
	n.Sessions = NewSessionManager(cfg.SessionTimeout, cfg.CleanupInterval, n.releaseOrdinary, n.releaseXA)
	return n
}

// SetMetrics replaces the default no-op sink. Call before Start.
func (n *ProxyNode) SetMetrics(sink metrics.Sink) {
	n.Metrics = sink
}

func (n *ProxyNode) releaseOrdinary(connHash string, s *PooledSession, wasFaulty bool) {
	n.mu.Lock()
	b, ok := n.backends[connHash]
	n.mu.Unlock()
	if !ok {
		log.Warnf("server: releaseOrdinary for unknown connHash %s", connHash)
		return
	}
	b.pool.Return(s, wasFaulty)
}

func (n *ProxyNode) releaseXA(connHash string, s *XABackendSession) {
	n.mu.Lock()
	b, ok := n.backends[connHash]
	n.mu.Unlock()
	if !ok {
		log.Warnf("server: releaseXA for unknown connHash %s", connHash)
		return
	}
	b.xaReg.OnClientClosed(s)
}

// Backend returns (creating if necessary) the per-connHash component
// bundle, opening the upstream *sql.DB on first use.
func (n *ProxyNode) Backend(connHash, upstreamDSN string) (*backend, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if b, ok := n.backends[connHash]; ok {
		return b, nil
	}

	db, err := sql.Open("mysql", upstreamDSN)
	if err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "open upstream %s: %v", connHash, err)
	}

	pool := NewPool(connHash, db, n.cfg.Pool)
	pool.StartReaper(n.cfg.ReaperInterval)
	xaPool := NewXAPool(connHash, db, n.cfg.XAPool)
	xaReg := NewXARegistry(connHash, xaPool, n.cfg.MaxXaTransactions, n.cfg.XAStartTimeout)
	slots := NewSlotBook(n.cfg.Pool.MaximumPoolSize, n.cfg.SlowQuery)
	breaker := NewBreaker(n.cfg.Breaker)

	b := &backend{db: db, pool: pool, xaPool: xaPool, xaReg: xaReg, slots: slots, breaker: breaker}
	n.backends[connHash] = b

	n.Coordinator.Register(connHash+"/ordinary", n.cfg.Pool.MaximumPoolSize, n.cfg.Pool.MinimumIdle, poolListenerAdapter{pool})
	n.Coordinator.Register(connHash+"/xa", n.cfg.XAPool.MaxTotal, n.cfg.XAPool.MinIdle, poolListenerAdapter{xaPool})

	n.Metrics.SetGauge("ojp_backends_total", float64(len(n.backends)), nil)
	log.Infof("server: backend for connHash %s initialized", connHash)
	return b, nil
}

type poolListenerAdapter struct {
	target interface{ SetLimits(int, int) }
}

func (a poolListenerAdapter) SetLimits(maxSize, minIdle int) { a.target.SetLimits(maxSize, minIdle) }

// Start launches the session cleanup daemon. Each backend's pool reaper is
// started when Backend creates that backend.
func (n *ProxyNode) Start() {
	n.Sessions.StartCleanup()
}

// Shutdown stops the session cleanup daemon, then drains every known
// backend's ordinary pool and closes its upstream *sql.DB, bounded by ctx's
// deadline. XA pools are not drained.
func (n *ProxyNode) Shutdown(ctx context.Context) {
	n.Sessions.Stop()

	n.mu.Lock()
	backends := make([]*backend, 0, len(n.backends))
	for _, b := range n.backends {
		backends = append(backends, b)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, b := range backends {
			b.pool.Drain()
			_ = b.db.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("server: shutdown grace period exceeded, forcing exit")
	}
}
