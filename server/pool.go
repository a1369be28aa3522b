package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openjproxy/ojp/internal/wire"
)

// PooledSession is the unit Pool hands out: never exposed
// to more than one caller simultaneously; auto-commit/isolation are reset
// to defaults before reuse.
type PooledSession struct {
	Underlying *sql.Conn

	borrowedAt time.Time
	lastUsedAt time.Time
	createdAt  time.Time

	autoCommitResetNeeded bool
	isolationResetNeeded  bool

	borrowStack string // not populated: Pool performs no leak detection
}

// PoolConfig mirrors the proxy's connection.pool.* configuration keys.
type PoolConfig struct {
	MaximumPoolSize   int
	MinimumIdle       int
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	ConnectionTimeout time.Duration
	LeakDetection     time.Duration // not read by Pool; no leak detection runs
}

// Pool is a bounded connection pool keyed by connHash: a sync.Cond-guarded
// idle list with a background reaper, wrapping *sql.Conn handles borrowed
// from one *sql.DB (the go-sql-driver/mysql upstream).
type Pool struct {
	connHash string
	db       *sql.DB

	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*PooledSession
	numOpen  int
	draining bool

	cfg PoolConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPool(connHash string, db *sql.DB, cfg PoolConfig) *Pool {
	p := &Pool{connHash: connHash, db: db, cfg: cfg, stopCh: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetLimits is invoked by the multinode pool coordinator whenever the
// healthy-node count changes; applying the same limits twice is a no-op,
// and in-flight sessions are unaffected.
func (p *Pool) SetLimits(maxSize, minIdle int) {
	p.mu.Lock()
	p.cfg.MaximumPoolSize = maxSize
	p.cfg.MinimumIdle = minIdle
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Borrow waits up to cfg.ConnectionTimeout (or ctx's deadline, whichever is
// tighter) for a validated session.
func (p *Pool) Borrow(ctx context.Context) (*PooledSession, error) {
	deadline := time.Now().Add(p.cfg.ConnectionTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	// Wakes the cond.Wait() below once the deadline passes, since nothing
	// else would otherwise signal on a plain timeout.
	wakeCtx, cancelWake := context.WithDeadline(ctx, deadline)
	defer cancelWake()
	go func() {
		<-wakeCtx.Done()
		p.cond.Broadcast()
	}()

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, wire.NewError(wire.KindPoolExhausted, "pool %s is draining", p.connHash)
		}

		if len(p.idle) > 0 {
			s := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()

			if p.validate(ctx, s) {
				p.markBorrowed(s)
				return s, nil
			}
			p.closeSession(s)
			continue
		}

		if p.numOpen < p.cfg.MaximumPoolSize {
			p.numOpen++
			p.mu.Unlock()

			s, err := p.open(ctx)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				return nil, wire.NewError(wire.KindDatabase, "open upstream connection: %v", err)
			}
			p.markBorrowed(s)
			return s, nil
		}

		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, wire.NewError(wire.KindDeadline, "pool borrow interrupted: %v", err)
		}
		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			return nil, wire.NewError(wire.KindPoolExhausted, "pool %s exhausted (occupancy %d/%d)", p.connHash, p.numOpen, p.cfg.MaximumPoolSize)
		}

		p.cond.Wait() // reacquires p.mu before returning
		p.mu.Unlock()
	}
}

func (p *Pool) markBorrowed(s *PooledSession) {
	s.borrowedAt = time.Now()
	s.lastUsedAt = s.borrowedAt
}

func (p *Pool) open(ctx context.Context) (*PooledSession, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &PooledSession{Underlying: conn, createdAt: now, lastUsedAt: now}, nil
}

// validate does a best-effort, non-blocking liveness check and rejects
// sessions past maxLifetime/idleTimeout.
func (p *Pool) validate(ctx context.Context, s *PooledSession) bool {
	now := time.Now()
	if p.cfg.MaxLifetime > 0 && now.Sub(s.createdAt) > p.cfg.MaxLifetime {
		return false
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(s.lastUsedAt) > p.cfg.IdleTimeout {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return s.Underlying.PingContext(pingCtx) == nil
}

// Return restores default auto-commit/isolation (if needed) and either
// re-idles the session or ejects it.
func (p *Pool) Return(s *PooledSession, wasFaulty bool) {
	if wasFaulty {
		p.closeSession(s)
		return
	}

	if s.autoCommitResetNeeded || s.isolationResetNeeded {
		if err := p.resetDefaults(s); err != nil {
			log.Warnf("server: resetting defaults on return to pool %s: %v", p.connHash, err)
			p.closeSession(s)
			return
		}
	}
	s.lastUsedAt = time.Now()

	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) resetDefaults(s *PooledSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.autoCommitResetNeeded {
		if _, err := s.Underlying.ExecContext(ctx, "SET autocommit = 1"); err != nil {
			return fmt.Errorf("reset autocommit: %w", err)
		}
		s.autoCommitResetNeeded = false
	}
	if s.isolationResetNeeded {
		if _, err := s.Underlying.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
			return fmt.Errorf("reset isolation: %w", err)
		}
		s.isolationResetNeeded = false
	}
	return nil
}

func (p *Pool) closeSession(s *PooledSession) {
	_ = s.Underlying.Close()
	p.mu.Lock()
	p.numOpen--
	p.mu.Unlock()
	p.cond.Signal()
}

// StartReaper evicts idle sessions past idleTimeout/maxLifetime on a
// ticker, grounded on db-bouncer's reapLoop.
func (p *Pool) StartReaper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.reapIdle()
			}
		}
	}()
}

func (p *Pool) reapIdle() {
	now := time.Now()
	p.mu.Lock()
	kept := p.idle[:0]
	var evicted []*PooledSession
	for _, s := range p.idle {
		expired := (p.cfg.MaxLifetime > 0 && now.Sub(s.createdAt) > p.cfg.MaxLifetime) ||
			(p.cfg.IdleTimeout > 0 && now.Sub(s.lastUsedAt) > p.cfg.IdleTimeout)
		if expired && len(kept) >= p.cfg.MinimumIdle {
			evicted = append(evicted, s)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, s := range evicted {
		p.closeSession(s)
	}
}

// Drain stops accepting new borrows and closes idle sessions; it does not
// forcibly close sessions currently on loan.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, s := range idle {
		p.closeSession(s)
	}
	close(p.stopCh)
	p.wg.Wait()
}

// Stats reports current occupancy, used by monitoring.
func (p *Pool) Stats() (numOpen, numIdle, maxSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numOpen, len(p.idle), p.cfg.MaximumPoolSize
}
