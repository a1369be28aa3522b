package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

// XAState is the per-Xid state machine enforced by the transaction registry.
type XAState int

const (
	XAIdle XAState = iota
	XAStarted
	XAEnded
	XAPrepared
	XACompleted
)

func (s XAState) String() string {
	switch s {
	case XAIdle:
		return "IDLE"
	case XAStarted:
		return "STARTED"
	case XAEnded:
		return "ENDED"
	case XAPrepared:
		return "PREPARED"
	case XACompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// XABackendSession is the unit the XA pool hands out: an XA-capable handle
// reserved to one Xid from STARTED through COMPLETED and released only
// under the dual-condition rule the transaction registry enforces, not the
// caller.
type XABackendSession struct {
	Underlying *sql.Conn
	createdAt  time.Time

	mu                     sync.Mutex
	boundXid               *wire.Xid
	state                  XAState
	transactionComplete    bool
	clientConnectionClosed bool
}

// XAPoolConfig mirrors the proxy's xa.connection.pool.* configuration keys.
type XAPoolConfig struct {
	MaxTotal          int
	MinIdle           int
	MaxLifetime       time.Duration
	IdleBeforeRecycle time.Duration
}

// XAPool is a bounded-pool contract like Pool, specialized so that return
// is driven by the XA transaction registry rather than by the borrower.
type XAPool struct {
	connHash string
	db       *sql.DB

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*XABackendSession
	numOpen int

	cfg XAPoolConfig
}

func NewXAPool(connHash string, db *sql.DB, cfg XAPoolConfig) *XAPool {
	p := &XAPool{connHash: connHash, db: db, cfg: cfg}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *XAPool) SetLimits(maxTotal, minIdle int) {
	p.mu.Lock()
	p.cfg.MaxTotal = maxTotal
	p.cfg.MinIdle = minIdle
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Borrow hands out an idle session or opens a fresh one, up to MaxTotal.
func (p *XAPool) Borrow(ctx context.Context) (*XABackendSession, error) {
	// Wakes the cond.Wait() below on ctx cancellation, since nothing else
	// would otherwise signal when the caller simply gives up.
	go func() {
		<-ctx.Done()
		p.cond.Broadcast()
	}()

	for {
		p.mu.Lock()
		if len(p.idle) > 0 {
			s := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()
			return s, nil
		}
		if p.numOpen < p.cfg.MaxTotal {
			p.numOpen++
			p.mu.Unlock()
			conn, err := p.db.Conn(ctx)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				return nil, wire.NewError(wire.KindDatabase, "open xa backend connection: %v", err)
			}
			return &XABackendSession{Underlying: conn, createdAt: time.Now(), state: XAIdle}, nil
		}

		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, wire.NewError(wire.KindPoolExhausted, "xa pool %s exhausted: %v", p.connHash, err)
		}

		p.cond.Wait() // reacquires p.mu before returning
		p.mu.Unlock()
	}
}

// Release returns s to the idle list (or closes it past its lifetime).
// Only called by the XA registry, once the dual-condition release rule is
// satisfied.
func (p *XAPool) Release(s *XABackendSession) {
	s.mu.Lock()
	s.boundXid = nil
	s.state = XAIdle
	s.transactionComplete = false
	s.clientConnectionClosed = false
	s.mu.Unlock()

	if p.cfg.MaxLifetime > 0 && time.Since(s.createdAt) > p.cfg.MaxLifetime {
		_ = s.Underlying.Close()
		p.mu.Lock()
		p.numOpen--
		p.mu.Unlock()
		p.cond.Signal()
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *XAPool) Stats() (numOpen, numIdle, maxTotal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numOpen, len(p.idle), p.cfg.MaxTotal
}
