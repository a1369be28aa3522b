package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

type xidBinding struct {
	xid     wire.Xid
	session *XABackendSession
}

// XARegistry is the per-connHash Xid -> XABackendSession binding state
// machine: a mutex-guarded map enforcing the dual-condition release rule.
type XARegistry struct {
	connHash string
	pool     *XAPool

	mu               sync.Mutex
	bindings         map[string]*xidBinding
	maxTransactions  int
	startTimeout     time.Duration
	txnTimeoutByXid  map[string]time.Duration
}

func NewXARegistry(connHash string, pool *XAPool, maxTransactions int, startTimeout time.Duration) *XARegistry {
	return &XARegistry{
		connHash:        connHash,
		pool:            pool,
		bindings:        make(map[string]*xidBinding),
		maxTransactions: maxTransactions,
		startTimeout:    startTimeout,
		txnTimeoutByXid: make(map[string]time.Duration),
	}
}

// Start implements xaStart: NOFLAGS binds a freshly borrowed session;
// JOIN/RESUME attach to an existing bindingI.
func (r *XARegistry) Start(ctx context.Context, xid wire.Xid, flags int32) error {
	if err := xid.Validate(); err != nil {
		return err
	}
	key := xid.Key()

	if flags == 0 {
		r.mu.Lock()
		if _, exists := r.bindings[key]; exists {
			r.mu.Unlock()
			return wire.NewError(wire.KindXaProtocolViolation, "xid %s already bound", key)
		}
		if r.maxTransactions > 0 && len(r.bindings) >= r.maxTransactions {
			r.mu.Unlock()
			return wire.NewError(wire.KindPoolExhausted, "max xa transactions (%d) reached", r.maxTransactions)
		}
		r.mu.Unlock()

		startCtx := ctx
		if r.startTimeout > 0 {
			var cancel context.CancelFunc
			startCtx, cancel = context.WithTimeout(ctx, r.startTimeout)
			defer cancel()
		}
		session, err := r.pool.Borrow(startCtx)
		if err != nil {
			return err
		}

		if _, err := session.Underlying.ExecContext(ctx, fmt.Sprintf("XA START %s", xid.SQLLiteral())); err != nil {
			r.pool.Release(session)
			return wire.NewError(wire.KindDatabase, "xa start: %v", err)
		}

		session.mu.Lock()
		session.boundXid = &xid
		session.state = XAStarted
		session.mu.Unlock()

		r.mu.Lock()
		r.bindings[key] = &xidBinding{xid: xid, session: session}
		r.mu.Unlock()
		return nil
	}

	// JOIN or RESUME: must attach to an existing binding.
	r.mu.Lock()
	b, exists := r.bindings[key]
	r.mu.Unlock()
	if !exists {
		return wire.NewError(wire.KindXaProtocolViolation, "xid %s not found for join/resume", key)
	}

	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	switch {
	case flags&wireJoinFlag != 0 && b.session.state == XAStarted:
		return nil
	case flags&wireResumeFlag != 0 && b.session.state == XAEnded:
		b.session.state = XAStarted
		return nil
	default:
		return wire.NewError(wire.KindXaProtocolViolation, "xid %s not in a joinable/resumable state (%s)", key, b.session.state)
	}
}

// wireJoinFlag/wireResumeFlag duplicate client.XAJoin/client.XAResume's
// numeric values so the server need not import the client package.
const (
	wireJoinFlag   int32 = 1 << 21
	wireResumeFlag int32 = 1 << 3
)

func (r *XARegistry) binding(key string) (*xidBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[key]
	if !ok {
		return nil, wire.NewError(wire.KindXaProtocolViolation, "unknown xid %s", key)
	}
	return b, nil
}

func (r *XARegistry) End(ctx context.Context, xid wire.Xid, flags int32) error {
	b, err := r.binding(xid.Key())
	if err != nil {
		return err
	}
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	if b.session.state != XAStarted {
		return wire.NewError(wire.KindXaProtocolViolation, "xid %s end from state %s", xid.Key(), b.session.state)
	}

	suffix := "SUCCESS"
	if flags&wireFailFlag != 0 {
		suffix = "FAIL"
	}
	if _, err := b.session.Underlying.ExecContext(ctx, fmt.Sprintf("XA END %s %s", xid.SQLLiteral(), suffix)); err != nil {
		return wire.NewError(wire.KindDatabase, "xa end: %v", err)
	}
	b.session.state = XAEnded

	if suffix == "FAIL" {
		return r.rollbackLocked(ctx, b)
	}
	return nil
}

const wireFailFlag int32 = 1 << 29

func (r *XARegistry) Prepare(ctx context.Context, xid wire.Xid) (int32, error) {
	b, err := r.binding(xid.Key())
	if err != nil {
		return 0, err
	}
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	if b.session.state != XAEnded {
		return 0, wire.NewError(wire.KindXaProtocolViolation, "xid %s prepare from state %s", xid.Key(), b.session.state)
	}
	if _, err := b.session.Underlying.ExecContext(ctx, fmt.Sprintf("XA PREPARE %s", xid.SQLLiteral())); err != nil {
		return 0, wire.NewError(wire.KindDatabase, "xa prepare: %v", err)
	}
	b.session.state = XAPrepared
	return 0, nil // XA_OK
}

func (r *XARegistry) Commit(ctx context.Context, xid wire.Xid, onePhase bool) error {
	b, err := r.binding(xid.Key())
	if err != nil {
		return err
	}
	b.session.mu.Lock()
	if onePhase {
		if b.session.state != XAEnded {
			b.session.mu.Unlock()
			return wire.NewError(wire.KindXaProtocolViolation, "xid %s one-phase commit from state %s", xid.Key(), b.session.state)
		}
		_, err = b.session.Underlying.ExecContext(ctx, fmt.Sprintf("XA COMMIT %s ONE PHASE", xid.SQLLiteral()))
	} else {
		if b.session.state != XAPrepared {
			b.session.mu.Unlock()
			return wire.NewError(wire.KindXaProtocolViolation, "xid %s two-phase commit from state %s", xid.Key(), b.session.state)
		}
		_, err = b.session.Underlying.ExecContext(ctx, fmt.Sprintf("XA COMMIT %s", xid.SQLLiteral()))
	}
	if err != nil {
		b.session.mu.Unlock()
		return wire.NewError(wire.KindDatabase, "xa commit: %v", err)
	}
	b.session.state = XACompleted
	b.session.transactionComplete = true
	b.session.mu.Unlock()

	r.tryRelease(xid.Key())
	return nil
}

func (r *XARegistry) Rollback(ctx context.Context, xid wire.Xid) error {
	b, err := r.binding(xid.Key())
	if err != nil {
		return err
	}
	b.session.mu.Lock()
	err = r.rollbackLocked(ctx, b)
	b.session.mu.Unlock()
	if err != nil {
		return err
	}
	r.tryRelease(xid.Key())
	return nil
}

// rollbackLocked assumes b.session.mu is already held.
func (r *XARegistry) rollbackLocked(ctx context.Context, b *xidBinding) error {
	if b.session.state != XAEnded && b.session.state != XAPrepared {
		return wire.NewError(wire.KindXaProtocolViolation, "xid %s rollback from state %s", b.xid.Key(), b.session.state)
	}
	if _, err := b.session.Underlying.ExecContext(ctx, fmt.Sprintf("XA ROLLBACK %s", b.xid.SQLLiteral())); err != nil {
		return wire.NewError(wire.KindDatabase, "xa rollback: %v", err)
	}
	b.session.state = XACompleted
	b.session.transactionComplete = true
	return nil
}

// tryRelease implements the dual-condition release rule: the session
// returns to H only once the transaction is complete AND the client
// connection has closed.
func (r *XARegistry) tryRelease(key string) {
	r.mu.Lock()
	b, ok := r.bindings[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	b.session.mu.Lock()
	ready := b.session.transactionComplete && b.session.clientConnectionClosed
	b.session.mu.Unlock()
	if !ready {
		return
	}

	r.mu.Lock()
	delete(r.bindings, key)
	r.mu.Unlock()

	r.pool.Release(b.session)
}

// OnClientClosed marks a session's client handle closed and attempts
// release, called from SessionManager.Terminate for XA sessions.
func (r *XARegistry) OnClientClosed(s *XABackendSession) {
	s.mu.Lock()
	s.clientConnectionClosed = true
	key := ""
	if s.boundXid != nil {
		key = s.boundXid.Key()
	}
	s.mu.Unlock()

	if key != "" {
		r.tryRelease(key)
	} else {
		r.pool.Release(s)
	}
}

func (r *XARegistry) Forget(xid wire.Xid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[xid.Key()]; !ok {
		return wire.NewError(wire.KindXaProtocolViolation, "forget: unknown xid %s", xid.Key())
	}
	delete(r.bindings, xid.Key())
	return nil
}

// Recover aggregates Xids currently PREPARED, as known locally — there is
// no persisted state at the proxy , so a restart loses this
// view, same as every other in-memory structure here.
func (r *XARegistry) Recover() []wire.Xid {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.Xid
	for _, b := range r.bindings {
		b.session.mu.Lock()
		prepared := b.session.state == XAPrepared
		b.session.mu.Unlock()
		if prepared {
			out = append(out, b.xid)
		}
	}
	return out
}

func (r *XARegistry) SetTransactionTimeout(xid wire.Xid, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txnTimeoutByXid[xid.Key()] = d
}

func (r *XARegistry) GetTransactionTimeout(xid wire.Xid) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txnTimeoutByXid[xid.Key()]
}
