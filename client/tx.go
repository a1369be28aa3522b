package client

import (
	"context"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

// Tx implements database/sql/driver.Tx, dispatching commitTransaction /
// rollbackTransaction through the shared Dispatcher against the
// connection's already sticky-bound session.
type Tx struct {
	conn  *Conn
	mu    sync.Mutex
	state TxState
}

type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (ts TxState) String() string {
	switch ts {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxActive {
		return wire.NewError(wire.KindConfiguration, "transaction is not active (state: %s)", tx.state)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := tx.conn.dispatcher.Call(ctx, tx.conn.sessionID, wire.ReqCommitTransaction, nil, tx.conn.isXA, struct{}{}); err != nil {
		return err
	}
	tx.state = TxCommitted
	return nil
}

func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxActive {
		return wire.NewError(wire.KindConfiguration, "transaction is not active (state: %s)", tx.state)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := tx.conn.dispatcher.Call(ctx, tx.conn.sessionID, wire.ReqRollbackTransaction, nil, tx.conn.isXA, struct{}{}); err != nil {
		return err
	}
	tx.state = TxRolledBack
	return nil
}

func (tx *Tx) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == TxActive
}
