package server

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newTestXAPool(t *testing.T, cfg XAPoolConfig) *XAPool {
	t.Helper()
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewXAPool("conn1", db, cfg)
}

// TestXAPoolBorrow_BlockedCallerWakesOnRelease exercises the XA pool's
// saturation-wait path the same way Pool.Borrow is exercised: a second
// Borrow blocks at MaxTotal=1 and must wake once Release runs, not panic or
// deadlock.
func TestXAPoolBorrow_BlockedCallerWakesOnRelease(t *testing.T) {
	p := newTestXAPool(t, XAPoolConfig{MaxTotal: 1, MinIdle: 0})

	s1, err := p.Borrow(context.Background())
	require.NoError(t, err)

	type borrowResult struct {
		s   *XABackendSession
		err error
	}
	resultCh := make(chan borrowResult, 1)
	go func() {
		s, err := p.Borrow(context.Background())
		resultCh <- borrowResult{s, err}
	}()

	select {
	case <-resultCh:
		t.Fatal("second Borrow returned before the xa pool had any capacity")
	case <-time.After(100 * time.Millisecond):
	}

	p.Release(s1)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.NotNil(t, res.s)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked XA Borrow never woke up after Release")
	}
}

// TestXAPoolBorrow_CtxCancelUnblocksWithoutPanicking exercises the
// ctx-cancellation branch of the same wait path with no Release ever
// arriving.
func TestXAPoolBorrow_CtxCancelUnblocksWithoutPanicking(t *testing.T) {
	p := newTestXAPool(t, XAPoolConfig{MaxTotal: 1, MinIdle: 0})

	_, err := p.Borrow(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Borrow(ctx)
	require.Error(t, err)
}
