package server

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp), sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	// Return(s1) re-idles the session, and the next Borrow validates it
	// with a ping before handing it back out.
	mock.ExpectPing().WillReturnError(nil)
	mock.ExpectPing().WillReturnError(nil)
	return NewPool("conn1", db, cfg)
}

// TestPoolBorrow_BlockedCallerWakesOnReturn exercises the saturation-wait
// path: with MaximumPoolSize=1, a second Borrow must block until the first
// session is Returned, then succeed rather than panicking or deadlocking.
func TestPoolBorrow_BlockedCallerWakesOnReturn(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaximumPoolSize: 1, MinimumIdle: 0, ConnectionTimeout: 2 * time.Second})

	s1, err := p.Borrow(context.Background())
	require.NoError(t, err)

	type borrowResult struct {
		s   *PooledSession
		err error
	}
	resultCh := make(chan borrowResult, 1)
	go func() {
		s, err := p.Borrow(context.Background())
		resultCh <- borrowResult{s, err}
	}()

	select {
	case <-resultCh:
		t.Fatal("second Borrow returned before the pool had any capacity")
	case <-time.After(100 * time.Millisecond):
	}

	p.Return(s1, false)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.NotNil(t, res.s)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Borrow never woke up after Return")
	}
}

// TestPoolBorrow_TimesOutWithoutPanicking exercises the exhaustion-timeout
// branch of the same wait path with no Return ever arriving.
func TestPoolBorrow_TimesOutWithoutPanicking(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaximumPoolSize: 1, MinimumIdle: 0, ConnectionTimeout: 50 * time.Millisecond})

	_, err := p.Borrow(context.Background())
	require.NoError(t, err)

	_, err = p.Borrow(context.Background())
	require.Error(t, err)
}
