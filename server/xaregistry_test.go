package server

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/openjproxy/ojp/internal/wire"
)

func newTestXARegistry(t *testing.T) (*XARegistry, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := NewXAPool("test-conn", db, XAPoolConfig{MaxTotal: 5, MinIdle: 0})
	reg := NewXARegistry("test-conn", pool, 5, time.Second)
	return reg, mock, db
}

func testXid() wire.Xid {
	return wire.Xid{FormatID: 1, GlobalTxnID: []byte("gtrid1"), BranchQualifier: []byte("bqual1")}
}

func TestXARegistry_FullTwoPhaseLifecycle(t *testing.T) {
	reg, mock, _ := newTestXARegistry(t)
	xid := testXid()

	mock.ExpectExec("XA START").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Start(context.Background(), xid, 0))

	mock.ExpectExec("XA END").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.End(context.Background(), xid, 0))

	mock.ExpectExec("XA PREPARE").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := reg.Prepare(context.Background(), xid)
	require.NoError(t, err)

	mock.ExpectExec("XA COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Commit(context.Background(), xid, false))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestXARegistry_Start_RejectsDuplicateXid(t *testing.T) {
	reg, mock, _ := newTestXARegistry(t)
	xid := testXid()

	mock.ExpectExec("XA START").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Start(context.Background(), xid, 0))

	err := reg.Start(context.Background(), xid, 0)
	require.Error(t, err)
	var werr *wire.WireError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, wire.KindXaProtocolViolation, werr.Kind)
}

func TestXARegistry_Commit_RejectsOutOfOrderState(t *testing.T) {
	reg, mock, _ := newTestXARegistry(t)
	xid := testXid()

	mock.ExpectExec("XA START").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Start(context.Background(), xid, 0))

	// two-phase commit attempted without End+Prepare first.
	err := reg.Commit(context.Background(), xid, false)
	require.Error(t, err)
	var werr *wire.WireError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, wire.KindXaProtocolViolation, werr.Kind)
}

func TestXARegistry_OnePhaseCommit_SkipsPrepare(t *testing.T) {
	reg, mock, _ := newTestXARegistry(t)
	xid := testXid()

	mock.ExpectExec("XA START").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Start(context.Background(), xid, 0))

	mock.ExpectExec("XA END").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.End(context.Background(), xid, 0))

	mock.ExpectExec("XA COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Commit(context.Background(), xid, true))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestXARegistry_DualConditionRelease_RequiresBothConditions(t *testing.T) {
	reg, mock, _ := newTestXARegistry(t)
	xid := testXid()

	mock.ExpectExec("XA START").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Start(context.Background(), xid, 0))

	mock.ExpectExec("XA END").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.End(context.Background(), xid, 0))

	mock.ExpectExec("XA ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Rollback(context.Background(), xid))

	// transactionComplete is now true, but the client hasn't closed yet:
	// the binding must still be present (not released back to the pool).
	_, err := reg.binding(xid.Key())
	require.NoError(t, err, "binding should still exist until the client connection also closes")
}

func TestXARegistry_Recover_OnlyReturnsPreparedXids(t *testing.T) {
	reg, mock, _ := newTestXARegistry(t)
	xid := testXid()

	mock.ExpectExec("XA START").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.Start(context.Background(), xid, 0))
	require.Empty(t, reg.Recover())

	mock.ExpectExec("XA END").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, reg.End(context.Background(), xid, 0))

	mock.ExpectExec("XA PREPARE").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := reg.Prepare(context.Background(), xid)
	require.NoError(t, err)

	prepared := reg.Recover()
	require.Len(t, prepared, 1)
	require.Equal(t, xid.Key(), prepared[0].Key())
}

func TestXARegistry_TransactionTimeout_RoundTrips(t *testing.T) {
	reg, _, _ := newTestXARegistry(t)
	xid := testXid()

	require.Equal(t, time.Duration(0), reg.GetTransactionTimeout(xid))
	reg.SetTransactionTimeout(xid, 30*time.Second)
	require.Equal(t, 30*time.Second, reg.GetTransactionTimeout(xid))
}
