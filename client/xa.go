package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

// XA flag values wired over the protocol; their numeric identity only needs
// to match the server's wireJoinFlag/wireResumeFlag (server/xaregistry.go),
// which is all that's required to round-trip them to the proxy, which issues
// the equivalent MySQL XA SQL flag.
const (
	XANoFlags  int32 = 0
	XAJoin     int32 = 1 << 21
	XAResume   int32 = 1 << 3
	XASuccess  int32 = 1 << 26
	XAFail     int32 = 1 << 29
	XAOnePhase int32 = 1 << 30
)

// XA exposes the xa* wire family against the connection's bound session.
// A *Conn is usable as a normal database/sql
// connection and, when wantsXA was set at connect time, also as an XA
// resource manager handle via this accessor.
type XA struct {
	conn *Conn
}

func (c *Conn) XA() *XA {
	return &XA{conn: c}
}

func (x *XA) call(ctx context.Context, reqType wire.RequestType, xid wire.Xid, flags int32, onePhase bool, timeoutSec int32) (*wire.XAResponse, error) {
	req := wire.XARequest{Xid: xid, Flags: flags, OnePhase: onePhase, TimeoutSec: timeoutSec}
	info := &wire.TransactionInfo{Xid: &xid, XAFlags: flags}
	resp, err := x.conn.dispatcher.Call(ctx, x.conn.sessionID, reqType, info, true, req)
	if err != nil {
		return nil, err
	}
	var out wire.XAResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode %s response: %v", reqType, err)
	}
	return &out, nil
}

func (x *XA) Start(ctx context.Context, xid wire.Xid, flags int32) error {
	_, err := x.call(ctx, wire.ReqXAStart, xid, flags, false, 0)
	return err
}

func (x *XA) End(ctx context.Context, xid wire.Xid, flags int32) error {
	_, err := x.call(ctx, wire.ReqXAEnd, xid, flags, false, 0)
	return err
}

func (x *XA) Prepare(ctx context.Context, xid wire.Xid) (int32, error) {
	resp, err := x.call(ctx, wire.ReqXAPrepare, xid, 0, false, 0)
	if err != nil {
		return 0, err
	}
	return resp.ReturnCode, nil
}

func (x *XA) Commit(ctx context.Context, xid wire.Xid, onePhase bool) error {
	_, err := x.call(ctx, wire.ReqXACommit, xid, 0, onePhase, 0)
	return err
}

func (x *XA) Rollback(ctx context.Context, xid wire.Xid) error {
	_, err := x.call(ctx, wire.ReqXARollback, xid, 0, false, 0)
	return err
}

func (x *XA) Forget(ctx context.Context, xid wire.Xid) error {
	_, err := x.call(ctx, wire.ReqXAForget, xid, 0, false, 0)
	return err
}

func (x *XA) Recover(ctx context.Context, flag int32) ([]wire.Xid, error) {
	req := wire.XARequest{Flags: flag}
	resp, err := x.conn.dispatcher.Call(ctx, x.conn.sessionID, wire.ReqXARecover, nil, true, req)
	if err != nil {
		return nil, err
	}
	var out wire.XARecoverResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode xaRecover response: %v", err)
	}
	return out.Xids, nil
}

func (x *XA) SetTransactionTimeout(ctx context.Context, xid wire.Xid, d time.Duration) error {
	_, err := x.call(ctx, wire.ReqXASetTransactionTime, xid, 0, false, int32(d.Seconds()))
	return err
}

func (x *XA) GetTransactionTimeout(ctx context.Context, xid wire.Xid) (time.Duration, error) {
	resp, err := x.call(ctx, wire.ReqXAGetTransactionTime, xid, 0, false, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(resp.TimeoutSec) * time.Second, nil
}

func (x *XA) IsSameRM(ctx context.Context, other *XA) (bool, error) {
	resp, err := x.call(ctx, wire.ReqXAIsSameRM, wire.Xid{}, 0, false, 0)
	if err != nil {
		return false, err
	}
	return resp.SameRM, nil
}
