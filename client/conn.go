package client

import (
	"context"
	"database/sql/driver"
	"encoding/json"

	"github.com/openjproxy/ojp/internal/wire"
)

// Conn implements database/sql/driver.Conn. It is the client-facing handle
// for one logical session: a SessionID sticky-bound to one endpoint,
// mirroring the server's ClientSession, fronting the shared Dispatcher.
type Conn struct {
	connMgr    *ConnectionManager
	registry   *Registry
	sessions   *SessionTracker
	dispatcher *Dispatcher
	upstream   string

	sessionID SessionID
	isXA      bool
	closed    bool
}

func (c *Conn) connect() (*wire.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*defaultTimeoutUnit)
	defer cancel()

	details := wire.ConnectionDetails{UpstreamDS: c.upstream}
	resp, err := c.dispatcher.Call(ctx, "", wire.ReqConnect, nil, false, details)
	if err != nil {
		return nil, err
	}
	var info wire.SessionInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode connect response: %v", err)
	}
	return &info, nil
}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*defaultTimeoutUnit)
	defer cancel()
	_, _ = c.dispatcher.Call(ctx, c.sessionID, wire.ReqTerminateSession, nil, c.isXA, struct{}{})

	c.sessions.Unregister(c.sessionID)
	c.registry.Stop()
	return c.connMgr.Close()
}

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	resp, err := c.dispatcher.Call(ctx, c.sessionID, wire.ReqStartTransaction, nil, c.isXA, struct{}{})
	if err != nil {
		return nil, err
	}
	var info wire.SessionInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode startTransaction response: %v", err)
	}
	return &Tx{conn: c}, nil
}

func (c *Conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	named := valuesToNamed(args)
	return c.query(context.Background(), query, named)
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.query(ctx, query, args)
}

func (c *Conn) query(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	req := wire.ExecRequest{Query: query, Params: namedToInterfaces(args)}
	resp, err := c.dispatcher.Call(ctx, c.sessionID, wire.ReqExecuteQuery, nil, c.isXA, req)
	if err != nil {
		return nil, err
	}
	var result wire.OpResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode executeQuery response: %v", err)
	}
	if resp.SessionUUID != "" {
		c.sessionID = SessionID(resp.SessionUUID)
	}
	return newRows(c, result), nil
}

func (c *Conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.exec(context.Background(), query, valuesToNamed(args))
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return c.exec(ctx, query, args)
}

func (c *Conn) exec(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	req := wire.ExecRequest{Query: query, Params: namedToInterfaces(args)}
	resp, err := c.dispatcher.Call(ctx, c.sessionID, wire.ReqExecuteUpdate, nil, c.isXA, req)
	if err != nil {
		return nil, err
	}
	var result wire.OpResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode executeUpdate response: %v", err)
	}
	if resp.SessionUUID != "" {
		c.sessionID = SessionID(resp.SessionUUID)
	}
	return execResult{rowsAffected: result.RowsAffected, lastInsertID: result.LastInsertID}, nil
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

func namedToInterfaces(args []driver.NamedValue) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

type execResult struct {
	rowsAffected int64
	lastInsertID int64
}

func (r execResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r execResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }
