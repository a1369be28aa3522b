package client

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"

	"github.com/openjproxy/ojp/internal/wire"
)

// Rows implements database/sql/driver.Rows. Each chunk received from the
// server (executeQuery's first reply, then fetchNextRows replies) is
// buffered and drained before the next chunk is requested; the last chunk
// of a result set may legitimately be empty.
type Rows struct {
	conn     *Conn
	columns  []string
	rows     [][]interface{}
	pos      int
	cursorID string
	done     bool
}

func newRows(conn *Conn, result wire.OpResult) *Rows {
	return &Rows{
		conn:     conn,
		columns:  result.Columns,
		rows:     result.Rows,
		cursorID: result.CursorID,
		done:     result.CursorID == "",
	}
}

func (r *Rows) Columns() []string {
	return r.columns
}

func (r *Rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		if r.done {
			return io.EOF
		}
		if err := r.fetchMore(); err != nil {
			return err
		}
		if r.pos >= len(r.rows) {
			return io.EOF
		}
	}
	for i, val := range r.rows[r.pos] {
		dest[i] = driver.Value(val)
	}
	r.pos++
	return nil
}

func (r *Rows) fetchMore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*defaultTimeoutUnit)
	defer cancel()

	req := wire.FetchRequest{CursorID: r.cursorID, BatchSize: rowsPerBlock}
	resp, err := r.conn.dispatcher.Call(ctx, r.conn.sessionID, wire.ReqFetchNextRows, nil, r.conn.isXA, req)
	if err != nil {
		return err
	}
	var result wire.OpResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return wire.NewError(wire.KindConfiguration, "decode fetchNextRows response: %v", err)
	}

	r.rows = result.Rows
	r.pos = 0
	if result.CursorID == "" || len(result.Rows) == 0 {
		r.done = true
	}
	return nil
}

// rowsPerBlock mirrors the server-side ROWS_PER_BLOCK chunking constant;
// the client requests batches of the same size it expects the server to
// naturally emit.
const rowsPerBlock = 500

func (r *Rows) Close() error {
	return nil
}
