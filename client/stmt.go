package client

import (
	"context"
	"database/sql/driver"

	"github.com/openjproxy/ojp/internal/wire"
)

// Stmt implements database/sql/driver.Stmt. A prepared statement on OJP is
// a thin client-side handle: there is no server round trip at Prepare time
// (the upstream driver sees the literal query text on every exec/query
// call), but Stmt still validates the bound parameter count up front.
type Stmt struct {
	conn     *Conn
	query    string
	numInput int
	closed   bool
}

func (s *Stmt) Close() error {
	s.closed = true
	return nil
}

func (s *Stmt) NumInput() int {
	return countPlaceholders(s.query)
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	if s.closed {
		return nil, wire.NewError(wire.KindConfiguration, "statement is closed")
	}
	return s.conn.Exec(s.query, args)
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	if s.closed {
		return nil, wire.NewError(wire.KindConfiguration, "statement is closed")
	}
	return s.conn.Query(s.query, args)
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if s.closed {
		return nil, wire.NewError(wire.KindConfiguration, "statement is closed")
	}
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if s.closed {
		return nil, wire.NewError(wire.KindConfiguration, "statement is closed")
	}
	return s.conn.QueryContext(ctx, s.query, args)
}

// countPlaceholders counts '?' placeholders outside quoted strings, with a
// simple escape-aware scan so escaped quotes don't flip string state.
func countPlaceholders(query string) int {
	count := 0
	inString := false
	escaped := false

	for _, char := range query {
		switch {
		case escaped:
			escaped = false
		case char == '\\':
			escaped = true
		case char == '\'' && !escaped:
			inString = !inString
		case char == '?' && !inString && !escaped:
			count++
		}
	}

	return count
}
