package client

import (
	"context"
	"database/sql"
	"io"

	"github.com/openjproxy/ojp/internal/wire"
)

// Client is a convenience wrapper around *sql.DB: most callers only need
// Query/Exec/Begin (served directly by database/sql), but the LOB, XA and
// generic resource-call surfaces have no database/sql equivalent, so
// Client reaches through sql.Conn.Raw to the underlying *Conn for those.
type Client struct {
	db *sql.DB
}

// Open parses dsn and returns a ready Client, equivalent to
// sql.Open("ojp", dsn) followed by a Ping.
func Open(dsn string) (*Client, error) {
	db, err := sql.Open("ojp", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Client{db: db}, nil
}

func (c *Client) DB() *sql.DB { return c.db }
func (c *Client) Close() error { return c.db.Close() }

// withRawConn reaches through database/sql's pooling to the single *Conn
// underlying one checked-out *sql.Conn, for operations (LOB, XA,
// CallResource) that database/sql has no vocabulary for.
func (c *Client) withRawConn(ctx context.Context, fn func(*Conn) error) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Raw(func(driverConn interface{}) error {
		oc, ok := driverConn.(*Conn)
		if !ok {
			return wire.NewError(wire.KindConfiguration, "unexpected driver.Conn type %T", driverConn)
		}
		return fn(oc)
	})
}

// CreateLob uploads r and returns the resulting LobReference.
func (c *Client) CreateLob(ctx context.Context, r io.Reader, lobType string) (*wire.LobReference, error) {
	var ref *wire.LobReference
	err := c.withRawConn(ctx, func(oc *Conn) error {
		got, err := oc.CreateLob(ctx, r, lobType)
		ref = got
		return err
	})
	return ref, err
}

// ReadLob returns a reader for length bytes of lobID starting at 0.
func (c *Client) ReadLob(ctx context.Context, lobID string, length int64) (io.Reader, error) {
	var reader io.Reader
	err := c.withRawConn(ctx, func(oc *Conn) error {
		reader = oc.ReadLob(lobID, length)
		return nil
	})
	return reader, err
}

// CallResource invokes the generic reflection facade on one underlying
// connection.
func (c *Client) CallResource(ctx context.Context, kind wire.ResourceKind, resourceID, callName string, params []interface{}) (*wire.CallResourceResponse, error) {
	var out *wire.CallResourceResponse
	err := c.withRawConn(ctx, func(oc *Conn) error {
		resp, err := oc.CallResource(ctx, kind, resourceID, callName, params, nil)
		out = resp
		return err
	})
	return out, err
}

// XA returns an XA handle bound to one underlying connection. Callers that
// need two-phase commit must keep the *sql.Conn this came from open for the
// lifetime of the global transaction, since xa* calls are routed to that
// connection's sticky proxy node, whose per-connHash XA registry holds the
// Xid binding.
func (c *Client) XA(ctx context.Context) (*XA, func() error, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	var xa *XA
	err = conn.Raw(func(driverConn interface{}) error {
		oc, ok := driverConn.(*Conn)
		if !ok {
			return wire.NewError(wire.KindConfiguration, "unexpected driver.Conn type %T", driverConn)
		}
		xa = oc.XA()
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return xa, conn.Close, nil
}
