package client

import (
	"context"
	"encoding/json"
	"io"

	"github.com/openjproxy/ojp/internal/wire"
)

// maxBlockSize mirrors the server's block-chunking size for LOB transfer.
const maxBlockSize = 64 * 1024

// CreateLob uploads r to the proxy in bounded blocks, returning the final
// LobReference once the stream (and the upload) completes. lobType is
// "binary" or "character".
func (c *Conn) CreateLob(ctx context.Context, r io.Reader, lobType string) (*wire.LobReference, error) {
	buf := make([]byte, maxBlockSize)
	var ref *wire.LobReference
	var position int64

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			block := wire.LobDataBlock{
				LobID:    lobIDOf(ref),
				Position: position,
				Bytes:    append([]byte(nil), buf[:n]...),
				LobType:  lobType,
			}
			resp, err := c.dispatcher.Call(ctx, c.sessionID, wire.ReqCreateLob, nil, c.isXA, block)
			if err != nil {
				return nil, err
			}
			var got wire.LobReference
			if err := json.Unmarshal(resp.Payload, &got); err != nil {
				return nil, wire.NewError(wire.KindConfiguration, "decode createLob response: %v", err)
			}
			ref = &got
			position += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	if ref == nil {
		return nil, wire.NewError(wire.KindConfiguration, "createLob: empty stream")
	}
	return ref, nil
}

func lobIDOf(ref *wire.LobReference) string {
	if ref == nil {
		return ""
	}
	return ref.LobID
}

// ReadLob returns a reader that pulls bounded blocks from the proxy on
// demand. The special case of cursor-invalidating upstreams (fully
// buffered server-side) is transparent to the client: it just sees a
// normal block stream.
func (c *Conn) ReadLob(lobID string, length int64) io.Reader {
	return &lobReader{conn: c, lobID: lobID, remaining: length}
}

type lobReader struct {
	conn      *Conn
	lobID     string
	position  int64
	remaining int64
	pending   []byte
	done      bool
}

func (r *lobReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if r.done || r.remaining <= 0 {
			return 0, io.EOF
		}
		if err := r.fetchBlock(); err != nil {
			return 0, err
		}
		if len(r.pending) == 0 {
			r.done = true
			return 0, io.EOF
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *lobReader) fetchBlock() error {
	want := r.remaining
	if want > maxBlockSize {
		want = maxBlockSize
	}
	req := wire.ReadLobRequest{LobID: r.lobID, Position: r.position, Length: want}

	ctx, cancel := context.WithTimeout(context.Background(), 30*defaultTimeoutUnit)
	defer cancel()
	resp, err := r.conn.dispatcher.Call(ctx, r.conn.sessionID, wire.ReqReadLob, nil, r.conn.isXA, req)
	if err != nil {
		return err
	}
	var block wire.LobDataBlock
	if err := json.Unmarshal(resp.Payload, &block); err != nil {
		return wire.NewError(wire.KindConfiguration, "decode readLob response: %v", err)
	}

	r.pending = block.Bytes
	r.position += int64(len(block.Bytes))
	r.remaining -= int64(len(block.Bytes))
	if len(block.Bytes) == 0 {
		r.done = true
	}
	return nil
}
