package server

import (
	"bytes"
	"sync"

	"github.com/google/uuid"

	"github.com/openjproxy/ojp/internal/wire"
)

// LobMaxBlockSize bounds the size of any single LobDataBlock exchanged over
// the wire, in either direction.
const LobMaxBlockSize = 64 * 1024

// LobHandle is the server-side resource backing a session's LOB: a
// contiguous byte buffer assembled from upload blocks, or to be drained in
// bounded blocks on download. Large-object upstreams that invalidate a LOB
// once its owning result-set cursor advances leave the proxy no choice but
// to hold the whole value in memory here.
type LobHandle struct {
	ID      string
	LobType string

	mu   sync.Mutex
	data bytes.Buffer
}

// NewLobHandle allocates a fresh, empty LOB with a freshly minted id.
func NewLobHandle(lobType string) *LobHandle {
	return &LobHandle{ID: uuid.NewString(), LobType: lobType}
}

// AppendAt writes bytes at the declared position. Uploads are expected to
// arrive in position order (the client streams sequentially); a gap would
// leave zero bytes behind it, which is surfaced as a Database error by the
// caller rather than silently accepted.
func (h *LobHandle) AppendAt(position int64, data []byte) (totalBytes int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if position != int64(h.data.Len()) {
		return 0, wire.NewError(wire.KindDatabase, "lob %s: out-of-order block at position %d, expected %d", h.ID, position, h.data.Len())
	}
	h.data.Write(data)
	return int64(h.data.Len()), nil
}

// ReadAt returns up to length bytes starting at position, bounded by
// LobMaxBlockSize and by the buffer's actual extent. An empty result with
// no error means the requested range is past the end of the data.
func (h *LobHandle) ReadAt(position, length int64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	if length > LobMaxBlockSize {
		length = LobMaxBlockSize
	}
	all := h.data.Bytes()
	if position < 0 || position >= int64(len(all)) {
		return nil
	}
	end := position + length
	if end > int64(len(all)) {
		end = int64(len(all))
	}
	return append([]byte(nil), all[position:end]...)
}

// TotalBytes reports the current extent of the assembled LOB.
func (h *LobHandle) TotalBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(h.data.Len())
}

// Close releases the buffer. LobHandle satisfies ResourceCloser so
// SessionManager.Terminate reclaims it along with every other session
// resource.
func (h *LobHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data.Reset()
	return nil
}

// LobRegistry indexes LobHandles by id across the whole process, since
// createLob/readLob requests (unlike other resource calls) address a LOB
// directly by LobId rather than by resourceId scoped to a session.
type LobRegistry struct {
	mu      sync.RWMutex
	handles map[string]*LobHandle
}

func NewLobRegistry() *LobRegistry {
	return &LobRegistry{handles: make(map[string]*LobHandle)}
}

func (r *LobRegistry) Put(h *LobHandle) {
	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()
}

func (r *LobRegistry) Get(id string) (*LobHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *LobRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}
