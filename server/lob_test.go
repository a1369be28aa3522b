package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLobHandle_AppendAtInOrder(t *testing.T) {
	h := NewLobHandle("BLOB")

	total, err := h.AppendAt(0, []byte("hello "))
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)

	total, err = h.AppendAt(6, []byte("world"))
	require.NoError(t, err)
	assert.EqualValues(t, 11, total)
	assert.EqualValues(t, 11, h.TotalBytes())
}

func TestLobHandle_AppendAtOutOfOrderRejected(t *testing.T) {
	h := NewLobHandle("BLOB")
	_, err := h.AppendAt(0, []byte("abc"))
	require.NoError(t, err)

	_, err = h.AppendAt(5, []byte("gap"))
	require.Error(t, err)
}

func TestLobHandle_ReadAtBoundsAndTruncates(t *testing.T) {
	h := NewLobHandle("BLOB")
	_, err := h.AppendAt(0, []byte("0123456789"))
	require.NoError(t, err)

	assert.Equal(t, []byte("234"), h.ReadAt(2, 3))
	assert.Equal(t, []byte("789"), h.ReadAt(7, 100)) // truncated to actual extent
	assert.Nil(t, h.ReadAt(50, 10))                  // past the end
}

func TestLobHandle_ReadAtCapsToMaxBlockSize(t *testing.T) {
	h := NewLobHandle("BLOB")
	big := make([]byte, LobMaxBlockSize+100)
	_, err := h.AppendAt(0, big)
	require.NoError(t, err)

	got := h.ReadAt(0, LobMaxBlockSize+100)
	assert.Len(t, got, LobMaxBlockSize)
}

func TestLobHandle_CloseResetsBuffer(t *testing.T) {
	h := NewLobHandle("BLOB")
	_, err := h.AppendAt(0, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, h.Close())
	assert.EqualValues(t, 0, h.TotalBytes())
}

func TestLobRegistry_PutGetRemove(t *testing.T) {
	r := NewLobRegistry()
	h := NewLobHandle("CLOB")
	r.Put(h)

	got, ok := r.Get(h.ID)
	require.True(t, ok)
	assert.Same(t, h, got)

	r.Remove(h.ID)
	_, ok = r.Get(h.ID)
	assert.False(t, ok)
}
