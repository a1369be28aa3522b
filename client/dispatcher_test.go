package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjproxy/ojp/internal/wire"
)

func newTestDispatcher(registry *Registry) *Dispatcher {
	return NewDispatcher(registry, NewSelector(false), NewSessionTracker(), nil, DispatchConfig{
		ConnHash:      "conn1",
		RetryAttempts: 3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
	})
}

func TestDispatcherRoute_NonStickyDelegatesToSelector(t *testing.T) {
	eps := []Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 1}}
	registry := NewRegistry(eps, 0, nil)
	d := newTestDispatcher(registry)

	ep, err := d.route("", false)
	require.NoError(t, err)
	assert.Contains(t, eps, ep)
}

func TestDispatcherRoute_StickySessionReturnsBoundEndpoint(t *testing.T) {
	eps := []Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 1}}
	registry := NewRegistry(eps, 0, nil)
	d := newTestDispatcher(registry)
	d.sessions.Register("sess-1", eps[1])

	ep, err := d.route("sess-1", true)
	require.NoError(t, err)
	assert.Equal(t, eps[1], ep)
}

func TestDispatcherRoute_UnknownSessionIsInvalidated(t *testing.T) {
	registry := NewRegistry([]Endpoint{{Host: "a", Port: 1}}, 0, nil)
	d := newTestDispatcher(registry)

	_, err := d.route("missing-session", true)
	require.Error(t, err)
	var werr *wire.WireError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wire.KindSessionInvalidated, werr.Kind)
}

func TestDispatcherRoute_StickySessionOnUnhealthyEndpointFails(t *testing.T) {
	eps := []Endpoint{{Host: "a", Port: 1}}
	registry := NewRegistry(eps, 0, nil)
	d := newTestDispatcher(registry)
	d.sessions.Register("sess-1", eps[0])
	registry.MarkUnhealthy(eps[0], assert.AnError)

	_, err := d.route("sess-1", true)
	require.Error(t, err)
	var werr *wire.WireError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wire.KindSessionServerUnavailable, werr.Kind)
}

func TestDispatcherRoute_NoHealthyEndpointsFails(t *testing.T) {
	eps := []Endpoint{{Host: "a", Port: 1}}
	registry := NewRegistry(eps, 0, nil)
	registry.MarkUnhealthy(eps[0], assert.AnError)
	d := newTestDispatcher(registry)

	_, err := d.route("", false)
	require.Error(t, err)
}
