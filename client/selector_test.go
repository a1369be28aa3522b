package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorPick_NoHealthyEndpoint(t *testing.T) {
	s := NewSelector(false)
	_, err := s.Pick(nil, nil)
	require.Error(t, err)
}

func TestSelectorPick_RoundRobin(t *testing.T) {
	s := NewSelector(false)
	endpoints := []Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 1}, {Host: "c", Port: 1}}

	seen := make(map[Endpoint]int)
	for i := 0; i < 9; i++ {
		ep, err := s.Pick(endpoints, nil)
		require.NoError(t, err)
		seen[ep]++
	}

	for _, ep := range endpoints {
		assert.Equal(t, 3, seen[ep], "endpoint %v should be picked evenly in round-robin mode", ep)
	}
}

func TestSelectorPick_LoadAwarePrefersLeastLoaded(t *testing.T) {
	s := NewSelector(true)
	endpoints := []Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 1}}
	counts := map[Endpoint]int{
		endpoints[0]: 5,
		endpoints[1]: 1,
	}

	for i := 0; i < 5; i++ {
		ep, err := s.Pick(endpoints, counts)
		require.NoError(t, err)
		assert.Equal(t, endpoints[1], ep)
	}
}

func TestSelectorPick_LoadAwareTieBreaksAcrossEqualCandidates(t *testing.T) {
	s := NewSelector(true)
	endpoints := []Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 1}}
	counts := map[Endpoint]int{endpoints[0]: 2, endpoints[1]: 2}

	seen := make(map[Endpoint]int)
	for i := 0; i < 4; i++ {
		ep, err := s.Pick(endpoints, counts)
		require.NoError(t, err)
		seen[ep]++
	}
	assert.Equal(t, 2, seen[endpoints[0]])
	assert.Equal(t, 2, seen[endpoints[1]])
}
