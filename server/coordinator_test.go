package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	maxSize, minIdle int
	calls            int
}

func (f *fakeListener) SetLimits(maxSize, minIdle int) {
	f.maxSize, f.minIdle = maxSize, minIdle
	f.calls++
}

func TestCalculate_CeilDivision(t *testing.T) {
	max, minIdle := Calculate(50, 5, 3)
	assert.Equal(t, 17, max) // ceil(50/3)
	assert.Equal(t, 2, minIdle) // ceil(5/3)
}

func TestCalculate_ZeroHealthyNodesTreatedAsOne(t *testing.T) {
	max, minIdle := Calculate(50, 5, 0)
	assert.Equal(t, 50, max)
	assert.Equal(t, 5, minIdle)
}

func TestCoordinatorRegister_AppliesInitialSingleNodeAllocation(t *testing.T) {
	c := NewCoordinator()
	l := &fakeListener{}
	c.Register("conn1/ordinary", 50, 5, l)

	assert.Equal(t, 1, l.calls)
	assert.Equal(t, 50, l.maxSize)
	assert.Equal(t, 5, l.minIdle)

	alloc, ok := c.Allocation("conn1/ordinary")
	require.True(t, ok)
	assert.Equal(t, 50, alloc.CurrentMax)
}

func TestCoordinatorUpdateHealthyServers_RebalancesAllKnownAllocations(t *testing.T) {
	c := NewCoordinator()
	ordinary := &fakeListener{}
	xa := &fakeListener{}
	c.Register("conn1/ordinary", 50, 5, ordinary)
	c.Register("conn1/xa", 20, 2, xa)

	c.UpdateHealthyServers(2)

	assert.Equal(t, 25, ordinary.maxSize)
	assert.Equal(t, 3, ordinary.minIdle)
	assert.Equal(t, 10, xa.maxSize)
	assert.Equal(t, 1, xa.minIdle)
	assert.Equal(t, 2, ordinary.calls)
	assert.Equal(t, 2, xa.calls)
}

func TestCoordinatorUpdateHealthyServers_IdempotentWhenUnchanged(t *testing.T) {
	c := NewCoordinator()
	l := &fakeListener{}
	c.Register("conn1/ordinary", 50, 5, l)

	c.UpdateHealthyServers(1) // same healthy count as Register's implicit 1

	assert.Equal(t, 1, l.calls, "no resize should be pushed when the computed allocation is unchanged")
}
