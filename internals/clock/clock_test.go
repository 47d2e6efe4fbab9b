package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemNowMonotonic(t *testing.T) {
	c := NewSystem()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		n := c.Now()
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestSystemNewIDUnique(t *testing.T) {
	c := NewSystem()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := c.NewID(KindSession)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Contains(t, c.NewID(KindRoom), "rm_")
}

func TestVirtualAdvance(t *testing.T) {
	v := NewVirtual(1000)
	assert.Equal(t, int64(1000), v.Now())
	v.Advance(10 * time.Second)
	assert.Equal(t, int64(1000)+int64(10*time.Second), v.Now())
}

func TestVirtualSetBackwardsPanics(t *testing.T) {
	v := NewVirtual(1000)
	assert.Panics(t, func() { v.Set(999) })
}

func TestVirtualIDsSequentialAndOrdered(t *testing.T) {
	v := NewVirtual(0)
	a := v.NewID(KindTrack)
	b := v.NewID(KindTrack)
	assert.Less(t, a, b)
	assert.Equal(t, "tr_00000001", a)
}
