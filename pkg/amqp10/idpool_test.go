package amqp10

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDPoolSequential(t *testing.T) {
	p := newIDPool(3)
	for want := uint32(0); want <= 3; want++ {
		id, ok := p.get()
		require.True(t, ok)
		require.Equal(t, want, id)
	}
	_, ok := p.get()
	require.False(t, ok, "pool exhausted past max")
}

func TestIDPoolReusesFIFO(t *testing.T) {
	p := newIDPool(10)
	for i := 0; i < 5; i++ {
		p.get()
	}
	p.put(3)
	p.put(1)

	id, ok := p.get()
	require.True(t, ok)
	require.Equal(t, uint32(3), id, "oldest freed id first")
	id, ok = p.get()
	require.True(t, ok)
	require.Equal(t, uint32(1), id)
	id, ok = p.get()
	require.True(t, ok)
	require.Equal(t, uint32(5), id, "fresh ids resume after free-list drains")
}
