package pool_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/pool"
)

func TestRingBufferFIFO(t *testing.T) {
	r := pool.NewRingBuffer[int](4)
	for i := 0; i < 4; i++ {
		require.True(t, r.Enqueue(i))
	}
	assert.False(t, r.Enqueue(99), "ring should be full")
	assert.Equal(t, 4, r.Len())

	for i := 0; i < 4; i++ {
		v, ok := r.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRingBufferRejectsNonPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { pool.NewRingBuffer[int](3) })
	assert.Panics(t, func() { pool.NewRingBuffer[int](0) })
}

func TestRingBufferSPSC(t *testing.T) {
	const total = 100000
	r := pool.NewRingBuffer[int](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if r.Enqueue(i) {
				i++
			}
		}
	}()

	for want := 0; want < total; {
		if v, ok := r.Dequeue(); ok {
			require.Equal(t, want, v)
			want++
		}
	}
	wg.Wait()
}
