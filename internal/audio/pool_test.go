package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireCreatesFreshPortWhenPoolEmpty(t *testing.T) {
	pool := NewPool(0, 0)
	port := pool.Acquire(nil, nil)
	require.NotNil(t, port)
	assert.True(t, port.Active())
	assert.Equal(t, 0, port.ReuseCount())
}

func TestReleaseThenAcquireReusesPort(t *testing.T) {
	pool := NewPool(0, 0)
	port := pool.Acquire(nil, nil)
	pool.Release(port)

	assert.Equal(t, 1, pool.Size())

	reused := pool.Acquire(nil, nil)
	assert.Same(t, port, reused)
	assert.Equal(t, 1, reused.ReuseCount())
	assert.Equal(t, 0, pool.Size())
}

func TestAcquireReplacesPortAtReuseCeiling(t *testing.T) {
	pool := NewPool(0, 0)
	port := pool.Acquire(nil, nil)
	for i := 0; i < DefaultMaxReuseCount; i++ {
		pool.Release(port)
		port = pool.Acquire(nil, nil)
	}
	// After DefaultMaxReuseCount recycles, the port must have been replaced.
	assert.Less(t, port.ReuseCount(), DefaultMaxReuseCount)
}

func TestReleaseDropsPortWhenPoolFull(t *testing.T) {
	pool := NewPool(0, 0)
	var ports []*Port
	for i := 0; i < DefaultMaxPoolSize+2; i++ {
		ports = append(ports, pool.Acquire(nil, nil))
	}
	for _, p := range ports {
		pool.Release(p)
	}
	assert.Equal(t, DefaultMaxPoolSize, pool.Size())
}

func TestReleaseDrainsPortBeforeReuse(t *testing.T) {
	pool := NewPool(0, 0)
	port := pool.Acquire(nil, nil)
	port.OnFrameReceived(make([]byte, FrameBytes8k))
	require.True(t, port.SendFrame(make([]byte, FrameBytes8k)))

	pool.Release(port)
	reused := pool.Acquire(nil, nil)

	_, ok := reused.GetFrame()
	assert.False(t, ok)
}
