package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnPlayBytesAccumulatesElapsedMs(t *testing.T) {
	tr := NewPlaybackTracker(24000, nil)
	// 24000 samples/sec * 2 bytes/sample * 1s = 48000 bytes/sec -> 1000ms per 48000 bytes.
	tr.OnPlayBytes("item-1", 0, make([]byte, 48000))
	state := tr.State()
	assert.InDelta(t, 1000.0, state.ElapsedMs, 0.01)
	assert.Equal(t, "item-1", state.CurrentItemID)
}

func TestOnInterruptedResetsElapsedAndFiresCallback(t *testing.T) {
	fired := false
	tr := NewPlaybackTracker(24000, func() { fired = true })
	tr.OnPlayMs("item-1", 0, 500)
	tr.OnInterrupted()

	assert.True(t, fired)
	assert.Equal(t, 0.0, tr.State().ElapsedMs)
}

func TestSetInterruptCallbackReplacesCallback(t *testing.T) {
	oldFired, newFired := false, false
	tr := NewPlaybackTracker(24000, func() { oldFired = true })
	tr.SetInterruptCallback(func() { newFired = true })
	tr.OnInterrupted()

	assert.False(t, oldFired)
	assert.True(t, newFired)
}
