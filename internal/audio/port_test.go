package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnFrameRequestedYieldsSilenceWhenInactive(t *testing.T) {
	p := NewPort()
	out := make([]byte, FrameBytes8k)
	for i := range out {
		out[i] = 0xAA
	}
	p.OnFrameRequested(out)
	assert.Equal(t, Silence320, out)
}

func TestOnFrameRequestedSignalsReadyOnce(t *testing.T) {
	p := NewPort()
	ready := make(chan struct{}, 4)
	p.PrepareForNewCall(ready, nil)

	out := make([]byte, FrameBytes8k)
	p.OnFrameRequested(out)
	p.OnFrameRequested(out)
	p.OnFrameRequested(out)

	assert.Equal(t, 1, len(ready))
}

func TestOnFrameRequestedPullModeUsesBridge(t *testing.T) {
	b := NewBridge(DefaultRingThresholds, nil)
	b.EnableAudioOutput()
	b.SendPrimeSilenceDirect(1)

	p := NewPort()
	p.PrepareForNewCall(nil, b)

	out := make([]byte, FrameBytes8k)
	p.OnFrameRequested(out)
	require.Equal(t, FrameBytes8k, len(out))

	counters := p.Counters()
	assert.EqualValues(t, 1, counters.Requested)
	assert.EqualValues(t, 1, counters.Outgoing)
}

func TestOnFrameRequestedPushModePopsOutgoingQueue(t *testing.T) {
	p := NewPort()
	p.PrepareForNewCall(nil, nil)

	frame := make([]byte, FrameBytes8k)
	writeS16(frame, 0, 1234)
	require.True(t, p.SendFrame(frame))

	out := make([]byte, FrameBytes8k)
	p.OnFrameRequested(out)
	assert.Equal(t, int16(1234), readS16(out, 0))
}

func TestOnFrameRequestedShortFrameIsZeroPadded(t *testing.T) {
	p := NewPort()
	p.PrepareForNewCall(nil, nil)
	require.True(t, p.SendFrame([]byte{1, 2, 3, 4}))

	out := make([]byte, FrameBytes8k)
	for i := range out {
		out[i] = 0xFF
	}
	p.OnFrameRequested(out)
	assert.Equal(t, []byte{1, 2, 3, 4}, out[:4])
	for _, b := range out[4:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestOnFrameReceivedDropsWhenQueueFull(t *testing.T) {
	p := NewPort()
	p.PrepareForNewCall(nil, nil)
	frame := make([]byte, FrameBytes8k)
	for i := 0; i < incomingQueueCapacity; i++ {
		p.OnFrameReceived(frame)
	}
	p.OnFrameReceived(frame)

	counters := p.Counters()
	assert.EqualValues(t, incomingQueueCapacity, counters.Received)
	assert.EqualValues(t, 1, counters.QueueOverflow)
}

func TestGetFrameDrainsInOrder(t *testing.T) {
	p := NewPort()
	p.PrepareForNewCall(nil, nil)

	first := make([]byte, FrameBytes8k)
	writeS16(first, 0, 11)
	second := make([]byte, FrameBytes8k)
	writeS16(second, 0, 22)
	p.OnFrameReceived(first)
	p.OnFrameReceived(second)

	got1, ok1 := p.GetFrame()
	require.True(t, ok1)
	assert.Equal(t, int16(11), readS16(got1, 0))

	got2, ok2 := p.GetFrame()
	require.True(t, ok2)
	assert.Equal(t, int16(22), readS16(got2, 0))

	_, ok3 := p.GetFrame()
	assert.False(t, ok3)
}

func TestPrepareForPoolDrainsAndDisables(t *testing.T) {
	p := NewPort()
	p.PrepareForNewCall(nil, nil)
	frame := make([]byte, FrameBytes8k)
	p.OnFrameReceived(frame)
	require.True(t, p.SendFrame(frame))

	start := time.Now()
	p.PrepareForPool()
	assert.True(t, time.Since(start) < 2*time.Second)

	assert.False(t, p.Active())
	_, ok := p.GetFrame()
	assert.False(t, ok)

	out := make([]byte, FrameBytes8k)
	p.OnFrameRequested(out)
	assert.Equal(t, Silence320, out)
}

func TestPrepareForNewCallResetsCounters(t *testing.T) {
	p := NewPort()
	p.PrepareForNewCall(nil, nil)
	out := make([]byte, FrameBytes8k)
	p.OnFrameRequested(out)
	require.EqualValues(t, 1, p.Counters().Requested)

	p.PrepareForNewCall(nil, nil)
	assert.EqualValues(t, 0, p.Counters().Requested)
}
