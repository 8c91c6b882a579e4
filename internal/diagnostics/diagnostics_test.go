package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartEndPhaseRecordsDuration(t *testing.T) {
	d := New("call-1", 1)
	d.StartPhase(PhaseSDKConnect)
	time.Sleep(2 * time.Millisecond)
	d.EndPhase(PhaseSDKConnect, map[string]any{"codec": "PCMU"})

	durations := d.Durations()
	got, ok := durations[PhaseSDKConnect]
	require.True(t, ok)
	assert.Greater(t, got, time.Duration(0))
}

func TestEndPhaseUnstartedYieldsZeroDuration(t *testing.T) {
	d := New("call-2", 1)
	d.EndPhase(PhaseFirstRTP, nil)
	durations := d.Durations()
	assert.Equal(t, time.Duration(0), durations[PhaseFirstRTP])
}

func TestFrameCounters(t *testing.T) {
	d := New("call-3", 1)
	d.RecordFrameRequested()
	d.RecordFrameRequested()
	total, silence := d.RecordOutgoingFrame(true)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, silence)
	total, silence = d.RecordOutgoingFrame(false)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, silence)
	assert.Equal(t, 1, d.RecordIncomingFrame())

	d.ResetFrameCounters()
	assert.Equal(t, 0, d.FramesRequested)
	assert.Equal(t, 0, d.OutgoingAudioFrames)
}

func TestCleanupLifecycleFlags(t *testing.T) {
	d := New("call-4", 1)
	assert.False(t, d.ShouldSkipCleanup())

	d.MarkClosed()
	assert.True(t, d.ShouldSkipCleanup())

	d2 := New("call-5", 1)
	d2.MarkCleanupDone()
	assert.True(t, d2.ShouldSkipCleanup())
}
