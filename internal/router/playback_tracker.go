package router

import "sync"

// PlaybackState is the point-in-time snapshot returned by PlaybackTracker.State.
type PlaybackState struct {
	CurrentItemID            string
	CurrentItemContentIndex  int
	ElapsedMs                float64
}

// PlaybackTracker is the telephony analog of the original
// TelephonyPlaybackTracker: it converts PCM16 byte counts into elapsed
// playback milliseconds. The Event Router feeds it each audio delta as it
// hands the delta to the Bridge, so elapsed time counts audio queued for
// playback, including audio the Bridge later drops or purges.
type PlaybackTracker struct {
	mu sync.Mutex

	sampleRate int // samples/sec, for OnPlayBytes's duration conversion

	currentItemID           string
	currentItemContentIndex int
	elapsedMs               float64

	onInterrupt func()
}

// NewPlaybackTracker constructs a tracker for PCM16 audio at sampleRate Hz.
func NewPlaybackTracker(sampleRate int, onInterrupt func()) *PlaybackTracker {
	return &PlaybackTracker{
		sampleRate:  sampleRate,
		onInterrupt: onInterrupt,
	}
}

// OnPlayBytes records that audioBytes of PCM16 have been sent via RTP for
// the given item/content-index pair.
func (t *PlaybackTracker) OnPlayBytes(itemID string, contentIndex int, audioBytes []byte) {
	const bytesPerSample = 2
	ms := float64(len(audioBytes)) / bytesPerSample / float64(t.sampleRate) * 1000
	t.OnPlayMs(itemID, contentIndex, ms)
}

// OnPlayMs records ms of audio sent for the given item/content-index pair.
func (t *PlaybackTracker) OnPlayMs(itemID string, contentIndex int, ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentItemID = itemID
	t.currentItemContentIndex = contentIndex
	t.elapsedMs += ms
}

// OnInterrupted resets accumulated elapsed time and fires the interrupt
// callback, used to block outbound audio immediately on barge-in.
func (t *PlaybackTracker) OnInterrupted() {
	t.mu.Lock()
	t.elapsedMs = 0
	cb := t.onInterrupt
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SetInterruptCallback replaces the interrupt callback.
func (t *PlaybackTracker) SetInterruptCallback(cb func()) {
	t.mu.Lock()
	t.onInterrupt = cb
	t.mu.Unlock()
}

// State returns the current playback snapshot.
func (t *PlaybackTracker) State() PlaybackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return PlaybackState{
		CurrentItemID:           t.currentItemID,
		CurrentItemContentIndex: t.currentItemContentIndex,
		ElapsedMs:               t.elapsedMs,
	}
}
