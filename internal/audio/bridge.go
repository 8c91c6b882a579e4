package audio

import (
	"sync"

	"github.com/fpoisson2/voicebridge/internal/voiceerr"
)

// RingThresholds are the admission-control/catch-up frame-count thresholds
// of §4.4 (TARGET/HIGH/CAP).
type RingThresholds struct {
	Target int
	High   int
	Cap    int
}

// DefaultRingThresholds matches the values fixed by §3: TARGET=6, HIGH=9, CAP=12.
var DefaultRingThresholds = RingThresholds{Target: 6, High: 9, Cap: 12}

// Bridge is the AudioBridge of §4.4: it turns bursty 24 kHz TTS output into a
// strictly paced 8 kHz stream the Port pulls one frame per 20 ms, with
// admission control and WSOLA catch-up. It owns its ring buffer, resamplers,
// and time-stretcher exclusively.
type Bridge struct {
	thresholds RingThresholds

	downsampler *Resampler // 24k -> 8k
	stretch     *WSOLA

	mu       sync.Mutex
	ring     []byte // multiple of FrameBytes8k
	staging  []byte // accumulates resampled 8k bytes until >= 320
	catchup  bool
	speed    float64
	dropFlag bool // drop-until-next-assistant, set by ClearAudioQueue

	canSend bool // send latch

	onAdmissionDrop func(*voiceerr.AdmissionDrop)
}

// NewBridge constructs a Bridge with the given ring thresholds. A nil
// onAdmissionDrop is fine; it's an optional counter hook.
func NewBridge(thresholds RingThresholds, onAdmissionDrop func(*voiceerr.AdmissionDrop)) *Bridge {
	return &Bridge{
		thresholds:      thresholds,
		downsampler:     New(Rate24k, Rate8k, 1),
		stretch:         NewWSOLA(Rate8k, FrameMs, 10, 5),
		speed:           1.0,
		onAdmissionDrop: onAdmissionDrop,
	}
}

// EnableAudioOutput releases the send latch. Idempotent.
func (b *Bridge) EnableAudioOutput() {
	b.mu.Lock()
	b.canSend = true
	b.mu.Unlock()
}

func (b *Bridge) ringLenFrames() int {
	return len(b.ring) / FrameBytes8k
}

// SendToPeer is the non-blocking producer side, called from the Event
// Router with 24 kHz PCM16 TTS audio.
func (b *Bridge) SendToPeer(pcm24k []byte) {
	b.mu.Lock()
	if b.dropFlag {
		b.ring = b.ring[:0]
		b.staging = b.staging[:0]
		b.mu.Unlock()
		return
	}
	if !b.canSend {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	resampled := b.downsampler.Resample(pcm24k)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.staging = append(b.staging, resampled...)

	for len(b.staging) >= FrameBytes8k {
		frame := b.staging[:FrameBytes8k]
		b.staging = b.staging[FrameBytes8k:]

		ringLen := b.ringLenFrames()
		if b.thresholds.Cap-ringLen <= 0 {
			if b.onAdmissionDrop != nil {
				b.onAdmissionDrop(&voiceerr.AdmissionDrop{RingLenFrames: ringLen, CapFrames: b.thresholds.Cap})
			}
			continue
		}
		b.ring = append(b.ring, frame...)
		ringLen = b.ringLenFrames()

		if ringLen >= b.thresholds.High && !b.catchup {
			b.catchup = true
			b.speed = 1.12
		} else if ringLen <= b.thresholds.Target && b.catchup {
			b.catchup = false
			b.speed = 1.0
		}
	}
}

// SendPrimeSilenceDirect injects silence frames directly into the ring,
// bypassing admission control. Used once at session start to stabilize the
// downstream jitter buffer before real TTS arrives.
func (b *Bridge) SendPrimeSilenceDirect(numFrames int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < numFrames; i++ {
		b.ring = append(b.ring, Silence320...)
	}
}

// PullNext8k is the synchronous consumer side, called on the native callback
// thread. It always returns exactly 320 bytes.
func (b *Bridge) PullNext8k() []byte {
	b.mu.Lock()
	if b.ringLenFrames() < 1 {
		b.mu.Unlock()
		out := make([]byte, FrameBytes8k)
		copy(out, Silence320)
		return out
	}
	frame := append([]byte{}, b.ring[:FrameBytes8k]...)
	b.ring = b.ring[FrameBytes8k:]
	if b.catchup && b.ringLenFrames() <= b.thresholds.Target {
		b.catchup = false
		b.speed = 1.0
	}
	catchup := b.catchup
	speed := b.speed
	b.mu.Unlock()

	if !catchup || isSilence(frame) {
		return frame
	}

	stretched := b.stretch.Process(frame, speed)
	if len(stretched) <= FrameBytes8k {
		out := make([]byte, FrameBytes8k)
		copy(out, stretched)
		return out
	}
	// Caller wants exactly one 320-byte frame; push the remainder back to
	// the head of the ring so it's the next thing pulled.
	head := append([]byte{}, stretched[:FrameBytes8k]...)
	remainder := append([]byte{}, stretched[FrameBytes8k:]...)
	b.mu.Lock()
	b.ring = append(remainder, b.ring...)
	b.mu.Unlock()
	return head
}

// ClearAudioQueue is the barge-in purge: drains the ring and staging buffer,
// resets the resampler and time-stretcher, and sets the drop-until-next-
// assistant flag so any in-flight SendToPeer calls are discarded until
// ResumeAfterInterruption clears it.
func (b *Bridge) ClearAudioQueue() (drained int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained = b.ringLenFrames()
	b.ring = b.ring[:0]
	b.staging = b.staging[:0]
	b.dropFlag = true
	b.catchup = false
	b.speed = 1.0
	b.downsampler.Reset()
	b.stretch.Reset()
	return drained
}

// ResumeAfterInterruption clears the drop-until-next-assistant flag.
func (b *Bridge) ResumeAfterInterruption() {
	b.mu.Lock()
	b.dropFlag = false
	b.mu.Unlock()
}

// Stop is terminal: it purges state and revokes the send latch.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.staging = b.staging[:0]
	b.canSend = false
	b.catchup = false
	b.speed = 1.0
	b.downsampler.Reset()
	b.stretch.Reset()
}

// RingLenFrames reports current ring occupancy, in 20ms frames. Exposed for
// tests and diagnostics; production code should not poll it for control flow.
func (b *Bridge) RingLenFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ringLenFrames()
}

// CatchupActive reports whether time-stretch catch-up is currently engaged.
func (b *Bridge) CatchupActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.catchup
}
