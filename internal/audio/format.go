// Package audio implements the telephony-facing media pipeline: frame
// format helpers, sample-rate conversion, WSOLA time-stretching, the
// pull-driven admission-controlled ring buffer, the SIP-facing port, and
// the bounded port pool.
package audio

import "time"

// Format describes PCM16 little-endian mono audio framing.
type Format struct {
	SampleRate int
	Channels   int
	FrameDur   time.Duration
}

func (f Format) FrameSamples() int {
	sr := f.SampleRate
	if sr < 1 {
		sr = 1
	}
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return int(float64(sr) * f.FrameDur.Seconds() * float64(ch))
}

func (f Format) FrameBytes() int {
	return f.FrameSamples() * 2
}

// Canonical frame sizes for the two rates this core ever runs at.
const (
	Rate8k             = 8000
	Rate24k            = 24000
	FrameMs            = 20
	FrameBytes8k       = 320
	FrameBytes24k      = 960
	FrameSamples8k     = FrameBytes8k / 2
	FrameSamples24k    = FrameBytes24k / 2
	SamplesPerRTPFrame = 480 // RTP timestamp advance per 20ms @ 24kHz
)

// Format8k and Format24k are the two canonical mono PCM16 formats this core
// transcodes between.
var (
	Format8k  = Format{SampleRate: Rate8k, Channels: 1, FrameDur: FrameMs * time.Millisecond}
	Format24k = Format{SampleRate: Rate24k, Channels: 1, FrameDur: FrameMs * time.Millisecond}
)

// Silence320 is the constant silence frame returned by PullNext8k and
// onFrameRequested when nothing is available.
var Silence320 = make([]byte, FrameBytes8k)

func readS16(p []byte, off int) int16 {
	return int16(uint16(p[off]) | uint16(p[off+1])<<8)
}

func writeS16(p []byte, off int, v int16) {
	p[off] = byte(uint16(v))
	p[off+1] = byte(uint16(v) >> 8)
}

// BytesToSamples converts PCM16LE bytes into a sample slice.
func BytesToSamples(dst []int16, src []byte) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	} else {
		dst = dst[:n]
	}
	for i := 0; i < n; i++ {
		dst[i] = readS16(src, i*2)
	}
	return dst
}

// SamplesToBytes converts a sample slice into PCM16LE bytes.
func SamplesToBytes(dst []byte, src []int16) []byte {
	need := len(src) * 2
	if cap(dst) < need {
		dst = make([]byte, need)
	} else {
		dst = dst[:need]
	}
	for i, s := range src {
		writeS16(dst, i*2, s)
	}
	return dst
}

// isSilence reports whether the leading bytes of a frame are all zero, the
// convention §4.3 uses to classify a pulled/received frame as silence for
// counters.
func isSilence(frame []byte) bool {
	n := len(frame)
	if n > 20 {
		n = 20
	}
	for i := 0; i < n; i++ {
		if frame[i] != 0 {
			return false
		}
	}
	return true
}
