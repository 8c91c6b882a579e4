package audio

import (
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// WSOLA implements Waveform-Similarity Overlap-Add time-scale modification
// on 8 kHz PCM16 mono audio, used by the Bridge to accelerate playback
// (1.00-1.20x) and drain ring-buffer latency without dropping frames (§4.2).
type WSOLA struct {
	sampleRate int
	frameSize  int // samples per frame
	overlap    int // samples of overlap
	search     int // samples of search radius

	hann []float64 // length 2*overlap, precomputed Hanning window

	pending []int16 // leftover input samples carried across calls
	tailRef []int16 // previous output's trailing `overlap` samples, used as
	// the cross-correlation reference for the next call
}

// NewWSOLA builds a WSOLA stretcher. frameMs/overlapMs/searchMs follow §4.2's
// defaults (20/10/5).
func NewWSOLA(sampleRate, frameMs, overlapMs, searchMs int) *WSOLA {
	frameSize := sampleRate * frameMs / 1000
	overlap := sampleRate * overlapMs / 1000
	search := sampleRate * searchMs / 1000
	hann := make([]float64, 2*overlap)
	for i := range hann {
		hann[i] = 1
	}
	hann = window.Hann(hann)
	return &WSOLA{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		overlap:    overlap,
		search:     search,
		hann:       hann,
	}
}

// Reset discards leftover/reference state. Called on interruption.
func (w *WSOLA) Reset() {
	w.pending = nil
	w.tailRef = nil
}

// ValidateOutput reports whether b's length is a non-negative multiple of
// the 320-byte 8 kHz frame size (the hard framing invariant of §4.2).
func (w *WSOLA) ValidateOutput(b []byte) bool {
	return len(b)%FrameBytes8k == 0
}

// Process time-scales pcm16 by speedRatio and returns a byte count that is a
// non-negative multiple of frame_size*2. |speedRatio-1.0| < 0.01 is the fast
// path: input returned unchanged, internal buffer untouched.
func (w *WSOLA) Process(pcm16 []byte, speedRatio float64) []byte {
	if speedRatio > 0.99 && speedRatio < 1.01 {
		return pcm16
	}

	synthHop := w.frameSize - w.overlap
	if synthHop < 1 {
		synthHop = 1
	}
	analysisHop := int(float64(synthHop) * speedRatio)
	if analysisHop < 1 {
		analysisHop = 1
	}

	in := BytesToSamples(nil, pcm16)
	buf := append(append([]int16{}, w.pending...), in...)

	var out []int16
	pos := 0
	for pos+analysisHop+w.frameSize <= len(buf) {
		start := w.bestMatch(buf, pos, w.tailRef)
		frame := buf[start : start+w.frameSize]

		if len(out) == 0 {
			out = append(out, frame...)
		} else {
			out = crossFade(out, frame, w.overlap, w.hann)
		}

		w.tailRef = append([]int16{}, frame[w.frameSize-w.overlap:]...)
		pos += analysisHop
	}
	w.pending = append([]int16{}, buf[pos:]...)

	outBytes := SamplesToBytes(nil, out)
	// Zero-pad to the next 320-byte multiple per the hard framing invariant.
	if rem := len(outBytes) % FrameBytes8k; rem != 0 {
		outBytes = append(outBytes, make([]byte, FrameBytes8k-rem)...)
	}
	return outBytes
}

// bestMatch searches buf within +/- w.search samples of the predicted
// position pos for the window of length frameSize whose leading `overlap`
// samples best cross-correlate with ref (the previous output's tail). On a
// silent reference it returns the mid-point of the search window.
func (w *WSOLA) bestMatch(buf []int16, pos int, ref []int16) int {
	lo := pos - w.search
	if lo < 0 {
		lo = 0
	}
	hi := pos + w.search
	if hi+w.frameSize > len(buf) {
		hi = len(buf) - w.frameSize
	}
	if hi < lo {
		hi = lo
	}
	if len(ref) == 0 || normEnergy(ref) < 1e-6 {
		return (lo + hi) / 2
	}

	best := lo
	var bestScore float64 = -1
	for cand := lo; cand <= hi; cand++ {
		if cand+w.overlap > len(buf) {
			break
		}
		score := normalizedCrossCorrelation(buf[cand:cand+w.overlap], ref)
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	return best
}

func normEnergy(s []int16) float64 {
	f := int16sToFloat64s(s)
	return floats.Dot(f, f)
}

func normalizedCrossCorrelation(a, b []int16) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	af := int16sToFloat64s(a[:n])
	bf := int16sToFloat64s(b[:n])

	na := floats.Norm(af, 2)
	nb := floats.Norm(bf, 2)
	if na < 1e-9 || nb < 1e-9 {
		return 0
	}
	return floats.Dot(af, bf) / (na * nb)
}

func int16sToFloat64s(s []int16) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

func crossFade(out []int16, frame []int16, overlap int, hann []float64) []int16 {
	if len(out) < overlap {
		overlap = len(out)
	}
	tailStart := len(out) - overlap
	result := append([]int16{}, out[:tailStart]...)
	for i := 0; i < overlap; i++ {
		fadeOut := hann[overlap+i] // second half of the window: 1 -> 0
		fadeIn := hann[i]          // first half of the window: 0 -> 1
		mixed := float64(out[tailStart+i])*fadeOut + float64(frame[i])*fadeIn
		result = append(result, clampS16(mixed))
	}
	result = append(result, frame[overlap:]...)
	return result
}
