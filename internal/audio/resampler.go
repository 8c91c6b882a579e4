package audio

import "gonum.org/v1/gonum/floats"

// Resampler converts PCM16 mono audio between a fixed source and target
// sample rate. It keeps fractional-phase state across calls, so a stream of
// chunks resamples identically to one large chunk (§4.1).
type Resampler struct {
	fromRate int
	toRate   int
	channels int

	ratio float64 // toRate / fromRate

	// tail holds the last input sample(s) carried across calls so
	// interpolation at a chunk boundary has a left-hand neighbor.
	tail []float64
	// phase is the fractional position (in input-sample units) of the next
	// output sample relative to the start of tail+input.
	phase float64
	primed bool
}

// New builds a Resampler for fromRate -> toRate PCM16 mono/channels audio.
func New(fromRate, toRate, channels int) *Resampler {
	if fromRate < 1 {
		fromRate = 1
	}
	if toRate < 1 {
		toRate = 1
	}
	if channels < 1 {
		channels = 1
	}
	return &Resampler{
		fromRate: fromRate,
		toRate:   toRate,
		channels: channels,
		ratio:    float64(toRate) / float64(fromRate),
		tail:     make([]float64, channels),
	}
}

// Reset discards accumulated interpolation state. Called on interruption and
// teardown.
func (r *Resampler) Reset() {
	r.phase = 0
	r.primed = false
	for i := range r.tail {
		r.tail[i] = 0
	}
}

// Resample converts a PCM16LE byte buffer from fromRate to toRate, returning
// a new PCM16LE byte buffer. The output length need not be an exact multiple
// of anything; any fractional remainder is retained in internal state for
// the next call.
func (r *Resampler) Resample(pcm16 []byte) []byte {
	ch := r.channels
	frames := len(pcm16) / 2 / ch
	if frames == 0 {
		return nil
	}

	in := make([]float64, (frames+1)*ch)
	// Seed position 0 with the carried tail so interpolation across the
	// boundary uses the true previous sample, not a zero.
	copy(in[:ch], r.tail)
	for f := 0; f < frames; f++ {
		for c := 0; c < ch; c++ {
			in[(f+1)*ch+c] = float64(readS16(pcm16, (f*ch+c)*2))
		}
	}

	step := 1.0 / r.ratio
	// phase is expressed in "input frames past position 0 of in []"; position
	// 0 corresponds to the carried tail sample, position 1 to the first new
	// input frame.
	pos := r.phase
	if !r.primed {
		pos = 1.0 // nothing before the first real input frame; start there
		r.primed = true
	}

	var outSamples []float64
	maxPos := float64(frames) // don't consume past the last new input frame
	for pos < maxPos+1e-9 {
		i0 := int(pos)
		frac := pos - float64(i0)
		if i0 >= frames {
			break
		}
		for c := 0; c < ch; c++ {
			a := in[i0*ch+c]
			b := a
			if i0+1 <= frames {
				b = in[(i0+1)*ch+c]
			}
			outSamples = append(outSamples, lerp(a, b, frac))
		}
		pos += step
	}

	// Carry the fractional phase relative to the NEW tail (the last real
	// input frame), and remember the last frame as the new tail.
	r.phase = pos - float64(frames)
	for c := 0; c < ch; c++ {
		r.tail[c] = in[frames*ch+c]
	}

	out := make([]byte, len(outSamples)*2)
	for i, s := range outSamples {
		writeS16(out, i*2, clampS16(s))
	}
	return out
}

func lerp(a, b, frac float64) float64 {
	// floats.Sum/affine helpers aren't needed for a two-point interpolation,
	// but keep the computation expressed the way gonum's vector ops would:
	// out = a + frac*(b-a).
	diff := []float64{b - a}
	floats.Scale(frac, diff)
	return a + diff[0]
}

func clampS16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
