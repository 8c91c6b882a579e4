// Package rtpstream implements the RTP Stream Producer (§4.5): it pulls
// decoded 8 kHz PCM frames from an AudioPort, upsamples them to 24 kHz, and
// emits exactly-960-byte packets on a channel with monotonic timestamp and
// sequence numbers, in the shape the teacher's rtp_adapter.go/
// silence_filler.go give their own RTP timestamp tracking.
package rtpstream

import (
	"context"
	"time"

	"github.com/fpoisson2/voicebridge/internal/audio"
	"github.com/fpoisson2/voicebridge/internal/diagnostics"
	"github.com/pion/rtp"
)

// pollInterval is how long Stream sleeps between empty-queue polls of the
// Port's incoming frames.
const pollInterval = 10 * time.Millisecond

// samplesPerPacket is the 24 kHz sample count of one 960-byte PCM16 frame.
const samplesPerPacket = audio.SamplesPerRTPFrame

// RtpPacket is the decoded-domain packet emitted by Stream: PCM16 mono at
// the session rate, carrying a pion/rtp header whose sequence number and
// timestamp advance monotonically across the stream.
type RtpPacket struct {
	Header  rtp.Header
	Payload []byte
}

// FrameSource is the narrow Port surface the Producer depends on.
type FrameSource interface {
	GetFrame() ([]byte, bool)
}

// Producer is the RTP Stream Producer of §4.5.
type Producer struct {
	port       FrameSource
	resampler  *audio.Resampler
	diag       *diagnostics.CallDiagnostics
	mediaActive <-chan struct{}

	remainder []byte
	seq       uint16
	ts        uint32

	firstPacketSeen bool
	firstPacket     chan struct{}
}

// NewProducer constructs a Producer that waits on mediaActive before
// yielding its first packet, matching the "avoids capturing pre-media
// noise" guarantee of §4.5.
func NewProducer(port FrameSource, mediaActive <-chan struct{}, diag *diagnostics.CallDiagnostics) *Producer {
	return &Producer{
		port:        port,
		resampler:   audio.New(audio.Rate8k, audio.Rate24k, 1),
		diag:        diag,
		mediaActive: mediaActive,
		firstPacket: make(chan struct{}),
	}
}

// FirstPacketReceived is closed the moment the Producer decodes its first
// inbound RTP frame, letting a caller distinguish "the native stack has
// media flowing" from "the Port is ready to be pulled from" (§4.8 step 4b).
func (p *Producer) FirstPacketReceived() <-chan struct{} {
	return p.firstPacket
}

// Stream runs until ctx is canceled, emitting exactly-960-byte RtpPackets on
// the returned channel. The channel is closed when Stream returns.
func (p *Producer) Stream(ctx context.Context) <-chan RtpPacket {
	out := make(chan RtpPacket)
	go p.run(ctx, out)
	return out
}

func (p *Producer) run(ctx context.Context, out chan<- RtpPacket) {
	defer close(out)

	select {
	case <-ctx.Done():
		return
	case <-p.mediaActive:
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, ok := p.port.GetFrame()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		p.handleFrame(frame)

		for len(p.remainder) >= audio.FrameBytes24k {
			pkt := RtpPacket{
				Header: rtp.Header{
					SequenceNumber: p.seq,
					Timestamp:      p.ts,
				},
				Payload: append([]byte(nil), p.remainder[:audio.FrameBytes24k]...),
			}
			p.remainder = p.remainder[audio.FrameBytes24k:]
			p.seq++
			p.ts += samplesPerPacket

			select {
			case out <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Producer) handleFrame(frame []byte) {
	if !p.firstPacketSeen {
		p.firstPacketSeen = true
		close(p.firstPacket)
		if p.diag != nil {
			p.diag.EndPhase(diagnostics.PhaseFirstRTP, nil)
		}
	}

	upsampled := p.resampler.Resample(frame)
	p.remainder = append(p.remainder, upsampled...)
}

// Reset clears the upsample remainder and resampler state. Stream never
// calls it (Resample reports no errors), and no other caller in this module
// does either.
func (p *Producer) Reset() {
	p.remainder = p.remainder[:0]
	p.resampler.Reset()
}
