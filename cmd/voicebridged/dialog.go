package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/diago"
	"github.com/emiago/diago/media"
	"github.com/pion/rtp"

	"github.com/fpoisson2/voicebridge/bridge/endpoints"
	"github.com/fpoisson2/voicebridge/internal/audio"
	"github.com/fpoisson2/voicebridge/internal/voiceerr"
)

// sipNativeCall implements call.NativeCall over a diago server dialog,
// grounded on bridge/service.go's handleIncomingSIP Trying/Ringing/
// AnswerOptions sequence and its defer-ordered dialog.Close() teardown.
//
// diago models one SIP dialog as a point-to-point media session; it has no
// separate "conference slot" to disconnect, so RemovePort is a no-op that
// always succeeds (the slot concept only exists in the original PBX-plugin
// source this design was distilled from).
type sipNativeCall struct {
	dialog      *diago.DialogServerSession
	log         *slog.Logger
	mediaActive chan struct{}
	earlyMedia  bool

	mu     sync.Mutex
	hungup bool
	ep     *endpoints.SipEndpoint
}

func newSIPNativeCall(dialog *diago.DialogServerSession, log *slog.Logger, earlyMedia bool) *sipNativeCall {
	return &sipNativeCall{dialog: dialog, log: log, mediaActive: make(chan struct{}), earlyMedia: earlyMedia}
}

// MediaActive signals once the SIP side has answered and negotiated a
// codec, the point the controller's start sequence (§4.8 step 2) waits on.
func (c *sipNativeCall) MediaActive() <-chan struct{} {
	return c.mediaActive
}

// AttachPort implements call.PortAttacher: once the controller leases a
// Port for this call, start the raw RTP read/write loops feeding it.
func (c *sipNativeCall) AttachPort(port *audio.Port) {
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		c.log.Error("attach port called before media negotiation")
		return
	}
	io, err := newSIPMediaIO(port, ep, c.log)
	if err != nil {
		c.log.Error("sip media io init failed", "error", err)
		return
	}
	go io.run(c.dialog.Context())
}

func (c *sipNativeCall) Answer() error {
	if err := c.dialog.Trying(); err != nil {
		c.log.Warn("sip trying failed", "error", err)
	}
	if c.earlyMedia {
		if err := c.dialog.Ringing(); err != nil {
			c.log.Warn("sip ringing failed", "error", err)
		}
	}
	if err := c.dialog.AnswerOptions(diago.AnswerOptions{Codecs: telephonyCodecs}); err != nil {
		return err
	}
	ep, err := endpoints.NewSipEndpoint(c.dialog, endpoints.SIPMediaConfig{})
	if err != nil {
		return fmt.Errorf("negotiating sip media: %w", err)
	}
	c.mu.Lock()
	c.ep = ep
	c.mu.Unlock()
	close(c.mediaActive)
	return nil
}

func (c *sipNativeCall) RemovePort() error {
	return nil
}

func (c *sipNativeCall) Hangup() error {
	c.mu.Lock()
	if c.hungup {
		c.mu.Unlock()
		return voiceerr.ErrSessionAlreadyTerminated
	}
	c.hungup = true
	c.mu.Unlock()
	return c.dialog.Close()
}

// telephonyCodecs is the fixed PCMU/PCMA offer this design supports (§6).
var telephonyCodecs = []media.Codec{
	media.CodecAudioUlaw(20 * time.Millisecond),
	media.CodecAudioAlaw(20 * time.Millisecond),
}

// sipMediaIO drives one call's native media thread: it reads RTP off the
// wire and feeds decoded PCM16 into the Port's incoming queue, and on a 20ms
// ticker pulls outgoing PCM16 from the Port and writes it back as RTP. This
// plays the role the native SIP stack's own callback thread plays in §4.3 —
// diago exposes blocking RTPReader/RTPWriter rather than native
// OnFrameRequested/OnFrameReceived callbacks, so this goroutine pair is the
// bridge between the two models, grounded on bridge/media_bridge.go's
// readSIP/writeSIP loop shape.
type sipMediaIO struct {
	port       *audio.Port
	reader     media.RTPReader
	writer     media.RTPWriter
	decodeRule audio.DecodeRule
	payloadType uint8
	log        *slog.Logger
}

func newSIPMediaIO(port *audio.Port, ep *endpoints.SipEndpoint, log *slog.Logger) (*sipMediaIO, error) {
	rule, err := decodeRuleFor(ep.Codec.Name)
	if err != nil {
		return nil, err
	}
	return &sipMediaIO{
		port:        port,
		reader:      ep.RTPReader(),
		writer:      ep.RTPWriter(),
		decodeRule:  rule,
		payloadType: ep.PayloadType(),
		log:         log,
	}, nil
}

func decodeRuleFor(codecName string) (audio.DecodeRule, error) {
	switch strings.ToUpper(codecName) {
	case "PCMU":
		return audio.DecodePCMU, nil
	case "PCMA":
		return audio.DecodePCMA, nil
	default:
		return 0, errors.New("voicebridged: unsupported negotiated codec " + codecName)
	}
}

// run drives both directions until ctx is canceled.
func (s *sipMediaIO) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.readLoop(ctx) }()
	go func() { defer wg.Done(); s.writeLoop(ctx) }()
	wg.Wait()
}

func (s *sipMediaIO) readLoop(ctx context.Context) {
	if s.reader == nil {
		s.log.Warn("sip rtp reader not available")
		return
	}
	buf := make([]byte, media.RTPBufSize)
	pkt := &rtp.Packet{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		*pkt = rtp.Packet{}
		_, err := s.reader.ReadRTP(buf, pkt)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Warn("sip rtp read failed", "error", err)
			}
			return
		}
		if uint8(pkt.PayloadType) != s.payloadType || len(pkt.Payload) == 0 {
			continue
		}
		pcm := audio.Decode8k(s.decodeRule, pkt.Payload)
		s.port.OnFrameReceived(pcm)
	}
}

func (s *sipMediaIO) writeLoop(ctx context.Context) {
	if s.writer == nil {
		s.log.Warn("sip rtp writer not available")
		return
	}
	ticker := time.NewTicker(audio.FrameMs * time.Millisecond)
	defer ticker.Stop()

	buf := make([]byte, audio.FrameBytes8k)
	const samplesPerFrame = audio.FrameBytes8k / 2
	var seq uint16
	var ts uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.port.OnFrameRequested(buf)
			payload := audio.Encode8k(s.decodeRule, buf)
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    s.payloadType,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: payload,
			}
			seq++
			ts += samplesPerFrame
			if err := s.writer.WriteRTP(pkt); err != nil {
				if ctx.Err() == nil {
					s.log.Warn("sip rtp write failed", "error", err)
				}
				return
			}
		}
	}
}
