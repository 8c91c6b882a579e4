package endpoints

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/diago"
	"github.com/emiago/diago/media"
)

type SIPDialog interface {
	MediaSession() *media.MediaSession
	Media() *diago.DialogMedia
}

// SipEndpoint negotiates and exposes the codec and raw RTP reader/writer for
// one SIP dialog, restricted to the PCMU/PCMA codecs telephonyCodecs offers.
type SipEndpoint struct {
	Codec media.Codec

	rtpReader media.RTPReader
	rtpWriter media.RTPWriter
}

type SIPMediaConfig struct{}

func NewSipEndpoint(dialog SIPDialog, cfg SIPMediaConfig) (*SipEndpoint, error) {
	session := dialog.MediaSession()
	if session == nil {
		return nil, errors.New("sip media session not ready")
	}
	// Pick the negotiated *audio* codec (ignore telephone-event which is
	// DTMF-only); when the intersection ends up DTMF-only (peer didn't offer
	// any of our audio codecs), surface a clear error.
	pickAudio := func() (media.Codec, error) {
		if commons := session.CommonCodecs(); len(commons) > 0 {
			if c, ok := media.CodecAudioFromList(commons); ok {
				return c, nil
			}
			return media.Codec{}, fmt.Errorf("no audio codec negotiated (common codecs are DTMF-only): %v", commons)
		}
		if c, ok := media.CodecAudioFromList(session.Codecs); ok {
			return c, nil
		}
		return media.Codec{}, errors.New("no audio codec negotiated")
	}
	codec, err := pickAudio()
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(codec.Name) {
	case "PCMU", "PCMA":
	default:
		return nil, fmt.Errorf("unsupported sip codec %q", codec.Name)
	}
	if codec.NumChannels != 1 {
		return nil, fmt.Errorf("unsupported sip channel count %d", codec.NumChannels)
	}

	return &SipEndpoint{
		Codec:     codec,
		rtpReader: dialog.Media().RTPPacketReader.Reader(),
		rtpWriter: dialog.Media().RTPPacketWriter.Writer(),
	}, nil
}

func (s *SipEndpoint) PayloadType() uint8 {
	return uint8(s.Codec.PayloadType)
}

func (s *SipEndpoint) RTPReader() media.RTPReader {
	return s.rtpReader
}

func (s *SipEndpoint) RTPWriter() media.RTPWriter {
	return s.rtpWriter
}
