package audio

import "github.com/zaf/g711"

// DecodeRule is the inbound SIP media decoding policy of §6: PCMU/PCMA are
// decoded to linear PCM16 at 8 kHz, PCM passes through, and an empty payload
// produces no output.
type DecodeRule int

const (
	DecodePCMU DecodeRule = iota
	DecodePCMA
	DecodePCM16
)

// Decode8k converts an inbound RTP payload to PCM16LE mono @ 8 kHz per rule.
func Decode8k(rule DecodeRule, payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	switch rule {
	case DecodePCMU:
		return g711.DecodeUlaw(payload)
	case DecodePCMA:
		return g711.DecodeAlaw(payload)
	default:
		return payload
	}
}

// Encode8k converts outbound PCM16LE mono @ 8 kHz to the RTP wire payload.
func Encode8k(rule DecodeRule, pcm16 []byte) []byte {
	if len(pcm16) == 0 {
		return nil
	}
	switch rule {
	case DecodePCMU:
		return g711.EncodeUlaw(pcm16)
	case DecodePCMA:
		return g711.EncodeAlaw(pcm16)
	default:
		return pcm16
	}
}
