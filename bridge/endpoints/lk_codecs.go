package endpoints

// Ensure the media-sdk codecs this package's SDP negotiation can resolve are
// registered; media-sdk codecs self-register via init() when imported.
// Only PCMU/PCMA are needed here (telephonyCodecs in cmd/voicebridged offers
// nothing else), so G.722 and Opus are left unregistered.
import (
	_ "github.com/livekit/media-sdk/dtmf"
	_ "github.com/livekit/media-sdk/g711"
)
