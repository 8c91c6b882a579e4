package diagnostics

import (
	"sync"
	"time"
)

// Transcript is one turn of conversation text surfaced in VoiceBridgeStats.
type Transcript struct {
	Role string
	Text string
}

// VoiceBridgeStats is the typed, always-produced report of §7: a call
// always yields one of these, even on error.
type VoiceBridgeStats struct {
	Duration      time.Duration
	InboundBytes  int
	OutboundBytes int
	Transcripts   []Transcript
	Error         error
}

// TranscriptCount reports how many transcript turns were recorded.
func (s VoiceBridgeStats) TranscriptCount() int {
	return len(s.Transcripts)
}

// defaultComparativeWindow bounds the history Recorder keeps for the
// "last N calls" comparative report named in §6 when the caller doesn't
// configure one (config.Config.DiagnosticsWindow).
const defaultComparativeWindow = 50

// Recorder aggregates VoiceBridgeStats across calls in memory: running
// totals plus a bounded ring of the most recent calls for comparative
// analysis.
type Recorder struct {
	mu sync.Mutex

	totalSessions int
	totalErrors   int
	totalDuration time.Duration
	totalInbound  int
	totalOutbound int
	lastError     string

	windowSize int
	window     []VoiceBridgeStats
	windowPos  int
}

// NewRecorder constructs an empty Recorder with a comparative window of
// windowSize calls. windowSize <= 0 falls back to defaultComparativeWindow.
func NewRecorder(windowSize int) *Recorder {
	if windowSize <= 0 {
		windowSize = defaultComparativeWindow
	}
	return &Recorder{windowSize: windowSize}
}

// Record folds one call's stats into the running totals and comparative
// window.
func (r *Recorder) Record(stats VoiceBridgeStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalSessions++
	r.totalDuration += stats.Duration
	r.totalInbound += stats.InboundBytes
	r.totalOutbound += stats.OutboundBytes
	if stats.Error != nil {
		r.totalErrors++
		r.lastError = stats.Error.Error()
	}

	if len(r.window) < r.windowSize {
		r.window = append(r.window, stats)
	} else {
		r.window[r.windowPos] = stats
		r.windowPos = (r.windowPos + 1) % r.windowSize
	}
}

// Snapshot is the point-in-time aggregate report.
type Snapshot struct {
	TotalSessions       int
	TotalErrors         int
	TotalDuration       time.Duration
	TotalInboundBytes   int
	TotalOutboundBytes  int
	LastError           string
	AverageDuration     time.Duration
}

// Snapshot returns the current running totals.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		TotalSessions:      r.totalSessions,
		TotalErrors:        r.totalErrors,
		TotalDuration:      r.totalDuration,
		TotalInboundBytes:  r.totalInbound,
		TotalOutboundBytes: r.totalOutbound,
		LastError:          r.lastError,
	}
	if r.totalSessions > 0 {
		s.AverageDuration = r.totalDuration / time.Duration(r.totalSessions)
	}
	return s
}

// ComparativeWindow returns a copy of the bounded recent-call history, in
// insertion order (oldest first), for the "last 50 calls" report of §6.
func (r *Recorder) ComparativeWindow() []VoiceBridgeStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.window) < r.windowSize {
		out := make([]VoiceBridgeStats, len(r.window))
		copy(out, r.window)
		return out
	}

	out := make([]VoiceBridgeStats, r.windowSize)
	for i := 0; i < r.windowSize; i++ {
		out[i] = r.window[(r.windowPos+i)%r.windowSize]
	}
	return out
}
