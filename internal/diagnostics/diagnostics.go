// Package diagnostics records per-call phase timing and keeps a bounded
// comparative window across recent calls, per §3/§6 of the voice bridge
// design: named phases (ring, session_create, sdk_connect, media_active,
// first_rtp, first_tts, response_create) and a rolling history for spotting
// calls that regress relative to their peers.
package diagnostics

import (
	"sync"
	"time"
)

// Phase names tracked by every CallDiagnostics.
const (
	PhaseRing           = "ring"
	PhaseSessionCreate  = "session_create"
	PhaseSDKConnect     = "sdk_connect"
	PhaseMediaActive    = "media_active"
	PhaseFirstRTP       = "first_rtp"
	PhaseFirstTTS       = "first_tts"
	PhaseResponseCreate = "response_create"
)

// PhaseMetrics is the start/end timing of one named phase of a call.
type PhaseMetrics struct {
	Name     string
	Start    time.Time
	End      time.Time
	Duration time.Duration
	Metadata map[string]any
}

func newPhase(name string) *PhaseMetrics {
	return &PhaseMetrics{Name: name}
}

func (p *PhaseMetrics) begin() {
	p.Start = time.Now()
}

func (p *PhaseMetrics) finish(metadata map[string]any) {
	p.End = time.Now()
	if !p.Start.IsZero() {
		p.Duration = p.End.Sub(p.Start)
	}
	if len(metadata) > 0 {
		if p.Metadata == nil {
			p.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			p.Metadata[k] = v
		}
	}
}

// CallDiagnostics is the full diagnostics collection for one call, covering
// phase timings, resource/frame counters, and lifecycle flags.
type CallDiagnostics struct {
	mu sync.Mutex

	CallID     string
	CallNumber int

	phases map[string]*PhaseMetrics

	PortReuseCount  int
	PortRecreated   bool
	CleanupDone     bool
	CallClosed      bool
	CallTerminated  bool

	FramesRequested       int
	OutgoingAudioFrames   int
	OutgoingSilenceFrames int
	IncomingFrames        int

	NonePacketsBeforeAudio int
}

// New constructs a CallDiagnostics with all named phases pre-registered.
func New(callID string, callNumber int) *CallDiagnostics {
	d := &CallDiagnostics{
		CallID:     callID,
		CallNumber: callNumber,
		phases:     make(map[string]*PhaseMetrics),
	}
	for _, name := range []string{
		PhaseRing, PhaseSessionCreate, PhaseSDKConnect, PhaseMediaActive,
		PhaseFirstRTP, PhaseFirstTTS, PhaseResponseCreate,
	} {
		d.phases[name] = newPhase(name)
	}
	return d
}

// StartPhase marks the start of a named phase. Starting an unregistered
// phase name is a no-op other than registering it, so callers never need a
// prior existence check.
func (d *CallDiagnostics) StartPhase(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.phases[name]
	if !ok {
		p = newPhase(name)
		d.phases[name] = p
	}
	p.begin()
}

// EndPhase marks the end of a named phase and attaches optional metadata.
func (d *CallDiagnostics) EndPhase(name string, metadata map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.phases[name]
	if !ok {
		return
	}
	p.finish(metadata)
}

// Durations returns a snapshot of phase_name -> duration for every phase
// that has completed.
func (d *CallDiagnostics) Durations() map[string]time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Duration, len(d.phases))
	for name, p := range d.phases {
		if !p.End.IsZero() {
			out[name] = p.Duration
		}
	}
	return out
}

// ResetFrameCounters zeroes the AudioPort-mirroring frame counters, used
// when a recycled port starts a fresh call.
func (d *CallDiagnostics) ResetFrameCounters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FramesRequested = 0
	d.OutgoingAudioFrames = 0
	d.OutgoingSilenceFrames = 0
	d.IncomingFrames = 0
}

// RecordFrameRequested increments the frames-requested counter.
func (d *CallDiagnostics) RecordFrameRequested() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FramesRequested++
	return d.FramesRequested
}

// RecordOutgoingFrame increments the outgoing (and, if silent, the
// outgoing-silence) counters.
func (d *CallDiagnostics) RecordOutgoingFrame(isSilence bool) (total, silence int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OutgoingAudioFrames++
	if isSilence {
		d.OutgoingSilenceFrames++
	}
	return d.OutgoingAudioFrames, d.OutgoingSilenceFrames
}

// RecordIncomingFrame increments the incoming-from-phone counter.
func (d *CallDiagnostics) RecordIncomingFrame() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.IncomingFrames++
	return d.IncomingFrames
}

// MarkTerminated records that the call ended on the SIP/RTP side.
func (d *CallDiagnostics) MarkTerminated() {
	d.mu.Lock()
	d.CallTerminated = true
	d.mu.Unlock()
}

// MarkClosed records that the call's adapter-side teardown ran.
func (d *CallDiagnostics) MarkClosed() {
	d.mu.Lock()
	d.CallClosed = true
	d.mu.Unlock()
}

// MarkCleanupDone records that full cleanup has already executed, so a
// second teardown attempt can be skipped.
func (d *CallDiagnostics) MarkCleanupDone() {
	d.mu.Lock()
	d.CleanupDone = true
	d.mu.Unlock()
}

// ShouldSkipCleanup reports whether cleanup has already run.
func (d *CallDiagnostics) ShouldSkipCleanup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CleanupDone || d.CallClosed
}
