package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fpoisson2/voicebridge/internal/audio"
	"github.com/fpoisson2/voicebridge/internal/diagnostics"
	"github.com/fpoisson2/voicebridge/internal/router"
	"github.com/fpoisson2/voicebridge/internal/rtpstream"
	"github.com/fpoisson2/voicebridge/internal/voiceerr"
)

// defaultFirstFrameTimeout is how long HandleCall waits for the native stack's
// first OnFrameRequested before proceeding without speak-first (§7,
// FirstFrameTimeout).
const defaultFirstFrameTimeout = 5 * time.Second

// NativeCall is the narrow surface the Call Controller needs from the SIP
// dialog it's driving, grounded on bridge/service.go's inDialog handling
// (Answer/Trying/Ringing/200 OK) and its hang-up-all teardown safeguard.
type NativeCall interface {
	// Answer accepts the call (200 OK) and begins the native media path.
	Answer() error
	// RemovePort disconnects the call's conference/mixer slot. A non-nil
	// error is logged as a ConferenceSlotLeak but never blocks teardown.
	RemovePort() error
	// Hangup is the final, idempotent "hang up this call" safeguard; it
	// must tolerate being invoked on an already-terminated call.
	Hangup() error
}

// ModelSession is the Session Adapter surface the controller depends on:
// everything the Router needs, plus the lifecycle Close the controller
// owns.
type ModelSession interface {
	router.AudioSession
	Close() error
}

// OpenSession dials a fresh model session. Injected so tests can supply a
// fake without touching a real websocket.
type OpenSession func(ctx context.Context) (ModelSession, error)

// PortAttacher is an optional NativeCall capability. A real SIP dialog wraps
// its raw RTP read/write loops around the leased Port once the controller
// hands it over; test fakes typically skip it.
type PortAttacher interface {
	AttachPort(port *audio.Port)
}

// Config carries the controller's tunables.
type Config struct {
	// MaxActiveCalls caps concurrent calls; zero means unbounded. Exceeding
	// it yields voiceerr.ErrPortAcquisition before the call is ever answered.
	MaxActiveCalls int

	// SpeakFirst selects the start-sequence branch of §4.8: true sends
	// response.create immediately and defers silence-priming to the
	// Router's first TTS chunk; false primes the ring with silence and
	// enables audio output before requesting a response.
	SpeakFirst         bool
	PrimeSilenceFrames int
	FirstFrameTimeout  time.Duration

	// SessionOpenTimeout bounds how long openSession may take during the
	// sdk_connect phase before the call is torn down as failed. Zero means
	// no bound beyond the call's own context.
	SessionOpenTimeout time.Duration

	// EstablishTimeout bounds the entire establish sequence (media
	// negotiation through the first-frame-ready wait and, when the ring is
	// primed with silence, the wait for the first inbound RTP packet); a
	// call still establishing when it expires is torn down as failed. Zero
	// means no bound beyond the call's own context.
	EstablishTimeout time.Duration

	RingThresholds audio.RingThresholds
	RouterConfig   router.Config
}

// Controller is the Call Controller of §4.8: it owns the Port Pool and the
// Recorder, and drives each call's start sequence, router, and teardown in
// order.
type Controller struct {
	pool        *audio.Pool
	recorder    *diagnostics.Recorder
	openSession OpenSession
	cfg         Config
	log         *slog.Logger

	activeCalls atomic.Int64
}

// NewController constructs a Controller. log may be nil (defaults to slog.Default()).
func NewController(pool *audio.Pool, recorder *diagnostics.Recorder, openSession OpenSession, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FirstFrameTimeout <= 0 {
		cfg.FirstFrameTimeout = defaultFirstFrameTimeout
	}
	if cfg.RingThresholds == (audio.RingThresholds{}) {
		cfg.RingThresholds = audio.DefaultRingThresholds
	}
	return &Controller{pool: pool, recorder: recorder, openSession: openSession, cfg: cfg, log: log}
}

// ActiveCalls reports the current number of in-flight calls.
func (c *Controller) ActiveCalls() int64 {
	return c.activeCalls.Load()
}

func (c *Controller) admit() bool {
	if c.cfg.MaxActiveCalls <= 0 {
		c.activeCalls.Add(1)
		return true
	}
	for {
		cur := c.activeCalls.Load()
		if cur >= int64(c.cfg.MaxActiveCalls) {
			return false
		}
		if c.activeCalls.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (c *Controller) release() {
	c.activeCalls.Add(-1)
}

// HandleCall drives one call end to end: answer, lease a Port, open a model
// session, run the speak-first branch, pump the Router until it stops, then
// tear everything down in the mandatory order. It always returns a
// VoiceBridgeStats, even when a step fails partway through (§7).
func (c *Controller) HandleCall(ctx context.Context, callID string, callNumber int, native NativeCall, mediaActive <-chan struct{}, hooks router.Hooks) diagnostics.VoiceBridgeStats {
	if !c.admit() {
		stats := diagnostics.VoiceBridgeStats{Error: voiceerr.ErrPortAcquisition}
		c.recorder.Record(stats)
		return stats
	}
	defer c.release()

	diag := diagnostics.New(callID, callNumber)
	diag.StartPhase(diagnostics.PhaseRing)

	cl := newCall(callID, callNumber, native, c.pool, diag, c.log)

	if err := native.Answer(); err != nil {
		diag.EndPhase(diagnostics.PhaseRing, nil)
		stats := diagnostics.VoiceBridgeStats{
			Duration: time.Since(cl.started),
			Error:    fmt.Errorf("answering call: %w", err),
		}
		c.recorder.Record(stats)
		return stats
	}
	diag.EndPhase(diagnostics.PhaseRing, nil)
	cl.transition(StateAnswered)
	diag.StartPhase(diagnostics.PhaseSessionCreate)

	establishCtx := ctx
	if c.cfg.EstablishTimeout > 0 {
		var cancelEstablish context.CancelFunc
		establishCtx, cancelEstablish = context.WithTimeout(ctx, c.cfg.EstablishTimeout)
		defer cancelEstablish()
	}

	select {
	case <-mediaActive:
	case <-establishCtx.Done():
		stats := cl.teardown(establishCtx.Err())
		c.recorder.Record(stats)
		return stats
	}
	cl.transition(StateMediaActive)
	diag.StartPhase(diagnostics.PhaseMediaActive)

	ready := make(chan struct{}, 1)
	bridge := audio.NewBridge(c.cfg.RingThresholds, nil)
	port := c.pool.Acquire(ready, bridge)
	cl.attach(port, bridge)
	if attacher, ok := native.(PortAttacher); ok {
		attacher.AttachPort(port)
	}

	diag.StartPhase(diagnostics.PhaseSDKConnect)
	sessCtx := establishCtx
	if c.cfg.SessionOpenTimeout > 0 {
		var cancel context.CancelFunc
		sessCtx, cancel = context.WithTimeout(establishCtx, c.cfg.SessionOpenTimeout)
		defer cancel()
	}
	sess, err := c.openSession(sessCtx)
	diag.EndPhase(diagnostics.PhaseSDKConnect, nil)
	if err != nil {
		stats := cl.teardown(&voiceerr.ModelProtocolError{Code: "session_open_failed", Err: err})
		c.recorder.Record(stats)
		return stats
	}
	cl.attachSession(sess)
	diag.EndPhase(diagnostics.PhaseSessionCreate, nil)

	mediaReady := make(chan struct{})
	close(mediaReady)
	producer := rtpstream.NewProducer(port, mediaReady, diag)
	producerOut := producer.Stream(ctx)

	timedOut := false
	select {
	case <-ready:
	case <-time.After(c.cfg.FirstFrameTimeout):
		timedOut = true
		c.log.Warn("first frame requested timeout, proceeding without speak-first",
			"call_id", callID, "error", voiceerr.ErrFirstFrameTimeout)
	case <-establishCtx.Done():
		stats := cl.teardown(establishCtx.Err())
		c.recorder.Record(stats)
		return stats
	}
	diag.EndPhase(diagnostics.PhaseMediaActive, nil)
	cl.transition(StatePrimed)

	diag.StartPhase(diagnostics.PhaseFirstTTS)
	if c.cfg.SpeakFirst && !timedOut {
		_ = sess.SendRawEvent(map[string]any{"type": "response.create"})
	} else {
		// Option (b) of the non-speak-first branch: silence is only
		// meaningful once the native side is actually carrying inbound RTP,
		// so wait for the Producer's first decoded packet rather than
		// priming on the outbound-pull-ready signal alone.
		select {
		case <-producer.FirstPacketReceived():
		case <-establishCtx.Done():
			stats := cl.teardown(establishCtx.Err())
			c.recorder.Record(stats)
			return stats
		}
		bridge.SendPrimeSilenceDirect(c.cfg.PrimeSilenceFrames)
		bridge.EnableAudioOutput()
		_ = sess.SendRawEvent(map[string]any{"type": "response.create"})
	}
	diag.EndPhase(diagnostics.PhaseResponseCreate, nil)
	cl.transition(StateRunning)

	tracker := router.NewPlaybackTracker(audio.Rate24k, func() { cl.transition(StateInterrupting) })

	rt := router.New(sess, bridge, producerOut, tracker, cl.wrapHooks(hooks), c.cfg.RouterConfig, c.log)
	runErr := rt.Run(ctx)

	stats := cl.teardown(runErr)
	c.recorder.Record(stats)
	return stats
}

// call is the per-call lifecycle state referenced by §3's CallSession: the
// state machine, leased resources, and the accumulators that feed the final
// VoiceBridgeStats.
type call struct {
	id     string
	number int
	native NativeCall
	pool   *audio.Pool
	diag   *diagnostics.CallDiagnostics
	log    *slog.Logger

	started time.Time

	mu         sync.Mutex
	state      State
	port       *audio.Port
	bridge     *audio.Bridge
	sess       ModelSession
	closed     bool
	finalStats diagnostics.VoiceBridgeStats

	inboundBytes  int
	outboundBytes int
	transcripts   []diagnostics.Transcript
}

func newCall(id string, number int, native NativeCall, pool *audio.Pool, diag *diagnostics.CallDiagnostics, log *slog.Logger) *call {
	return &call{
		id:      id,
		number:  number,
		native:  native,
		pool:    pool,
		diag:    diag,
		log:     log,
		started: time.Now(),
		state:   StateRinging,
	}
}

func (c *call) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if canTransition(c.state, to) {
		c.state = to
	}
}

func (c *call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) attach(port *audio.Port, bridge *audio.Bridge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = port
	c.bridge = bridge
}

func (c *call) attachSession(sess ModelSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = sess
}

func (c *call) addInbound(n int) {
	c.mu.Lock()
	c.inboundBytes += n
	c.mu.Unlock()
}

func (c *call) addOutbound(n int) {
	c.mu.Lock()
	c.outboundBytes += n
	c.mu.Unlock()
}

func (c *call) recordTranscript(ev router.TranscriptEvent) {
	if !ev.Done {
		return
	}
	c.mu.Lock()
	c.transcripts = append(c.transcripts, diagnostics.Transcript{Role: ev.Role, Text: ev.Text})
	c.mu.Unlock()
}

// wrapHooks layers the controller's own stat-accumulating callbacks around
// whatever the caller supplied, so VoiceBridgeStats stays populated even when
// the caller passes a zero-value Hooks.
func (c *call) wrapHooks(h router.Hooks) router.Hooks {
	userInbound, userOutbound, userTranscript := h.OnAudioInbound, h.OnAudioOutbound, h.OnTranscript
	h.OnAudioInbound = func(pcm []byte) {
		c.addInbound(len(pcm))
		if userInbound != nil {
			userInbound(pcm)
		}
	}
	h.OnAudioOutbound = func(pcm []byte) {
		c.addOutbound(len(pcm))
		if userOutbound != nil {
			userOutbound(pcm)
		}
	}
	h.OnTranscript = func(ev router.TranscriptEvent) {
		c.recordTranscript(ev)
		if userTranscript != nil {
			userTranscript(ev)
		}
	}
	return h
}

// teardown runs the mandatory, idempotent shutdown sequence of §4.8:
//  1. mark terminated before any further SIP-stack call
//  2. disable the Port
//  3. stop the Bridge
//  4. drain both Port queues
//  5. disconnect the native conference/mixer slot (ConferenceSlotLeak on failure)
//  6. release the Port to the pool (dropped instead after a slot leak)
//  7. break circular references (close the model session)
//  8. force the SIP stack's hang-up-all safeguard
//
// A second call returns the stats computed by the first, without repeating
// any step.
func (c *call) teardown(cause error) diagnostics.VoiceBridgeStats {
	c.mu.Lock()
	if c.closed {
		stats := c.finalStats
		c.mu.Unlock()
		return stats
	}
	c.state = StateTerminated
	port, bridge, sess, native := c.port, c.bridge, c.sess, c.native
	c.mu.Unlock()

	c.diag.MarkTerminated()

	if port != nil {
		port.Disable()
	}
	if bridge != nil {
		bridge.Stop()
	}
	if port != nil {
		port.ClearIncoming()
		port.ClearOutgoing()
	}

	slotLeaked := false
	if native != nil {
		if err := native.RemovePort(); err != nil {
			slotLeaked = true
			leak := &voiceerr.ConferenceSlotLeak{SlotID: c.id, Err: err}
			c.log.Error("conference slot leak during teardown", "call_id", c.id, "error", leak)
		}
	}

	if port != nil && !slotLeaked {
		c.pool.Release(port)
	}

	c.mu.Lock()
	c.port, c.bridge, c.sess, c.native = nil, nil, nil, nil
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}

	if native != nil {
		if err := native.Hangup(); err != nil && !errors.Is(err, voiceerr.ErrSessionAlreadyTerminated) {
			c.log.Warn("hang-up-all safeguard reported an error", "call_id", c.id, "error", err)
		}
	}

	c.diag.MarkCleanupDone()
	c.diag.MarkClosed()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.closed = true
	c.finalStats = diagnostics.VoiceBridgeStats{
		Duration:      time.Since(c.started),
		InboundBytes:  c.inboundBytes,
		OutboundBytes: c.outboundBytes,
		Transcripts:   append([]diagnostics.Transcript(nil), c.transcripts...),
		Error:         cause,
	}
	return c.finalStats
}
