package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpoisson2/voicebridge/internal/audio"
	"github.com/fpoisson2/voicebridge/internal/diagnostics"
	"github.com/fpoisson2/voicebridge/internal/router"
	"github.com/fpoisson2/voicebridge/internal/session"
	"github.com/fpoisson2/voicebridge/internal/voiceerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNativeCall struct {
	mu           sync.Mutex
	answerErr    error
	removeErr    error
	hangupCalls  int
	removeCalls  int
	answerCalls  int

	// skipFrameRequest keeps AttachPort from pulling an outbound frame, so
	// the Port's first-frame-ready signal never fires.
	skipFrameRequest bool
}

func (f *fakeNativeCall) Answer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCalls++
	return f.answerErr
}

func (f *fakeNativeCall) RemovePort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	return f.removeErr
}

func (f *fakeNativeCall) Hangup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangupCalls++
	return nil
}

// AttachPort stands in for the native media thread: it delivers one inbound
// frame and, unless skipFrameRequest is set, one outbound pull.
func (f *fakeNativeCall) AttachPort(port *audio.Port) {
	port.OnFrameReceived(make([]byte, audio.FrameBytes8k))
	if !f.skipFrameRequest {
		port.OnFrameRequested(make([]byte, audio.FrameBytes8k))
	}
}

func (f *fakeNativeCall) counts() (answer, remove, hangup int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerCalls, f.removeCalls, f.hangupCalls
}

type fakeModelSession struct {
	mu         sync.Mutex
	events     chan session.ServerEvent
	closeCalls int
	raws       []any
}

func newFakeModelSession() *fakeModelSession {
	return &fakeModelSession{events: make(chan session.ServerEvent, 16)}
}

func (f *fakeModelSession) SendAudio(pcm []byte, commit bool) error { return nil }

func (f *fakeModelSession) SendRawEvent(event any) error {
	f.mu.Lock()
	f.raws = append(f.raws, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeModelSession) Events() <-chan session.ServerEvent { return f.events }

func (f *fakeModelSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func testConfig() Config {
	return Config{
		PrimeSilenceFrames: 2,
		FirstFrameTimeout:  200 * time.Millisecond,
		RingThresholds:     audio.DefaultRingThresholds,
	}
}

func mediaActiveNow() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestHandleCallRunsStartSequenceAndClosesCleanlyOnHangup(t *testing.T) {
	pool := audio.NewPool(0, 0)
	recorder := diagnostics.NewRecorder(0)
	sess := newFakeModelSession()
	native := &fakeNativeCall{}

	opener := func(context.Context) (ModelSession, error) { return sess, nil }
	ctrl := NewController(pool, recorder, opener, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan diagnostics.VoiceBridgeStats, 1)
	go func() {
		done <- ctrl.HandleCall(ctx, "call-1", 1, native, mediaActiveNow(), router.Hooks{})
	}()

	// Give the start sequence time to reach "running", then hang up.
	time.Sleep(30 * time.Millisecond)
	cancel()

	var stats diagnostics.VoiceBridgeStats
	select {
	case stats = <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleCall never returned after cancellation")
	}

	assert.NoError(t, stats.Error)
	answerCalls, removeCalls, hangupCalls := native.counts()
	assert.Equal(t, 1, answerCalls)
	assert.Equal(t, 1, removeCalls)
	assert.Equal(t, 1, hangupCalls)
	assert.Equal(t, 1, sess.closeCalls)
	assert.LessOrEqual(t, pool.Size(), 1)
}

func TestHandleCallRejectsOverCapacity(t *testing.T) {
	pool := audio.NewPool(0, 0)
	recorder := diagnostics.NewRecorder(0)
	opener := func(context.Context) (ModelSession, error) { return newFakeModelSession(), nil }
	cfg := testConfig()
	cfg.MaxActiveCalls = 1
	ctrl := NewController(pool, recorder, opener, cfg, nil)

	blockCtx, unblock := context.WithCancel(context.Background())
	native1 := &fakeNativeCall{}
	started := make(chan struct{})
	go func() {
		close(started)
		ctrl.HandleCall(blockCtx, "call-1", 1, native1, make(chan struct{}), router.Hooks{})
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	native2 := &fakeNativeCall{}
	stats := ctrl.HandleCall(context.Background(), "call-2", 2, native2, mediaActiveNow(), router.Hooks{})

	require.Error(t, stats.Error)
	assert.True(t, errors.Is(stats.Error, voiceerr.ErrPortAcquisition))
	answerCalls, _, _ := native2.counts()
	assert.Equal(t, 0, answerCalls, "a rejected call must never be answered")

	unblock()
}

func TestHandleCallSurfacesAnswerFailureWithoutLeasingAPort(t *testing.T) {
	pool := audio.NewPool(0, 0)
	recorder := diagnostics.NewRecorder(0)
	opener := func(context.Context) (ModelSession, error) { return newFakeModelSession(), nil }
	native := &fakeNativeCall{answerErr: errors.New("sip: 503")}
	ctrl := NewController(pool, recorder, opener, testConfig(), nil)

	stats := ctrl.HandleCall(context.Background(), "call-1", 1, native, mediaActiveNow(), router.Hooks{})

	require.Error(t, stats.Error)
	assert.Equal(t, 0, pool.Size())
	_, removeCalls, hangupCalls := native.counts()
	assert.Equal(t, 0, removeCalls)
	assert.Equal(t, 0, hangupCalls)
}

func TestHandleCallSurfacesSessionOpenFailureAndStillReleasesPort(t *testing.T) {
	pool := audio.NewPool(0, 0)
	recorder := diagnostics.NewRecorder(0)
	openErr := errors.New("dial failed")
	opener := func(context.Context) (ModelSession, error) { return nil, openErr }
	native := &fakeNativeCall{}
	ctrl := NewController(pool, recorder, opener, testConfig(), nil)

	stats := ctrl.HandleCall(context.Background(), "call-1", 1, native, mediaActiveNow(), router.Hooks{})

	require.Error(t, stats.Error)
	var protoErr *voiceerr.ModelProtocolError
	assert.True(t, errors.As(stats.Error, &protoErr))
	assert.Equal(t, 1, pool.Size(), "the leased port must still return to the pool")
	_, removeCalls, hangupCalls := native.counts()
	assert.Equal(t, 1, removeCalls)
	assert.Equal(t, 1, hangupCalls)
}

func TestTeardownIsIdempotent(t *testing.T) {
	pool := audio.NewPool(0, 0)
	diag := diagnostics.New("call-1", 1)
	native := &fakeNativeCall{}
	port := pool.Acquire(make(chan struct{}, 1), audio.NewBridge(audio.DefaultRingThresholds, nil))
	bridge := audio.NewBridge(audio.DefaultRingThresholds, nil)
	sess := newFakeModelSession()

	cl := newCall("call-1", 1, native, pool, diag, nil)
	cl.attach(port, bridge)
	cl.attachSession(sess)

	first := cl.teardown(nil)
	second := cl.teardown(errors.New("should be ignored"))

	assert.Equal(t, first, second)
	assert.Equal(t, StateClosed, cl.State())
	_, removeCalls, hangupCalls := native.counts()
	assert.Equal(t, 1, removeCalls, "conference slot must be disconnected exactly once")
	assert.Equal(t, 1, hangupCalls, "hang-up-all safeguard must fire exactly once")
	assert.Equal(t, 1, sess.closeCalls)
	assert.Equal(t, 1, pool.Size())
}

func TestTeardownLogsConferenceSlotLeakAndDropsPort(t *testing.T) {
	pool := audio.NewPool(0, 0)
	diag := diagnostics.New("call-1", 1)
	native := &fakeNativeCall{removeErr: errors.New("slot busy")}
	port := pool.Acquire(make(chan struct{}, 1), nil)

	cl := newCall("call-1", 1, native, pool, diag, nil)
	cl.attach(port, audio.NewBridge(audio.DefaultRingThresholds, nil))

	stats := cl.teardown(nil)

	assert.NoError(t, stats.Error)
	assert.Equal(t, 0, pool.Size(), "a port whose slot leaked must not be recycled")
	_, removeCalls, _ := native.counts()
	assert.Equal(t, 1, removeCalls)
}

func TestHandleCallRapidReCallCyclesStayWithinPoolBounds(t *testing.T) {
	pool := audio.NewPool(0, 0)
	recorder := diagnostics.NewRecorder(0)
	opener := func(context.Context) (ModelSession, error) { return newFakeModelSession(), nil }
	ctrl := NewController(pool, recorder, opener, testConfig(), nil)

	for i := 0; i < 10; i++ {
		native := &fakeNativeCall{}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan diagnostics.VoiceBridgeStats, 1)
		go func() {
			done <- ctrl.HandleCall(ctx, "call", i, native, mediaActiveNow(), router.Hooks{})
		}()
		time.Sleep(5 * time.Millisecond)
		cancel()
		<-done
		assert.LessOrEqual(t, pool.Size(), audio.DefaultMaxPoolSize)
	}
}

func TestHandleCallTeardownAfterModelProtocolErrorReportsClosedWithNoLeak(t *testing.T) {
	pool := audio.NewPool(0, 0)
	recorder := diagnostics.NewRecorder(0)
	sess := newFakeModelSession()
	opener := func(context.Context) (ModelSession, error) { return sess, nil }
	native := &fakeNativeCall{}
	ctrl := NewController(pool, recorder, opener, testConfig(), nil)

	ctx := context.Background()
	done := make(chan diagnostics.VoiceBridgeStats, 1)
	go func() {
		done <- ctrl.HandleCall(ctx, "call-1", 1, native, mediaActiveNow(), router.Hooks{})
	}()

	time.Sleep(20 * time.Millisecond)
	// Simulate the remote model reporting a fatal (non-ignorable) error event.
	sess.events <- session.ServerEvent{Kind: session.EventError, ErrorCode: "fatal", ErrorMessage: "upstream reset"}

	var stats diagnostics.VoiceBridgeStats
	select {
	case stats = <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleCall never returned after the model protocol error")
	}

	require.Error(t, stats.Error)
	assert.True(t, errors.Is(stats.Error, router.ErrSessionStopped))
	_, removeCalls, hangupCalls := native.counts()
	assert.Equal(t, 1, removeCalls)
	assert.Equal(t, 1, hangupCalls)
	assert.LessOrEqual(t, pool.Size(), 1)
}

func TestFirstFrameTimeoutProceedsWithoutSpeakFirst(t *testing.T) {
	pool := audio.NewPool(0, 0)
	recorder := diagnostics.NewRecorder(0)
	sess := newFakeModelSession()
	opener := func(context.Context) (ModelSession, error) { return sess, nil }
	native := &fakeNativeCall{skipFrameRequest: true}
	cfg := testConfig()
	cfg.FirstFrameTimeout = 10 * time.Millisecond
	cfg.SpeakFirst = true
	ctrl := NewController(pool, recorder, opener, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan diagnostics.VoiceBridgeStats, 1)
	go func() {
		done <- ctrl.HandleCall(ctx, "call-1", 1, native, mediaActiveNow(), router.Hooks{})
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	sess.mu.Lock()
	defer sess.mu.Unlock()
	require.NotEmpty(t, sess.raws)
}

func TestWrapHooksAccumulatesStatsAndCallsUserHooks(t *testing.T) {
	var userIn, userOut int32
	var userTranscripts []router.TranscriptEvent
	var mu sync.Mutex

	cl := newCall("call-1", 1, &fakeNativeCall{}, audio.NewPool(0, 0), diagnostics.New("call-1", 1), nil)
	hooks := cl.wrapHooks(router.Hooks{
		OnAudioInbound:  func([]byte) { atomic.AddInt32(&userIn, 1) },
		OnAudioOutbound: func([]byte) { atomic.AddInt32(&userOut, 1) },
		OnTranscript: func(ev router.TranscriptEvent) {
			mu.Lock()
			userTranscripts = append(userTranscripts, ev)
			mu.Unlock()
		},
	})

	hooks.OnAudioInbound([]byte{1, 2, 3})
	hooks.OnAudioOutbound([]byte{1, 2})
	hooks.OnTranscript(router.TranscriptEvent{Role: "assistant", Text: "hi", Done: true})
	hooks.OnTranscript(router.TranscriptEvent{Role: "assistant", Text: "partial", Done: false})

	assert.Equal(t, int32(1), atomic.LoadInt32(&userIn))
	assert.Equal(t, int32(1), atomic.LoadInt32(&userOut))
	mu.Lock()
	assert.Len(t, userTranscripts, 2)
	mu.Unlock()

	stats := cl.teardown(nil)
	assert.Equal(t, 3, stats.InboundBytes)
	assert.Equal(t, 2, stats.OutboundBytes)
	require.Len(t, stats.Transcripts, 1, "only the completed transcript turn is recorded")
	assert.Equal(t, "hi", stats.Transcripts[0].Text)
}
