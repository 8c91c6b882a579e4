// Package router implements the Event Router (§4.7): two cooperating
// goroutines sharing a context.Context cancellation signal, one pumping RTP
// audio into the model session, the other dispatching model events out to
// the SIP side and back into the bridge.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fpoisson2/voicebridge/internal/rtpstream"
	"github.com/fpoisson2/voicebridge/internal/session"
	"github.com/fpoisson2/voicebridge/internal/voiceerr"
)

// AudioSession is the narrow Session Adapter surface the router depends on.
type AudioSession interface {
	SendAudio(pcm []byte, commit bool) error
	SendRawEvent(event any) error
	Events() <-chan session.ServerEvent
}

// Bridge is the narrow AudioBridge surface the router depends on.
type Bridge interface {
	SendToPeer(pcm24k []byte)
	EnableAudioOutput()
	ClearAudioQueue() int
	ResumeAfterInterruption()
	SendPrimeSilenceDirect(numFrames int)
}

// Hooks are the optional, best-effort side-channel callbacks.
// OnAudioInbound and OnAudioOutbound are dispatched through the bounded
// TaskLimiter, so a slow hook holds up its stream only once every limiter
// slot is busy; OnTranscript is called inline on the outbound goroutine.
type Hooks struct {
	OnAudioInbound  func(pcm []byte)
	OnAudioOutbound func(pcm []byte)
	OnTranscript    func(TranscriptEvent)
}

// TranscriptEvent is forwarded to Hooks.OnTranscript for each delta/done or
// history added/updated event, deduped by (Key, Text) at the caller's
// discretion.
type TranscriptEvent struct {
	Key  string
	Role string
	Text string
	Done bool
}

// Config carries the router's tunables (§9's resolved Open Question and
// the prime-silence/hook-limiter defaults of §5/§11.2).
type Config struct {
	ResponseWatchdog   time.Duration
	PrimeSilenceFrames int
	HookMaxPending     int
}

// ErrSessionStopped is wrapped, inside a *voiceerr.ModelProtocolError, in
// the error Run returns when the session reported an unrecoverable protocol
// error.
var ErrSessionStopped = errors.New("router: session stopped on protocol error")

// Router is the Event Router of §4.7.
type Router struct {
	sess     AudioSession
	bridge   Bridge
	producer <-chan rtpstream.RtpPacket
	hooks    Hooks
	cfg      Config
	log      *slog.Logger

	limiter *TaskLimiter
	tracker *PlaybackTracker

	blocked           bool
	assistantSpeaking bool
	userSpeaking      bool
	primed            bool
	audioSeenThisTurn bool
	watchdogCancel    context.CancelFunc
}

// New constructs a Router. log may be nil (defaults to slog.Default()).
func New(sess AudioSession, bridge Bridge, producer <-chan rtpstream.RtpPacket, tracker *PlaybackTracker, hooks Hooks, cfg Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HookMaxPending <= 0 {
		cfg.HookMaxPending = 8
	}
	return &Router{
		sess:     sess,
		bridge:   bridge,
		producer: producer,
		hooks:    hooks,
		cfg:      cfg,
		log:      log,
		limiter:  NewTaskLimiter("router-hooks", cfg.HookMaxPending, log),
		tracker:  tracker,
	}
}

// Run drives the inbound and outbound tasks until ctx is canceled or one of
// them returns a terminal error. On return, it sends response.cancel and
// input_audio_buffer.clear best-effort, cancels pending hook tasks, and
// drains the outbound channel.
func (r *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runInbound(gctx) })
	g.Go(func() error { return r.runOutbound(gctx) })

	err := g.Wait()

	_ = r.sess.SendRawEvent(map[string]any{"type": "response.cancel"})
	_ = r.sess.SendRawEvent(map[string]any{"type": "input_audio_buffer.clear"})
	r.limiter.CancelPending()
	r.stopWatchdog()
	r.drainEvents()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Router) runInbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-r.producer:
			if !ok {
				return nil
			}
			if err := r.sess.SendAudio(pkt.Payload, false); err != nil {
				return err
			}
			if r.hooks.OnAudioInbound != nil {
				payload := pkt.Payload
				r.limiter.Submit(ctx, func(context.Context) error {
					r.hooks.OnAudioInbound(payload)
					return nil
				})
			}
		}
	}
}

func (r *Router) runOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.sess.Events():
			if !ok {
				return nil
			}
			if err := r.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (r *Router) handleEvent(ctx context.Context, ev session.ServerEvent) error {
	switch ev.Kind {
	case session.EventAudioDelta:
		r.stopWatchdog()
		r.audioSeenThisTurn = true
		if r.blocked {
			return nil
		}
		if !r.primed {
			r.primed = true
			r.bridge.SendPrimeSilenceDirect(r.cfg.PrimeSilenceFrames)
			r.bridge.EnableAudioOutput()
		}
		r.bridge.SendToPeer(ev.AudioDelta)
		if r.tracker != nil {
			r.tracker.OnPlayBytes(ev.Raw.Type, 0, ev.AudioDelta)
		}
		if r.hooks.OnAudioOutbound != nil {
			payload := ev.AudioDelta
			r.limiter.Submit(ctx, func(context.Context) error {
				r.hooks.OnAudioOutbound(payload)
				return nil
			})
		}

	case session.EventAudioDone:
		// no-op per §4.7.

	case session.EventSpeechStarted:
		r.userSpeaking = true
		r.blocked = true
		r.bridge.ClearAudioQueue()
		if r.assistantSpeaking {
			_ = r.sess.SendRawEvent(map[string]any{"type": "response.cancel"})
		}
		if r.tracker != nil {
			r.tracker.OnInterrupted()
		}

	case session.EventSpeechStopped:
		r.userSpeaking = false
		if !r.assistantSpeaking {
			r.unblock()
		}

	case session.EventInterrupted:
		r.blocked = true
		_ = r.sess.SendRawEvent(map[string]any{"type": "response.cancel"})

	case session.EventAssistantStart:
		r.assistantSpeaking = true
		r.unblock()

	case session.EventAssistantEnd:
		r.assistantSpeaking = false
		if !r.userSpeaking {
			r.unblock()
		}

	case session.EventTranscriptDelta:
		r.forwardTranscript(ev, false)

	case session.EventTranscriptDone:
		r.forwardTranscript(ev, true)

	case session.EventHistoryAdded, session.EventHistoryUpdated:
		r.forwardTranscript(ev, true)

	case session.EventToolStart, session.EventToolEnd:
		if !r.audioSeenThisTurn {
			_ = r.sess.SendRawEvent(map[string]any{"type": "response.create"})
		}

	case session.EventResponseCreated:
		r.audioSeenThisTurn = false
		r.armWatchdog(ctx)

	case session.EventError:
		if ev.ErrorCode == "response_cancel_not_active" || ev.ErrorCode == "conversation_already_has_active_response" {
			return nil
		}
		return &voiceerr.ModelProtocolError{
			Code: ev.ErrorCode,
			Err:  errors.Join(ErrSessionStopped, errors.New(ev.ErrorMessage)),
		}
	}
	return nil
}

func (r *Router) unblock() {
	r.blocked = false
	r.bridge.ResumeAfterInterruption()
}

func (r *Router) forwardTranscript(ev session.ServerEvent, done bool) {
	if r.hooks.OnTranscript == nil {
		return
	}
	r.hooks.OnTranscript(TranscriptEvent{
		Key:  ev.TranscriptKey,
		Role: ev.Role,
		Text: ev.TranscriptText,
		Done: done,
	})
}

// armWatchdog starts the response-create watchdog: if no audio delta
// arrives within cfg.ResponseWatchdog, force a new response.create.
func (r *Router) armWatchdog(ctx context.Context) {
	r.stopWatchdog()
	if r.cfg.ResponseWatchdog <= 0 {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchdogCancel = cancel
	go func() {
		select {
		case <-watchCtx.Done():
		case <-time.After(r.cfg.ResponseWatchdog):
			_ = r.sess.SendRawEvent(map[string]any{"type": "response.cancel"})
			_ = r.sess.SendRawEvent(map[string]any{"type": "response.create"})
		}
	}()
}

func (r *Router) stopWatchdog() {
	if r.watchdogCancel != nil {
		r.watchdogCancel()
		r.watchdogCancel = nil
	}
}

// drainEvents discards whatever is already buffered on the session's event
// channel after a stop request, without blocking indefinitely on a session
// that's still open upstream — Close() on the Session is what ultimately
// closes the channel; the caller is responsible for calling it.
func (r *Router) drainEvents() {
	idle := time.NewTimer(50 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case _, ok := <-r.sess.Events():
			if !ok {
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(50 * time.Millisecond)
		case <-idle.C:
			return
		}
	}
}
