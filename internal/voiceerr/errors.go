// Package voiceerr defines the error kinds propagated by the voice bridge
// core, so callers can discriminate with errors.Is/errors.As instead of
// string matching.
package voiceerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds with no payload beyond the wrapped cause.
var (
	// ErrPortAcquisition is returned when the pool is exhausted under its hard cap.
	ErrPortAcquisition = errors.New("port acquisition failed: pool exhausted")
	// ErrSessionAlreadyTerminated marks a well-known "already gone" stack status;
	// teardown treats it as success rather than failure.
	ErrSessionAlreadyTerminated = errors.New("session already terminated")
	// ErrFirstFrameTimeout fires when the native stack never pulled a frame
	// within the configured barrier window.
	ErrFirstFrameTimeout = errors.New("first frame requested timeout")
)

// TransientModelStreamError wraps a malformed or incomplete server event.
// The session ends gracefully; the caller may reopen it.
type TransientModelStreamError struct {
	Reason string
	Err    error
}

func (e *TransientModelStreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient model stream error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient model stream error: %s", e.Reason)
}

func (e *TransientModelStreamError) Unwrap() error { return e.Err }

// ModelProtocolError marks a non-recoverable server error event. The call
// controller tears the call down and surfaces this in VoiceBridgeStats.
type ModelProtocolError struct {
	Code string
	Err  error
}

func (e *ModelProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model protocol error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("model protocol error %s", e.Code)
}

func (e *ModelProtocolError) Unwrap() error { return e.Err }

// ConferenceSlotLeak records a native "remove port" refusal. It is a critical
// error class: the pool drops the offending port rather than recycling it.
type ConferenceSlotLeak struct {
	SlotID string
	Err    error
}

func (e *ConferenceSlotLeak) Error() string {
	return fmt.Sprintf("conference slot leak (slot=%s): %v", e.SlotID, e.Err)
}

func (e *ConferenceSlotLeak) Unwrap() error { return e.Err }

// AudioQueueOverflow is raised when the Port's inbound queue is full; the
// frame is dropped and a counter incremented. Not fatal.
type AudioQueueOverflow struct {
	Queue string
}

func (e *AudioQueueOverflow) Error() string {
	return fmt.Sprintf("audio queue overflow: %s", e.Queue)
}

// AdmissionDrop marks a frame dropped because the ring was at CAP. Not an
// error in the propagation sense (§7); modeled as a typed value so counters
// and logs can discriminate it from other drop causes.
type AdmissionDrop struct {
	RingLenFrames int
	CapFrames     int
}

func (e *AdmissionDrop) Error() string {
	return fmt.Sprintf("admission drop: ring_len=%d cap=%d", e.RingLenFrames, e.CapFrames)
}
