package session

import (
	"encoding/base64"

	"github.com/tidwall/gjson"
)

// EventKind discriminates the tagged-variant server events the Event Router
// dispatches on (§4.6/§4.7).
type EventKind int

const (
	EventRaw EventKind = iota
	EventAudioDelta
	EventAudioDone
	EventTranscriptDelta
	EventTranscriptDone
	EventHistoryAdded
	EventHistoryUpdated
	EventInterrupted
	EventSpeechStarted
	EventSpeechStopped
	EventAssistantStart
	EventAssistantEnd
	EventToolStart
	EventToolEnd
	EventResponseCreated
	EventError
)

// RawServerEvent is the fallback carried for any event type not recognized
// by the tagged-variant parse, per §4.6/§9.
type RawServerEvent struct {
	Type string
	JSON string
}

// ServerEvent is the parsed result handed to the Event Router via
// Session.Events().
type ServerEvent struct {
	Kind EventKind

	AudioDelta []byte // raw PCM16, base64-decoded

	TranscriptKey  string // history_key, for dedupe by (history_key, combined_text)
	TranscriptText string

	Role string // "user" | "assistant"

	ErrorCode    string
	ErrorMessage string

	Raw RawServerEvent
}

// ParseServerEvent dispatches on the JSON `type` discriminator using gjson
// for cheap field extraction ahead of any full unmarshal, falling back to
// RawServerEvent for anything unrecognized. Malformed payloads (missing
// required sub-fields) degrade to EventRaw rather than propagating a parse
// error; they are not logged and do not end the event stream.
func ParseServerEvent(data []byte) ServerEvent {
	root := gjson.ParseBytes(data)
	typ := root.Get("type").String()

	raw := RawServerEvent{Type: typ, JSON: string(data)}

	switch typ {
	case "response.audio.delta", "response.output_audio.delta":
		delta := root.Get("delta")
		if !delta.Exists() {
			return ServerEvent{Kind: EventRaw, Raw: raw}
		}
		pcm, err := base64.StdEncoding.DecodeString(delta.String())
		if err != nil {
			return ServerEvent{Kind: EventRaw, Raw: raw}
		}
		return ServerEvent{Kind: EventAudioDelta, AudioDelta: pcm, Raw: raw}

	case "response.audio.done", "response.output_audio.done":
		return ServerEvent{Kind: EventAudioDone, Raw: raw}

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta", "response.transcript.delta":
		return ServerEvent{
			Kind:           EventTranscriptDelta,
			TranscriptKey:  root.Get("item_id").String(),
			TranscriptText: root.Get("delta").String(),
			Raw:            raw,
		}

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return ServerEvent{
			Kind:           EventTranscriptDone,
			TranscriptKey:  root.Get("item_id").String(),
			TranscriptText: root.Get("transcript").String(),
			Raw:            raw,
		}

	case "conversation.item.created":
		return ServerEvent{
			Kind:          EventHistoryAdded,
			TranscriptKey: root.Get("item.id").String(),
			Role:          root.Get("item.role").String(),
			Raw:           raw,
		}

	case "conversation.item.updated":
		return ServerEvent{
			Kind:          EventHistoryUpdated,
			TranscriptKey: root.Get("item.id").String(),
			Role:          root.Get("item.role").String(),
			Raw:           raw,
		}

	case "response.cancelled", "input_audio_buffer.cleared":
		return ServerEvent{Kind: EventInterrupted, Raw: raw}

	case "input_audio_buffer.speech_started":
		return ServerEvent{Kind: EventSpeechStarted, Raw: raw}

	case "input_audio_buffer.speech_stopped":
		return ServerEvent{Kind: EventSpeechStopped, Raw: raw}

	case "response.created":
		return ServerEvent{Kind: EventResponseCreated, Raw: raw}

	case "response.output_item.added":
		if root.Get("item.type").String() == "function_call" {
			return ServerEvent{Kind: EventToolStart, Raw: raw}
		}
		return ServerEvent{Kind: EventAssistantStart, Raw: raw}

	case "response.function_call_arguments.done", "response.mcp_call.completed":
		return ServerEvent{Kind: EventToolEnd, Raw: raw}

	case "response.done", "response.completed":
		return ServerEvent{Kind: EventAssistantEnd, Raw: raw}

	case "error":
		return ServerEvent{
			Kind:         EventError,
			ErrorCode:    root.Get("error.code").String(),
			ErrorMessage: root.Get("error.message").String(),
			Raw:          raw,
		}

	default:
		return ServerEvent{Kind: EventRaw, Raw: raw}
	}
}
