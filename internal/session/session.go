// Package session implements the Session Adapter (§4.6): a persistent
// duplex JSON connection to the remote Realtime model over
// github.com/gorilla/websocket, with tagged-variant event parsing backed by
// github.com/tidwall/gjson and github.com/tidwall/sjson.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/sjson"
)

const defaultEndpoint = "wss://api.openai.com/v1/realtime"

// OpenConfig parameterizes Open.
type OpenConfig struct {
	// Endpoint overrides the full dial target; tests inject a local
	// ws:// URL here. Empty uses defaultEndpoint with Model as a query param.
	Endpoint string

	Model        string
	Voice        string
	Instructions string
	AuthToken    string
}

// Session is the Session Adapter of §4.6.
type Session struct {
	conn *websocket.Conn

	events chan ServerEvent

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// Open establishes a streaming connection to the remote model and sends the
// realtime session configuration: audio.input/output format audio/pcm @
// 24 kHz, and semantic VAD with create_response=true, interrupt_response=true.
func Open(ctx context.Context, cfg OpenConfig) (*Session, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		u, err := url.Parse(defaultEndpoint)
		if err != nil {
			return nil, fmt.Errorf("parsing default realtime endpoint: %w", err)
		}
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dialing realtime session: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan ServerEvent, 64),
	}

	if err := s.sendSessionUpdate(cfg); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("sending session.update: %w", err)
	}

	go s.readLoop()
	return s, nil
}

func (s *Session) sendSessionUpdate(cfg OpenConfig) error {
	payload := `{"type":"realtime"}`
	var err error
	payload, err = sjson.Set(payload, "model", cfg.Model)
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "instructions", cfg.Instructions)
	if err != nil {
		return err
	}
	payload, err = sjson.SetRaw(payload, "output_modalities", `["audio"]`)
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.input.format.type", "audio/pcm")
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.input.format.rate", 24000)
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.input.turn_detection.type", "semantic_vad")
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.input.turn_detection.create_response", true)
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.input.turn_detection.interrupt_response", true)
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.output.format.type", "audio/pcm")
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.output.format.rate", 24000)
	if err != nil {
		return err
	}
	payload, err = sjson.Set(payload, "audio.output.voice", cfg.Voice)
	if err != nil {
		return err
	}
	return s.writeText([]byte(payload))
}

func (s *Session) writeText(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SendAudio queues inbound PCM16 to the model, committing the input audio
// buffer if commit is true.
func (s *Session) SendAudio(pcm []byte, commit bool) error {
	payload, err := sjson.Set(`{"type":"input_audio_buffer.append"}`, "audio", base64.StdEncoding.EncodeToString(pcm))
	if err != nil {
		return fmt.Errorf("building input_audio_buffer.append: %w", err)
	}
	if err := s.writeText([]byte(payload)); err != nil {
		return fmt.Errorf("sending input_audio_buffer.append: %w", err)
	}
	if commit {
		if err := s.writeText([]byte(`{"type":"input_audio_buffer.commit"}`)); err != nil {
			return fmt.Errorf("sending input_audio_buffer.commit: %w", err)
		}
	}
	return nil
}

// SendRawEvent marshals and sends an arbitrary client event, used by the
// Event Router to cancel a response, clear the input buffer, or force a new
// response.create.
func (s *Session) SendRawEvent(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling raw event: %w", err)
	}
	return s.writeText(data)
}

// Events returns the channel of parsed server events. The channel is closed
// when the underlying connection ends, by error or by Close.
func (s *Session) Events() <-chan ServerEvent {
	return s.events
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.events <- ParseServerEvent(data)
	}
}

// Close is an idempotent shutdown: it sends a close control frame
// best-effort and tears down the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = s.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	if err := s.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("closing realtime session: %w", err)
	}
	return nil
}

func (s *Session) writeControl(messageType int, data []byte, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(messageType, data, deadline)
}
