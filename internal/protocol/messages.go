// Package protocol defines the WebSocket messages exchanged between the edge
// agent and the host. Every message is a JSON envelope carrying a
// connection-scoped sequence number assigned by the sender.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/satriahrh/wrangler/domain/entities"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// edge → host
	TypeWake         MessageType = "wake"
	TypeAudio        MessageType = "audio"
	TypeEndUtterance MessageType = "end_utterance"
	TypeCancel       MessageType = "cancel"

	// host → edge
	TypeAckWake       MessageType = "ack_wake"
	TypeTranscription MessageType = "transcription"
	TypeStatus        MessageType = "status"
	TypeResponse      MessageType = "response"
	TypeError         MessageType = "error"
)

// CodecPCM16 is raw little endian 16-bit PCM
const CodecPCM16 = "pcm16"

// Ack statuses
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownType    = errors.New("unknown message type")
)

// Message is the envelope for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp. The sequence
// number is assigned by the session that sends it.
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON envelope from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return &msg, nil
}

// WakeData opens a session
type WakeData struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"` // Unix milliseconds
}

// Event converts the payload back to a WakeEvent
func (d *WakeData) Event() entities.WakeEvent {
	return entities.WakeEvent{
		Label:      d.Label,
		Confidence: d.Confidence,
		Timestamp:  time.UnixMilli(d.Timestamp),
	}
}

// AudioData carries one frame of the open session
type AudioData struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameSeq   uint64 `json:"frame_seq"`
	Payload    []byte `json:"payload"` // base64 in JSON
}

// Frame decodes the payload into an AudioFrame
func (d *AudioData) Frame() (entities.AudioFrame, error) {
	return entities.FrameFromBytes(d.FrameSeq, d.SampleRate, d.Channels, d.Payload)
}

// EndUtteranceData finalizes the open session
type EndUtteranceData struct {
	DurationMs int64              `json:"duration_ms"`
	Reason     entities.EndReason `json:"reason,omitempty"`
}

// CancelData aborts the open session
type CancelData struct {
	Reason string `json:"reason,omitempty"`
}

// AckWakeData answers a wake message
type AckWakeData struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// TranscriptionData is shown on the edge for information only
type TranscriptionData struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// StatusData drives edge-side feedback
type StatusData struct {
	State     entities.Phase `json:"state"`
	SessionID string         `json:"session_id,omitempty"`
}

// ResponseData mirrors the ResponseMessage produced for an utterance
type ResponseData struct {
	Text        string `json:"text"`
	Command     string `json:"command,omitempty"`
	SoundEffect string `json:"sound_effect,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
	Fallback    bool   `json:"fallback,omitempty"`
}

// ErrorData reports a rejected message back to the sender
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// Constructors
// =============================================================================

func NewWakeMessage(ev entities.WakeEvent) (*Message, error) {
	return NewMessage(TypeWake, WakeData{
		Label:      ev.Label,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp.UnixMilli(),
	})
}

func NewAudioMessage(frame entities.AudioFrame) (*Message, error) {
	return NewMessage(TypeAudio, AudioData{
		Codec:      CodecPCM16,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		FrameSeq:   frame.Seq,
		Payload:    frame.Bytes(),
	})
}

func NewEndUtteranceMessage(duration time.Duration, reason entities.EndReason) (*Message, error) {
	return NewMessage(TypeEndUtterance, EndUtteranceData{
		DurationMs: duration.Milliseconds(),
		Reason:     reason,
	})
}

func NewCancelMessage(reason string) (*Message, error) {
	return NewMessage(TypeCancel, CancelData{Reason: reason})
}

func NewAckWakeMessage(status, sessionID string) (*Message, error) {
	return NewMessage(TypeAckWake, AckWakeData{Status: status, SessionID: sessionID})
}

func NewTranscriptionMessage(result entities.TranscriptResult) (*Message, error) {
	return NewMessage(TypeTranscription, TranscriptionData{
		Text:       result.Text,
		Language:   result.Language,
		Confidence: result.Confidence,
	})
}

func NewStatusMessage(state entities.Phase, sessionID string) (*Message, error) {
	return NewMessage(TypeStatus, StatusData{State: state, SessionID: sessionID})
}

func NewResponseMessage(resp entities.ResponseMessage) (*Message, error) {
	return NewMessage(TypeResponse, ResponseData{
		Text:        resp.Text,
		Command:     resp.Command,
		SoundEffect: resp.SoundEffect,
		Emotion:     resp.Emotion,
		Fallback:    resp.Fallback,
	})
}

func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Code: code, Message: message})
}

// =============================================================================
// Validation
// =============================================================================

// Validator parses envelopes and checks type-specific fields
type Validator struct {
	maxPayload int
}

// NewValidator creates a validator accepting audio payloads up to maxPayload bytes
func NewValidator(maxPayload int) *Validator {
	return &Validator{maxPayload: maxPayload}
}

// ValidateMessage parses raw bytes and returns the envelope together with its
// typed payload (a pointer to one of the *Data structs).
func (v *Validator) ValidateMessage(raw []byte) (*Message, interface{}, error) {
	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, nil, err
	}
	payload, err := v.Validate(msg)
	if err != nil {
		return msg, nil, err
	}
	return msg, payload, nil
}

// Validate checks an already parsed envelope
func (v *Validator) Validate(msg *Message) (interface{}, error) {
	var (
		payload interface{}
		check   func() error
	)

	switch msg.Type {
	case TypeWake:
		data := &WakeData{}
		payload, check = data, func() error { return validateWake(data) }
	case TypeAudio:
		data := &AudioData{}
		payload, check = data, func() error { return v.validateAudio(data) }
	case TypeEndUtterance:
		data := &EndUtteranceData{}
		payload, check = data, func() error { return validateEndUtterance(data) }
	case TypeCancel:
		payload, check = &CancelData{}, func() error { return nil }
	case TypeAckWake:
		data := &AckWakeData{}
		payload, check = data, func() error { return validateAck(data) }
	case TypeTranscription:
		payload, check = &TranscriptionData{}, func() error { return nil }
	case TypeStatus:
		data := &StatusData{}
		payload, check = data, func() error { return validateStatus(data) }
	case TypeResponse:
		data := &ResponseData{}
		payload, check = data, func() error {
			if data.Text == "" {
				return errors.New("text is required")
			}
			return nil
		}
	case TypeError:
		payload, check = &ErrorData{}, func() error { return nil }
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}

	if err := msg.ParseData(payload); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrInvalidMessage, msg.Type, err)
	}
	if err := check(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, msg.Type, err)
	}
	return payload, nil
}

func validateWake(d *WakeData) error {
	if d.Label == "" {
		return errors.New("label is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", d.Confidence)
	}
	return nil
}

func (v *Validator) validateAudio(d *AudioData) error {
	if d.Codec != CodecPCM16 {
		return fmt.Errorf("unsupported codec %q", d.Codec)
	}
	if d.SampleRate < 8000 || d.SampleRate > 48000 {
		return fmt.Errorf("sample rate must be between 8000 and 48000, got %d", d.SampleRate)
	}
	if d.Channels < 1 || d.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", d.Channels)
	}
	if len(d.Payload) == 0 {
		return errors.New("payload is required")
	}
	if len(d.Payload)%2 != 0 {
		return errors.New("pcm16 payload must have an even length")
	}
	if v.maxPayload > 0 && len(d.Payload) > v.maxPayload {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(d.Payload), v.maxPayload)
	}
	return nil
}

func validateEndUtterance(d *EndUtteranceData) error {
	if d.DurationMs < 0 {
		return fmt.Errorf("duration_ms must not be negative, got %d", d.DurationMs)
	}
	if d.Reason != entities.EndReasonNone && !d.Reason.Valid() {
		return fmt.Errorf("unknown end reason %q", d.Reason)
	}
	return nil
}

func validateAck(d *AckWakeData) error {
	if d.Status != AckAccepted && d.Status != AckRejected {
		return fmt.Errorf("unknown ack status %q", d.Status)
	}
	return nil
}

func validateStatus(d *StatusData) error {
	switch d.State {
	case entities.PhaseIdle, entities.PhaseListening, entities.PhaseProcessing, entities.PhaseSpeaking:
		return nil
	}
	return fmt.Errorf("unknown state %q", d.State)
}
