package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/satriahrh/wrangler/domain/entities"
)

func TestValidator_ValidateMessage(t *testing.T) {
	validator := NewValidator(64 * 1024)

	tests := []struct {
		name    string
		message string
		wantErr error
	}{
		{
			name:    "valid wake",
			message: `{"type":"wake","seq":1,"data":{"label":"hey_rider","confidence":0.8,"timestamp":1700000000000}}`,
		},
		{
			name:    "wake without label",
			message: `{"type":"wake","seq":1,"data":{"confidence":0.8}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "wake confidence out of range",
			message: `{"type":"wake","seq":1,"data":{"label":"x","confidence":1.5}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "valid audio",
			message: `{"type":"audio","seq":2,"data":{"codec":"pcm16","sample_rate":16000,"channels":1,"frame_seq":1,"payload":"AAABAA=="}}`,
		},
		{
			name:    "audio with unsupported codec",
			message: `{"type":"audio","seq":2,"data":{"codec":"opus","sample_rate":16000,"channels":1,"payload":"AAABAA=="}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "audio with invalid sample rate",
			message: `{"type":"audio","seq":2,"data":{"codec":"pcm16","sample_rate":100000,"channels":1,"payload":"AAABAA=="}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "audio with odd payload",
			message: `{"type":"audio","seq":2,"data":{"codec":"pcm16","sample_rate":16000,"channels":1,"payload":"AAAB"}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "audio with bad base64",
			message: `{"type":"audio","seq":2,"data":{"codec":"pcm16","sample_rate":16000,"channels":1,"payload":"***"}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "valid end utterance",
			message: `{"type":"end_utterance","seq":3,"data":{"duration_ms":3500,"reason":"silence"}}`,
		},
		{
			name:    "end utterance with unknown reason",
			message: `{"type":"end_utterance","seq":3,"data":{"duration_ms":3500,"reason":"bored"}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "cancel without data",
			message: `{"type":"cancel","seq":4}`,
		},
		{
			name:    "status with unknown state",
			message: `{"type":"status","seq":1,"data":{"state":"dancing"}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "unknown type",
			message: `{"type":"teleport","seq":1}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "malformed json",
			message: `{"type":`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "missing type",
			message: `{"seq":1}`,
			wantErr: ErrInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := validator.ValidateMessage([]byte(tt.message))
			if tt.wantErr == nil && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidator_PayloadLimit(t *testing.T) {
	validator := NewValidator(4)
	frame := entities.AudioFrame{Seq: 1, SampleRate: 16000, Channels: 1, PCM: make([]int16, 8)}

	msg, err := NewAudioMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := validator.Validate(msg); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Expected oversized payload to be rejected, got %v", err)
	}
}

func TestAudioMessageCarriesFrame(t *testing.T) {
	frame := entities.AudioFrame{Seq: 42, SampleRate: 16000, Channels: 1, PCM: []int16{1, -2, 3, -4}}

	msg, err := NewAudioMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	parsed, payload, err := NewValidator(0).ValidateMessage(raw)
	if err != nil {
		t.Fatalf("ValidateMessage failed: %v", err)
	}
	if parsed.Type != TypeAudio {
		t.Errorf("Expected type audio, got %s", parsed.Type)
	}
	audio, ok := payload.(*AudioData)
	if !ok {
		t.Fatalf("Expected *AudioData, got %T", payload)
	}
	decoded, err := audio.Frame()
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Seq != 42 || len(decoded.PCM) != 4 || decoded.PCM[1] != -2 {
		t.Errorf("Frame did not survive the wire: %+v", decoded)
	}
}

func TestWakeMessageKeepsEvent(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	msg, err := NewWakeMessage(entities.WakeEvent{Label: "hey_rider", Confidence: 0.75, Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	payload, err := NewValidator(0).Validate(msg)
	if err != nil {
		t.Fatal(err)
	}
	ev := payload.(*WakeData).Event()
	if ev.Label != "hey_rider" || ev.Confidence != 0.75 || !ev.Timestamp.Equal(ts) {
		t.Errorf("Unexpected wake event %+v", ev)
	}
}

func TestSequencer(t *testing.T) {
	var seq Sequencer
	var check SequenceCheck

	for i := 1; i <= 3; i++ {
		msg, _ := NewCancelMessage("")
		seq.Stamp(msg)
		if msg.Seq != uint64(i) {
			t.Errorf("Expected seq %d, got %d", i, msg.Seq)
		}
		if err := check.Check(msg.Seq); err != nil {
			t.Errorf("Unexpected sequence error: %v", err)
		}
	}

	if err := check.Check(2); !errors.Is(err, ErrOutOfSequence) {
		t.Errorf("Expected ErrOutOfSequence, got %v", err)
	}
	if err := check.Check(10); err != nil {
		t.Errorf("Increasing sequence should be accepted, got %v", err)
	}
}
