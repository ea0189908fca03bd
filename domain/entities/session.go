package entities

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase represents where an utterance is in the wake-to-response cycle
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseProcessing Phase = "processing"
	PhaseSpeaking   Phase = "speaking"
)

// EndReason records why an utterance stopped recording or was abandoned
type EndReason string

const (
	EndReasonNone        EndReason = ""
	EndReasonSilence     EndReason = "silence"
	EndReasonMaxDuration EndReason = "max_duration"
	EndReasonCancelled   EndReason = "cancelled"
	EndReasonError       EndReason = "error"
)

// Valid reports whether r is one of the terminal end reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndReasonSilence, EndReasonMaxDuration, EndReasonCancelled, EndReasonError:
		return true
	}
	return false
}

var (
	ErrSessionFinalized  = errors.New("session no longer accepts audio")
	ErrOutOfOrder        = errors.New("audio frame out of order")
	ErrSequenceGap       = errors.New("audio frame sequence gap")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// UtteranceSession identifies one wake-to-response cycle on a connection
type UtteranceSession struct {
	ID           string       `json:"id"`
	ConnectionID string       `json:"connection_id"`
	Generation   uint64       `json:"generation"`
	CreatedAt    time.Time    `json:"created_at"`
	Wake         WakeEvent    `json:"wake"`
	Frames       []AudioFrame `json:"-"`
	Phase        Phase        `json:"phase"`
	EndReason    EndReason    `json:"end_reason,omitempty"`

	lastSeq  uint64
	hasFrame bool
}

// NewUtteranceSession opens a listening session for a connection
func NewUtteranceSession(connectionID string, generation uint64, wake WakeEvent) *UtteranceSession {
	return &UtteranceSession{
		ID:           uuid.New().String(),
		ConnectionID: connectionID,
		Generation:   generation,
		CreatedAt:    time.Now(),
		Wake:         wake,
		Frames:       make([]AudioFrame, 0, 64),
		Phase:        PhaseListening,
	}
}

// AppendFrame adds a frame to a listening session. Sequence numbers must
// increase by exactly one after the first frame.
func (s *UtteranceSession) AppendFrame(frame AudioFrame) error {
	if s.Phase != PhaseListening {
		return ErrSessionFinalized
	}
	if s.hasFrame {
		switch {
		case frame.Seq <= s.lastSeq:
			return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, frame.Seq, s.lastSeq)
		case frame.Seq != s.lastSeq+1:
			return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, s.lastSeq+1, frame.Seq)
		}
	}
	s.Frames = append(s.Frames, frame)
	s.lastSeq = frame.Seq
	s.hasFrame = true
	return nil
}

// Transition moves the session forward one phase
func (s *UtteranceSession) Transition(next Phase) error {
	switch {
	case s.Phase == PhaseListening && next == PhaseProcessing,
		s.Phase == PhaseProcessing && next == PhaseSpeaking:
		s.Phase = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, next)
}

// End records the terminal end reason. Only the first reason sticks.
func (s *UtteranceSession) End(reason EndReason) {
	if s.EndReason == EndReasonNone {
		s.EndReason = reason
	}
}

// Duration returns the amount of audio accumulated so far
func (s *UtteranceSession) Duration() time.Duration {
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration()
	}
	return d
}

// SampleRate returns the sample rate of the first frame, or 0 when empty
func (s *UtteranceSession) SampleRate() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[0].SampleRate
}

// Validate validates the session data
func (s *UtteranceSession) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.ConnectionID == "" {
		return errors.New("connection_id is required")
	}
	switch s.Phase {
	case PhaseListening, PhaseProcessing, PhaseSpeaking:
	default:
		return errors.New("invalid session phase")
	}
	if s.EndReason != EndReasonNone && !s.EndReason.Valid() {
		return errors.New("invalid end reason")
	}
	return nil
}
