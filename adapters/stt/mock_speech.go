package stt

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/domain/repositories"
)

// MockTranscriber returns canned transcripts based on utterance length
type MockTranscriber struct {
	logger *zap.Logger
}

// NewMockTranscriber creates a new mock transcriber
func NewMockTranscriber(logger *zap.Logger) *MockTranscriber {
	return &MockTranscriber{
		logger: logger,
	}
}

// Transcribe implements repositories.Transcriber
func (s *MockTranscriber) Transcribe(ctx context.Context, frames []entities.AudioFrame, sampleRate int) (entities.TranscriptResult, error) {
	var duration time.Duration
	for _, f := range frames {
		duration += f.Duration()
	}

	s.logger.Info("Processing mock transcription",
		zap.Int("frames", len(frames)),
		zap.Int("sampleRate", sampleRate),
		zap.Duration("audio", duration))

	if len(frames) == 0 {
		return entities.TranscriptResult{}, repositories.Fail(repositories.AdapterTranscriber, repositories.KindEmptyAudio, nil)
	}

	var text string
	switch {
	case duration > 3*time.Second:
		text = "Howdy partner, tell me a story about the wild west."
	case duration > time.Second:
		text = "What time is it?"
	default:
		text = "Howdy!"
	}
	return entities.TranscriptResult{Text: text, Language: "en-US", Confidence: 1}, nil
}
