package tts

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
)

// wordsPerSecond paces mock playback roughly like speech
const wordsPerSecond = 3

// MockSynthesizer logs responses instead of speaking them
type MockSynthesizer struct {
	logger *zap.Logger
	pace   bool
}

// NewMockSynthesizer creates a mock synthesizer. With pace set, Speak blocks
// for about as long as the text would take to say.
func NewMockSynthesizer(pace bool, logger *zap.Logger) *MockSynthesizer {
	return &MockSynthesizer{logger: logger, pace: pace}
}

// Speak implements repositories.Synthesizer
func (m *MockSynthesizer) Speak(ctx context.Context, response entities.ResponseMessage) error {
	m.logger.Info("Speaking",
		zap.String("text", response.Text),
		zap.String("command", response.Command),
		zap.String("soundEffect", response.SoundEffect),
		zap.Bool("fallback", response.Fallback))

	if !m.pace {
		return nil
	}
	words := len(strings.Fields(response.Text + " " + response.Command))
	select {
	case <-time.After(time.Duration(words) * time.Second / wordsPerSecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
