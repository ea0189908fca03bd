package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/satriahrh/wrangler/domain/entities"
)

// MockGenerator is a placeholder ResponseGenerator for local runs
type MockGenerator struct{}

// NewMockGenerator creates a new mock generator
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate implements repositories.ResponseGenerator
func (g *MockGenerator) Generate(ctx context.Context, text string) (entities.ResponseMessage, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "dance"):
		return entities.ResponseMessage{
			Text:        "Time to boot scoot, partner!",
			Command:     "Astro, dance",
			SoundEffect: "yeehaw",
			Emotion:     "excited",
		}, nil
	case text == "":
		return entities.ResponseMessage{Text: "Howdy! What can this old cowboy do for ya?", Emotion: "happy"}, nil
	default:
		return entities.ResponseMessage{
			Text:    fmt.Sprintf("Well I heard '%s', and I reckon that's mighty fine.", text),
			Emotion: "sarcastic",
		}, nil
	}
}
