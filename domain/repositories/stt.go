package repositories

import (
	"context"

	"github.com/satriahrh/wrangler/domain/entities"
)

// Transcriber abstracts speech recognition services
type Transcriber interface {
	// Transcribe converts a finalized utterance to text.
	// Failures carry one of KindEmptyAudio, KindEngineError or KindTimeout.
	Transcribe(ctx context.Context, frames []entities.AudioFrame, sampleRate int) (entities.TranscriptResult, error)
}
