package repositories

import (
	"context"

	"github.com/satriahrh/wrangler/domain/entities"
)

// Synthesizer speaks a response on the output device and returns once
// playback is complete.
// Failures carry one of KindDeviceUnavailable or KindEngineError.
type Synthesizer interface {
	Speak(ctx context.Context, response entities.ResponseMessage) error
}
