package repositories

import (
	"context"

	"github.com/satriahrh/wrangler/domain/entities"
)

// ResponseGenerator abstracts any chat/LLM provider
type ResponseGenerator interface {
	// Generate takes the transcribed request and returns the reply.
	// Failures carry one of KindUpstreamUnreachable, KindTimeout or KindInvalidResponse.
	Generate(ctx context.Context, text string) (entities.ResponseMessage, error)
}
