package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/domain/repositories"
)

// Google caps streaming requests at 25KB; 10 frames of 20ms mono PCM16 is 6.4KB.
const framesPerRequest = 10

// GoogleTranscriber implements Transcriber with Google Cloud streaming recognition
type GoogleTranscriber struct {
	client   *speech.Client
	language string
	logger   *zap.Logger
}

// NewGoogleTranscriber creates a speech client using application default credentials
func NewGoogleTranscriber(ctx context.Context, language string, logger *zap.Logger) (*GoogleTranscriber, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleTranscriber{
		client:   client,
		language: language,
		logger:   logger,
	}, nil
}

// Close releases the underlying gRPC connection
func (g *GoogleTranscriber) Close() error {
	return g.client.Close()
}

// Transcribe streams a finalized utterance and returns the final transcript
func (g *GoogleTranscriber) Transcribe(ctx context.Context, frames []entities.AudioFrame, sampleRate int) (entities.TranscriptResult, error) {
	if len(frames) == 0 {
		return entities.TranscriptResult{}, repositories.Fail(repositories.AdapterTranscriber, repositories.KindEmptyAudio, nil)
	}

	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return entities.TranscriptResult{}, g.fail(fmt.Errorf("failed to create streaming recognize: %w", err))
	}

	// Send initial configuration
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:          speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:   int32(sampleRate),
					AudioChannelCount: int32(frames[0].Channels),
					LanguageCode:      g.language,
				},
				InterimResults:  false, // We only want final results
				SingleUtterance: true,
			},
		},
	}); err != nil {
		return entities.TranscriptResult{}, g.fail(fmt.Errorf("failed to send streaming config: %w", err))
	}

	for _, chunk := range chunkFrames(frames, framesPerRequest) {
		if err := stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
				AudioContent: chunk,
			},
		}); err != nil {
			return entities.TranscriptResult{}, g.fail(fmt.Errorf("failed to send audio data: %w", err))
		}
	}

	// Close the send stream to signal end of audio
	if err := stream.CloseSend(); err != nil {
		return entities.TranscriptResult{}, g.fail(fmt.Errorf("failed to close send stream: %w", err))
	}

	var (
		parts      []string
		confidence float32
	)
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entities.TranscriptResult{}, g.fail(fmt.Errorf("failed to receive response: %w", err))
		}
		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				// Take the best alternative
				parts = append(parts, result.Alternatives[0].Transcript)
				confidence = result.Alternatives[0].Confidence
			}
		}
	}

	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return entities.TranscriptResult{}, repositories.Fail(repositories.AdapterTranscriber, repositories.KindEmptyAudio, errors.New("no speech detected in audio"))
	}

	g.logger.Debug("Transcription completed", zap.String("text", text), zap.Float32("confidence", confidence))
	return entities.TranscriptResult{
		Text:       text,
		Language:   g.language,
		Confidence: float64(confidence),
	}, nil
}

func (g *GoogleTranscriber) fail(err error) error {
	return repositories.Fail(repositories.AdapterTranscriber, kindForError(err), err)
}

// kindForError maps gRPC and context errors onto adapter failure kinds
func kindForError(err error) repositories.FailKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return repositories.KindTimeout
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.DeadlineExceeded:
			return repositories.KindTimeout
		case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied:
			return repositories.KindUpstreamUnreachable
		case codes.InvalidArgument, codes.OutOfRange:
			return repositories.KindEmptyAudio
		}
	}
	return repositories.KindEngineError
}

// chunkFrames packs consecutive frames into request-sized PCM payloads
func chunkFrames(frames []entities.AudioFrame, perChunk int) [][]byte {
	var chunks [][]byte
	for start := 0; start < len(frames); start += perChunk {
		end := start + perChunk
		if end > len(frames) {
			end = len(frames)
		}
		var buf []byte
		for _, f := range frames[start:end] {
			buf = append(buf, f.Bytes()...)
		}
		chunks = append(chunks, buf)
	}
	return chunks
}
