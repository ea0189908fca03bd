package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/domain/repositories"
)

const (
	defaultModel       = "gemini-2.0-flash"
	defaultTemperature = 0.8
	defaultTopP        = 0.95
	defaultTopK        = 40
	defaultMaxTokens   = 300
	defaultMaxAttempts = 3
)

// GeminiConfig configures the Gemini response generator
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	MaxAttempts     int
}

// GeminiConfigFromEnv reads GEMINI_* variables, leaving unset values at zero
func GeminiConfigFromEnv() (GeminiConfig, error) {
	cfg := GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}
	if v := os.Getenv("GEMINI_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return cfg, fmt.Errorf("invalid GEMINI_TEMPERATURE: %w", err)
		}
		cfg.Temperature = float32(f)
	}
	if v := os.Getenv("GEMINI_MAX_OUTPUT_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid GEMINI_MAX_OUTPUT_TOKENS: %w", err)
		}
		cfg.MaxOutputTokens = n
	}
	return cfg, nil
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}

	// Validate temperature is in the valid range
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	// Validate topP is in the valid range
	if config.TopP < 0 || config.TopP > 1 {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}
	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("maxOutputTokens must be positive, got %d", config.MaxOutputTokens)
	}
	return nil
}

func (c GeminiConfig) withDefaults() GeminiConfig {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.TopP == 0 {
		c.TopP = defaultTopP
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaultMaxTokens
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// GeminiGenerator implements ResponseGenerator using Google's Gemini API
type GeminiGenerator struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger

	mu     sync.RWMutex
	prompt string
}

// NewGeminiGenerator creates a new Gemini generator
func NewGeminiGenerator(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiGenerator, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("Gemini generator ready", zap.String("model", config.Model))
	return &GeminiGenerator{
		client: client,
		config: config,
		logger: logger,
		prompt: buildSystemPrompt(nil),
	}, nil
}

// SetAvailableSounds lists the sound effects the reply may ask for
func (g *GeminiGenerator) SetAvailableSounds(sounds []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompt = buildSystemPrompt(sounds)
}

// Generate implements repositories.ResponseGenerator
func (g *GeminiGenerator) Generate(ctx context.Context, text string) (entities.ResponseMessage, error) {
	g.mu.RLock()
	prompt := g.prompt
	g.mu.RUnlock()

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt, genai.RoleUser),
		Temperature:       genai.Ptr(g.config.Temperature),
		TopP:              genai.Ptr(g.config.TopP),
		TopK:              genai.Ptr(g.config.TopK),
		MaxOutputTokens:   int32(g.config.MaxOutputTokens),
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	attempt := 0
	response, err := backoff.Retry(ctx, func() (*genai.GenerateContentResponse, error) {
		attempt++
		resp, err := g.client.Models.GenerateContent(ctx, g.config.Model, contents, config)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			g.logger.Warn("Failed to generate content, retrying", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return resp, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(g.config.MaxAttempts)),
	)
	if err != nil {
		kind := repositories.KindUpstreamUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = repositories.KindTimeout
		}
		return entities.ResponseMessage{}, repositories.Fail(repositories.AdapterGenerator, kind, err)
	}

	raw := responseText(response)
	reply, err := parseReply(raw)
	if err != nil {
		g.logger.Warn("Unusable reply from Gemini", zap.String("raw", preview(raw)), zap.Error(err))
		return entities.ResponseMessage{}, repositories.Fail(repositories.AdapterGenerator, repositories.KindInvalidResponse, err)
	}

	g.logger.Info("Response generated",
		zap.String("user_message", preview(text)),
		zap.String("response_preview", preview(reply.Text)),
		zap.String("command", reply.Command))
	return reply, nil
}

func responseText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func preview(s string) string {
	if len(s) > 50 {
		return s[:50]
	}
	return s
}
