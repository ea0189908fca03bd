package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"   // Rachel voice
	defaultOutputFormat = "pcm_24000"              // PCM format for real-time applications
	defaultModelID      = "eleven_multilingual_v2" // Default model ID
	defaultStability    = 0.5                      // Default voice stability
	defaultClarity      = 0.75                     // Default voice clarity/similarity_boost
	defaultSampleRate   = 24000
)

// ElevenLabsConfig holds configuration for the ElevenLabsSynthesizer.
// Only APIKey is required; OutputFormat must be a pcm_<rate> format.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Stability    float64
	Clarity      float64
}

// ElevenLabsSynthesizer speaks responses by streaming ElevenLabs PCM into a Player
type ElevenLabsSynthesizer struct {
	config ElevenLabsConfig
	client *http.Client
	player Player
	sounds *SoundLibrary
	logger *zap.Logger
}

var _ repositories.Synthesizer = (*ElevenLabsSynthesizer)(nil)

// ElevenLabsVoiceSettings represents voice settings for Eleven Labs API
type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// ElevenLabsRequest represents the request payload for Eleven Labs TTS API
type ElevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	VoiceSettings          ElevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}

	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}

	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}

	if config.OutputFormat != "" && !strings.HasPrefix(config.OutputFormat, "pcm_") {
		return fmt.Errorf("output format must be pcm_<rate>, got %s", config.OutputFormat)
	}

	return nil
}

// NewElevenLabsSynthesizer creates a synthesizer that plays through player.
// sounds may be nil.
func NewElevenLabsSynthesizer(config ElevenLabsConfig, player Player, sounds *SoundLibrary, logger *zap.Logger) (*ElevenLabsSynthesizer, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
	}
	if config.OutputFormat == "" {
		config.OutputFormat = defaultOutputFormat
	}
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}

	logger.Info("ElevenLabs synthesizer configured",
		zap.String("voiceID", config.VoiceID),
		zap.String("modelID", config.ModelID),
		zap.String("outputFormat", config.OutputFormat),
		zap.Int("sounds", len(sounds.Names())))

	return &ElevenLabsSynthesizer{
		config: config,
		// Playback is bounded by the caller's context, not a client timeout
		client: &http.Client{},
		player: player,
		sounds: sounds,
		logger: logger,
	}, nil
}

// Speak implements repositories.Synthesizer. The sound effect, when known,
// plays first; the device command is spoken after the reply so the robot
// hears it. Fallback responses never carry a command.
func (e *ElevenLabsSynthesizer) Speak(ctx context.Context, response entities.ResponseMessage) error {
	if response.SoundEffect != "" {
		if path, ok := e.sounds.Path(response.SoundEffect); ok {
			if err := e.player.PlayFile(ctx, path); err != nil {
				e.logger.Warn("Failed to play sound effect",
					zap.String("sound", response.SoundEffect), zap.Error(err))
			}
		} else {
			e.logger.Debug("Unknown sound effect", zap.String("sound", response.SoundEffect))
		}
	}

	if err := e.say(ctx, response.Text); err != nil {
		return err
	}

	if response.Command != "" && !response.Fallback {
		return e.say(ctx, response.Command)
	}
	return nil
}

func (e *ElevenLabsSynthesizer) say(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	body, err := e.stream(ctx, text)
	if err != nil {
		return err
	}
	defer body.Close()

	start := time.Now()
	if err := e.player.PlayPCM(ctx, body, sampleRateOf(e.config.OutputFormat)); err != nil {
		return err
	}
	e.logger.Debug("Finished speaking", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// stream opens the ElevenLabs streaming endpoint and returns the PCM body
func (e *ElevenLabsSynthesizer) stream(ctx context.Context, text string) (io.ReadCloser, error) {
	request := ElevenLabsRequest{
		Text:                   text,
		ModelID:                e.config.ModelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: ElevenLabsVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.Clarity,
			UseSpeakerBoost: true,
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, repositories.Fail(repositories.AdapterSynthesizer, repositories.KindEngineError, err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.config.APIBaseURL, e.config.VoiceID, e.config.OutputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, repositories.Fail(repositories.AdapterSynthesizer, repositories.KindEngineError, err)
	}
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.config.APIKey)

	e.logger.Debug("Sending request to Eleven Labs API", zap.String("url", url))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, repositories.Fail(repositories.AdapterSynthesizer, repositories.KindEngineError, err)
	}

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		e.logger.Error("Eleven Labs API returned error",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(errorBody)))
		return nil, repositories.Fail(repositories.AdapterSynthesizer, repositories.KindEngineError,
			fmt.Errorf("eleven labs returned status %d", resp.StatusCode))
	}
	return resp.Body, nil
}

// GetAvailableVoices retrieves available voices from Eleven Labs API
func (e *ElevenLabsSynthesizer) GetAvailableVoices(ctx context.Context) ([]map[string]interface{}, error) {
	url := fmt.Sprintf("%s/voices", e.config.APIBaseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned error %d: %s", resp.StatusCode, string(errorBody))
	}

	var voicesResponse struct {
		Voices []map[string]interface{} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&voicesResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	e.logger.Info("Retrieved available voices", zap.Int("count", len(voicesResponse.Voices)))
	return voicesResponse.Voices, nil
}

// NewElevenLabsConfigFromEnv creates a new ElevenLabsConfig from environment variables
func NewElevenLabsConfigFromEnv() ElevenLabsConfig {
	config := ElevenLabsConfig{
		APIKey:       os.Getenv("ELEVEN_LABS_API_KEY"),
		APIBaseURL:   os.Getenv("ELEVEN_LABS_API_BASE_URL"),
		VoiceID:      os.Getenv("ELEVEN_LABS_VOICE_ID"),
		ModelID:      os.Getenv("ELEVEN_LABS_MODEL_ID"),
		OutputFormat: os.Getenv("ELEVEN_LABS_OUTPUT_FORMAT"),
	}

	if stabilityStr := os.Getenv("ELEVEN_LABS_STABILITY"); stabilityStr != "" {
		if stability, err := strconv.ParseFloat(stabilityStr, 64); err == nil && stability >= 0 && stability <= 1 {
			config.Stability = stability
		}
	}

	if clarityStr := os.Getenv("ELEVEN_LABS_CLARITY"); clarityStr != "" {
		if clarity, err := strconv.ParseFloat(clarityStr, 64); err == nil && clarity >= 0 && clarity <= 1 {
			config.Clarity = clarity
		}
	}

	return config
}

// sampleRateOf parses the rate out of a pcm_<rate> output format
func sampleRateOf(format string) int {
	rate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
	if err != nil || rate <= 0 {
		return defaultSampleRate
	}
	return rate
}
