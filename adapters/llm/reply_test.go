package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/satriahrh/wrangler/domain/repositories"
)

var (
	_ repositories.ResponseGenerator = &GeminiGenerator{}
	_ repositories.ResponseGenerator = &MockGenerator{}
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantText    string
		wantCommand string
		wantSound   string
		wantErr     bool
	}{
		{
			name:     "conversation",
			raw:      `{"reply":"It's high noon, partner.","command":null,"sound_effect":null,"emotion":"sarcastic"}`,
			wantText: "It's high noon, partner.",
		},
		{
			name:        "command with sound",
			raw:         "```json\n{\"reply\":\"Giddy up!\",\"command\":\"Astro, dance\",\"sound_effect\":\"yeehaw\",\"emotion\":\"excited\"}\n```",
			wantText:    "Giddy up!",
			wantCommand: "Astro, dance",
			wantSound:   "yeehaw",
		},
		{
			name:        "list",
			raw:         `[{"reply":"Watch this!","command":"Astro, dance"},{"reply":"Now to the lounge.","command":"Astro, go to the lounge"}]`,
			wantText:    "Watch this! Now to the lounge.",
			wantCommand: "Astro, dance",
		},
		{name: "plain text", raw: "Howdy partner", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "no reply text", raw: `{"reply":"  ","command":"Astro, stop"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseReply(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %+v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReply failed: %v", err)
			}
			if msg.Text != tt.wantText {
				t.Errorf("Expected text %q, got %q", tt.wantText, msg.Text)
			}
			if msg.Command != tt.wantCommand {
				t.Errorf("Expected command %q, got %q", tt.wantCommand, msg.Command)
			}
			if msg.SoundEffect != tt.wantSound {
				t.Errorf("Expected sound %q, got %q", tt.wantSound, msg.SoundEffect)
			}
		})
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	if p := buildSystemPrompt(nil); strings.Contains(p, "Sound effects library") {
		t.Error("Expected no sound library without sounds")
	}
	p := buildSystemPrompt([]string{"yeehaw", "whip"})
	if !strings.Contains(p, "[yeehaw, whip]") {
		t.Errorf("Expected sound list in prompt, got %q", p[len(p)-60:])
	}
}

func TestValidateGeminiConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GeminiConfig
		wantErr bool
	}{
		{"valid", GeminiConfig{APIKey: "key"}, false},
		{"missing key", GeminiConfig{}, true},
		{"temperature", GeminiConfig{APIKey: "key", Temperature: 3}, true},
		{"topP", GeminiConfig{APIKey: "key", TopP: 1.5}, true},
		{"topK", GeminiConfig{APIKey: "key", TopK: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateGeminiConfig(tt.config); (err != nil) != tt.wantErr {
				t.Errorf("ValidateGeminiConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMockGenerator(t *testing.T) {
	msg, err := NewMockGenerator().Generate(context.Background(), "make him dance")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Command != "Astro, dance" {
		t.Errorf("Expected dance command, got %+v", msg)
	}
}
