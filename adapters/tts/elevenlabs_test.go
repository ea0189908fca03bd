package tts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/domain/repositories"
)

type recordingPlayer struct {
	mu    sync.Mutex
	pcm   []string
	rates []int
	files []string
}

func (p *recordingPlayer) PlayPCM(ctx context.Context, r io.Reader, sampleRate int) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pcm = append(p.pcm, string(data))
	p.rates = append(p.rates, sampleRate)
	return nil
}

func (p *recordingPlayer) PlayFile(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append(p.files, path)
	return nil
}

// fakeElevenLabs echoes the requested text back as the audio body
func fakeElevenLabs(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-api-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/text-to-speech/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req ElevenLabsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		io.WriteString(w, "pcm:"+req.Text)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewElevenLabsSynthesizer(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Setenv("ELEVEN_LABS_API_KEY", "")
	if _, err := NewElevenLabsSynthesizer(NewElevenLabsConfigFromEnv(), &recordingPlayer{}, nil, logger); err == nil {
		t.Error("Expected error when API key is not set")
	}

	t.Setenv("ELEVEN_LABS_API_KEY", "test-api-key")
	t.Setenv("ELEVEN_LABS_STABILITY", "0.8")
	synth, err := NewElevenLabsSynthesizer(NewElevenLabsConfigFromEnv(), &recordingPlayer{}, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsSynthesizer: %v", err)
	}
	if synth.config.VoiceID != defaultVoiceID {
		t.Errorf("Expected default voice ID '%s', got '%s'", defaultVoiceID, synth.config.VoiceID)
	}
	if synth.config.Stability != 0.8 {
		t.Errorf("Expected stability 0.8, got %f", synth.config.Stability)
	}

	bad := ElevenLabsConfig{APIKey: "k", OutputFormat: "mp3_44100_128"}
	if _, err := NewElevenLabsSynthesizer(bad, &recordingPlayer{}, nil, logger); err == nil {
		t.Error("Expected error for non-PCM output format")
	}
}

func TestElevenLabsSynthesizer_Speak(t *testing.T) {
	server := fakeElevenLabs(t, http.StatusOK)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "yeehaw.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	sounds, err := LoadSoundLibrary(dir)
	if err != nil {
		t.Fatal(err)
	}

	player := &recordingPlayer{}
	synth, err := NewElevenLabsSynthesizer(ElevenLabsConfig{
		APIKey:       "test-api-key",
		APIBaseURL:   server.URL,
		OutputFormat: "pcm_16000",
	}, player, sounds, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	err = synth.Speak(context.Background(), entities.ResponseMessage{
		Text:        "Giddy up!",
		Command:     "Astro, dance",
		SoundEffect: "yeehaw",
	})
	if err != nil {
		t.Fatalf("Speak failed: %v", err)
	}

	if len(player.files) != 1 || filepath.Base(player.files[0]) != "yeehaw.wav" {
		t.Errorf("Expected sound effect to play first, got %v", player.files)
	}
	want := []string{"pcm:Giddy up!", "pcm:Astro, dance"}
	if len(player.pcm) != len(want) {
		t.Fatalf("Expected %d PCM streams, got %v", len(want), player.pcm)
	}
	for i := range want {
		if player.pcm[i] != want[i] {
			t.Errorf("Stream %d: expected %q, got %q", i, want[i], player.pcm[i])
		}
		if player.rates[i] != 16000 {
			t.Errorf("Stream %d: expected rate 16000, got %d", i, player.rates[i])
		}
	}
}

func TestElevenLabsSynthesizer_FallbackSkipsCommand(t *testing.T) {
	server := fakeElevenLabs(t, http.StatusOK)
	player := &recordingPlayer{}
	synth, err := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "test-api-key", APIBaseURL: server.URL}, player, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	fallback := entities.NewFallbackResponse("Sorry partner")
	fallback.Command = "Astro, dance"
	fallback.SoundEffect = "unknown"
	if err := synth.Speak(context.Background(), fallback); err != nil {
		t.Fatal(err)
	}
	if len(player.pcm) != 1 || len(player.files) != 0 {
		t.Errorf("Expected only the apology to play, got pcm=%v files=%v", player.pcm, player.files)
	}
	if player.rates[0] != defaultSampleRate {
		t.Errorf("Expected default rate, got %d", player.rates[0])
	}
}

func TestElevenLabsSynthesizer_UpstreamError(t *testing.T) {
	server := fakeElevenLabs(t, http.StatusInternalServerError)
	synth, err := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "test-api-key", APIBaseURL: server.URL}, &recordingPlayer{}, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	err = synth.Speak(context.Background(), entities.ResponseMessage{Text: "Howdy"})
	if repositories.KindOf(err) != repositories.KindEngineError {
		t.Errorf("Expected engine_error, got %v", err)
	}
}

func TestExecPlayer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	missing := NewExecPlayer("wrangler-no-such-player -q", logger)
	if err := missing.PlayFile(ctx, "x.wav"); repositories.KindOf(err) != repositories.KindDeviceUnavailable {
		t.Errorf("Expected device_unavailable, got %v", err)
	}

	if err := NewExecPlayer("", logger).PlayFile(ctx, "x.wav"); repositories.KindOf(err) != repositories.KindDeviceUnavailable {
		t.Errorf("Expected device_unavailable without command, got %v", err)
	}

	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("true binary not available")
	}
	if err := NewExecPlayer("true", logger).PlayPCM(ctx, strings.NewReader("abc"), 16000); err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	if err := NewExecPlayer("false", logger).PlayPCM(ctx, strings.NewReader("abc"), 16000); repositories.KindOf(err) != repositories.KindEngineError {
		t.Errorf("Expected engine_error, got %v", err)
	}
}

func TestSoundLibrary(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"yeehaw.wav", "whip.WAV", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.wav"), 0o755); err != nil {
		t.Fatal(err)
	}

	lib, err := LoadSoundLibrary(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := lib.Names()
	if len(names) != 2 || names[0] != "whip" || names[1] != "yeehaw" {
		t.Errorf("Unexpected sound names %v", names)
	}
	if _, ok := lib.Path("yeehaw.wav"); !ok {
		t.Error("Expected lookup with extension to resolve")
	}
	if _, ok := lib.Path("moo"); ok {
		t.Error("Expected unknown sound to miss")
	}

	empty, err := LoadSoundLibrary(filepath.Join(dir, "missing"))
	if err != nil || len(empty.Names()) != 0 {
		t.Errorf("Expected empty library for missing dir, got %v, %v", empty.Names(), err)
	}
}

func TestMockSynthesizer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewMockSynthesizer(false, zaptest.NewLogger(t)).Speak(ctx, entities.ResponseMessage{Text: "Howdy"}); err != nil {
		t.Errorf("Expected unpaced mock to succeed, got %v", err)
	}
	if err := NewMockSynthesizer(true, zaptest.NewLogger(t)).Speak(ctx, entities.ResponseMessage{Text: "Howdy partner"}); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
