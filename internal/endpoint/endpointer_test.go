package endpoint

import (
	"math/rand"
	"testing"
	"time"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/config"
)

const frameSamples = 320 // 20ms at 16kHz

var testConfig = config.EndpointConfig{
	EnergyThreshold: 0.02,
	MinSpeechFrames: 3,
	Silence:         1500 * time.Millisecond,
	MaxRecord:       10 * time.Second,
}

func loudFrame() entities.AudioFrame   { return levelFrame(8000) }
func silentFrame() entities.AudioFrame { return levelFrame(50) }

func levelFrame(amplitude int16) entities.AudioFrame {
	pcm := make([]int16, frameSamples)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = amplitude
		} else {
			pcm[i] = -amplitude
		}
	}
	return entities.AudioFrame{SampleRate: 16000, Channels: 1, PCM: pcm}
}

func framesFor(d time.Duration) int {
	return int(d / (20 * time.Millisecond))
}

func TestEndpointer_SilenceTermination(t *testing.T) {
	ep := New(testConfig)

	for i := 0; i < framesFor(2*time.Second); i++ {
		if d := ep.Feed(loudFrame()); d.Done {
			t.Fatalf("Ended during speech at %v", d.Elapsed)
		}
	}

	var decision Decision
	silentFrames := framesFor(1600 * time.Millisecond)
	for i := 0; i < silentFrames; i++ {
		decision = ep.Feed(silentFrame())
		if decision.Done {
			break
		}
	}

	if !decision.Done {
		t.Fatal("Expected utterance to end during trailing silence")
	}
	if decision.Reason != entities.EndReasonSilence {
		t.Errorf("Expected reason %s, got %s", entities.EndReasonSilence, decision.Reason)
	}
	if decision.Elapsed != 3500*time.Millisecond {
		t.Errorf("Expected end at the 3.5s silence boundary, got %v", decision.Elapsed)
	}
}

func TestEndpointer_HardCap(t *testing.T) {
	ep := New(testConfig)

	var decision Decision
	frames := 0
	for !decision.Done {
		decision = ep.Feed(loudFrame())
		frames++
		if frames > 1000 {
			t.Fatal("Endpointer never ended continuous speech")
		}
	}

	if decision.Reason != entities.EndReasonMaxDuration {
		t.Errorf("Expected reason %s, got %s", entities.EndReasonMaxDuration, decision.Reason)
	}
	if decision.Elapsed != 10*time.Second {
		t.Errorf("Expected end at exactly 10s, got %v", decision.Elapsed)
	}
}

func TestEndpointer_SilenceRequiresSpeech(t *testing.T) {
	ep := New(testConfig)

	var decision Decision
	for !decision.Done {
		decision = ep.Feed(silentFrame())
	}
	// no speech ever observed, so only the hard cap can end it
	if decision.Reason != entities.EndReasonMaxDuration {
		t.Errorf("Expected %s for a silent recording, got %s", entities.EndReasonMaxDuration, decision.Reason)
	}
}

func TestEndpointer_RejectsSpikes(t *testing.T) {
	ep := New(testConfig)

	// two-frame bursts are below the minimum run and never count as speech
	for i := 0; i < 100; i++ {
		var d Decision
		if i%10 < 2 {
			d = ep.Feed(loudFrame())
		} else {
			d = ep.Feed(silentFrame())
		}
		if d.Speech {
			t.Fatalf("Spike at frame %d was classified as speech", i)
		}
		if d.Done {
			t.Fatalf("Ended at frame %d without speech", i)
		}
	}
}

func TestEndpointer_SpikesDoNotResetSilence(t *testing.T) {
	ep := New(testConfig)
	for i := 0; i < 10; i++ {
		ep.Feed(loudFrame())
	}

	var decision Decision
	for i := 0; !decision.Done; i++ {
		if i == 30 {
			decision = ep.Feed(loudFrame())
			continue
		}
		decision = ep.Feed(silentFrame())
	}
	if decision.Reason != entities.EndReasonSilence {
		t.Errorf("Expected silence ending, got %s", decision.Reason)
	}
	if decision.Elapsed != 200*time.Millisecond+1500*time.Millisecond {
		t.Errorf("Expected end at 1.7s, got %v", decision.Elapsed)
	}
}

func TestEndpointer_SilenceWinsOverCap(t *testing.T) {
	cfg := testConfig
	cfg.MaxRecord = 2 * time.Second
	cfg.Silence = 1 * time.Second
	ep := New(cfg)

	for i := 0; i < framesFor(time.Second); i++ {
		ep.Feed(loudFrame())
	}
	var decision Decision
	for !decision.Done {
		decision = ep.Feed(silentFrame())
	}
	// both conditions are met on the same frame
	if decision.Elapsed != 2*time.Second {
		t.Fatalf("Expected both conditions at 2s, got %v", decision.Elapsed)
	}
	if decision.Reason != entities.EndReasonSilence {
		t.Errorf("Expected silence to take priority, got %s", decision.Reason)
	}
}

func TestEndpointer_Cancel(t *testing.T) {
	ep := New(testConfig)
	ep.Feed(loudFrame())

	decision := ep.Cancel()
	if !decision.Done || decision.Reason != entities.EndReasonCancelled {
		t.Errorf("Expected cancelled decision, got %+v", decision)
	}

	// terminal decisions are sticky
	if d := ep.Feed(loudFrame()); d.Reason != entities.EndReasonCancelled || d.Elapsed != 20*time.Millisecond {
		t.Errorf("Expected frames after cancel to be ignored, got %+v", d)
	}
	if d := ep.Fail(); d.Reason != entities.EndReasonCancelled {
		t.Errorf("Expected first reason to stick, got %s", d.Reason)
	}

	ep.Reset()
	if d := ep.Feed(loudFrame()); d.Done || d.Elapsed != 20*time.Millisecond {
		t.Errorf("Expected fresh state after reset, got %+v", d)
	}
}

func TestEndpointer_Fail(t *testing.T) {
	ep := New(testConfig)
	if d := ep.Fail(); d.Reason != entities.EndReasonError {
		t.Errorf("Expected reason %s, got %s", entities.EndReasonError, d.Reason)
	}
}

func TestEndpointer_BoundedForAnyInput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		ep := New(testConfig)
		var decision Decision
		for !decision.Done {
			decision = ep.Feed(levelFrame(int16(rng.Intn(12000))))
			if decision.Elapsed > testConfig.MaxRecord {
				t.Fatalf("Trial %d exceeded max record: %v", trial, decision.Elapsed)
			}
		}
		if !decision.Reason.Valid() {
			t.Errorf("Trial %d ended with invalid reason %q", trial, decision.Reason)
		}
	}
}
