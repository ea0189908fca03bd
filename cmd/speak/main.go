package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/adapters/tts"
	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/config"
)

// speak says one line through the ElevenLabs synthesizer, for checking the
// voice and the audio sink without running the host
func main() {
	text := flag.String("text", "Howdy partner! This here is the Brain Rider speaking.", "text to speak")
	sound := flag.String("sound", "", "sound effect to play first")
	command := flag.String("command", "", "device command to speak after the text")
	voices := flag.Bool("voices", false, "list available voices")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	sounds, err := tts.LoadSoundLibrary(cfg.Adapters.SoundsDir)
	if err != nil {
		logger.Fatal("Failed to load sounds", zap.Error(err))
	}

	synth, err := tts.NewElevenLabsSynthesizer(
		tts.NewElevenLabsConfigFromEnv(),
		tts.NewExecPlayer(cfg.Adapters.PlayerCommand, logger),
		sounds,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create synthesizer", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Adapters.SynthesizeTimeout)
	defer cancel()

	if *voices {
		list, err := synth.GetAvailableVoices(ctx)
		if err != nil {
			logger.Fatal("Failed to get available voices", zap.Error(err))
		}
		for _, voice := range list {
			fmt.Printf("%s\t%s\n", voice["voice_id"], voice["name"])
		}
		return
	}

	start := time.Now()
	err = synth.Speak(ctx, entities.ResponseMessage{
		Text:        *text,
		Command:     *command,
		SoundEffect: *sound,
	})
	if err != nil {
		logger.Fatal("Failed to speak", zap.Error(err))
	}
	logger.Info("Done", zap.Duration("elapsed", time.Since(start)))
}
