package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/config"
)

// ReadFrames slices raw PCM16LE from r into frames of audio.FrameSamples
// samples and sends them on out. It returns nil once r is exhausted; a
// trailing partial frame is dropped.
func ReadFrames(ctx context.Context, r io.Reader, audio config.AudioConfig, out chan<- entities.AudioFrame) error {
	buf := make([]byte, audio.FrameSamples*audio.Channels*2)
	var seq uint64
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("capture read: %w", err)
		}

		seq++
		frame, err := entities.FrameFromBytes(seq, audio.SampleRate, audio.Channels, buf)
		if err != nil {
			return err
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CommandCapture records from a subprocess writing raw PCM16LE to stdout,
// e.g. "arecord -q -t raw -f S16_LE -c 1 -r 16000"
type CommandCapture struct {
	command []string
	logger  *zap.Logger
}

func NewCommandCapture(command string, logger *zap.Logger) *CommandCapture {
	return &CommandCapture{
		command: strings.Fields(command),
		logger:  logger,
	}
}

// Run streams frames until ctx is cancelled or the recorder exits
func (c *CommandCapture) Run(ctx context.Context, audio config.AudioConfig, out chan<- entities.AudioFrame) error {
	if len(c.command) == 0 {
		return errors.New("no capture command configured")
	}

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	c.logger.Info("Capture started", zap.Strings("args", cmd.Args))

	readErr := ReadFrames(ctx, stdout, audio, out)
	if readErr != nil {
		cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		return fmt.Errorf("capture exited: %w", waitErr)
	}
	return nil
}
