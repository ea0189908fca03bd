package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/repositories"
)

// Player renders audio on the local output device
type Player interface {
	// PlayPCM plays mono signed 16-bit little-endian samples read from r
	PlayPCM(ctx context.Context, r io.Reader, sampleRate int) error
	// PlayFile plays a wav file
	PlayFile(ctx context.Context, path string) error
}

// ExecPlayer plays audio through an external command such as aplay
type ExecPlayer struct {
	command []string
	logger  *zap.Logger
}

var _ Player = (*ExecPlayer)(nil)

// NewExecPlayer creates a player around command, e.g. "aplay -q"
func NewExecPlayer(command string, logger *zap.Logger) *ExecPlayer {
	return &ExecPlayer{
		command: strings.Fields(command),
		logger:  logger,
	}
}

// PlayPCM implements Player
func (p *ExecPlayer) PlayPCM(ctx context.Context, r io.Reader, sampleRate int) error {
	return p.run(ctx, r, "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(sampleRate))
}

// PlayFile implements Player
func (p *ExecPlayer) PlayFile(ctx context.Context, path string) error {
	return p.run(ctx, nil, path)
}

func (p *ExecPlayer) run(ctx context.Context, stdin io.Reader, args ...string) error {
	if len(p.command) == 0 {
		return repositories.Fail(repositories.AdapterSynthesizer, repositories.KindDeviceUnavailable, errors.New("no player command configured"))
	}

	cmd := exec.CommandContext(ctx, p.command[0], append(p.command[1:], args...)...)
	cmd.Stdin = stdin
	p.logger.Debug("Starting player", zap.Strings("args", cmd.Args))

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return repositories.Fail(repositories.AdapterSynthesizer, repositories.KindDeviceUnavailable, err)
	}
	return repositories.Fail(repositories.AdapterSynthesizer, repositories.KindEngineError,
		fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
}
