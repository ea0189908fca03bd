package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/config"
	"github.com/satriahrh/wrangler/internal/edge"
	"github.com/satriahrh/wrangler/internal/endpoint"
	"github.com/satriahrh/wrangler/internal/wake"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	input := flag.String("input", "", "raw PCM16LE file to replay instead of live capture")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ValidateEdge()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *input, logger); err != nil {
		logger.Fatal("Edge agent exited with error", zap.Error(err))
	}
	logger.Info("Edge agent exited")
}

func run(ctx context.Context, cfg config.Config, input string, logger *zap.Logger) error {
	models, err := wake.NewRegistry().Build(cfg.Wake)
	if err != nil {
		return err
	}
	detector, err := wake.NewDetector(models, cfg.Wake, logger)
	if err != nil {
		return err
	}

	session := edge.NewSession(cfg.Edge, cfg.Reconnect, logger)
	agent := edge.NewAgent(session, detector, endpoint.New(cfg.Endpoint), edge.NewLogIndicator(logger), logger)

	// SIGUSR1 acts as the local cancel button
	buttons := make(chan os.Signal, 1)
	signal.Notify(buttons, syscall.SIGUSR1)
	defer signal.Stop(buttons)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	frames := make(chan entities.AudioFrame, 64)
	g.Go(func() error {
		defer close(frames)
		if input != "" {
			f, err := os.Open(input)
			if err != nil {
				return err
			}
			defer f.Close()
			logger.Info("Replaying audio file", zap.String("path", input))
			return edge.ReadFrames(gctx, f, cfg.Audio, frames)
		}
		return edge.NewCommandCapture(cfg.Edge.CaptureCommand, logger).Run(gctx, cfg.Audio, frames)
	})

	g.Go(func() error { return session.Run(gctx) })

	g.Go(func() error {
		// the agent ends with the capture; take the session down with it
		defer cancel()
		return agent.Run(gctx, frames)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-buttons:
				logger.Info("Cancel requested")
				agent.Cancel()
			}
		}
	})

	logger.Info("Edge agent started",
		zap.String("host", cfg.Edge.HostURL),
		zap.Strings("wakeModels", cfg.Wake.Models))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
