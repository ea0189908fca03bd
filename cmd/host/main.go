package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/wrangler/adapters"
	"github.com/satriahrh/wrangler/adapters/llm"
	"github.com/satriahrh/wrangler/adapters/mongo"
	"github.com/satriahrh/wrangler/adapters/stt"
	"github.com/satriahrh/wrangler/adapters/tts"
	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/domain/repositories"
	"github.com/satriahrh/wrangler/internal/api"
	"github.com/satriahrh/wrangler/internal/auth"
	"github.com/satriahrh/wrangler/internal/config"
	"github.com/satriahrh/wrangler/internal/metrics"
	"github.com/satriahrh/wrangler/internal/websocket"
	"github.com/satriahrh/wrangler/internal/worker"
	"github.com/satriahrh/wrangler/usecase"
)

const defaultDeviceModel = "wrangler-v1"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ValidateHost()
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Host exited with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	deviceRepo, closeRepo, err := newDeviceRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	if err := seedDevices(ctx, deviceRepo, cfg, logger); err != nil {
		return err
	}

	sounds, err := tts.LoadSoundLibrary(cfg.Adapters.SoundsDir)
	if err != nil {
		return err
	}

	adapterSet, closeAdapters, err := newAdapters(ctx, cfg, sounds, logger)
	if err != nil {
		return err
	}
	defer closeAdapters()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	g, gctx := errgroup.WithContext(ctx)

	pool := worker.NewPool(cfg.Host.Workers, cfg.Host.JobQueue, logger)
	g.Go(func() error { return pool.Run(gctx) })

	hub := websocket.NewHub(adapterSet, pool, usecase.Options{
		TranscribeTimeout: cfg.Adapters.TranscribeTimeout,
		GenerateTimeout:   cfg.Adapters.GenerateTimeout,
		SynthesizeTimeout: cfg.Adapters.SynthesizeTimeout,
		FallbackText:      cfg.Adapters.FallbackText,
		EventQueue:        cfg.Host.EventQueue,
	}, m, logger)

	cleanup := websocket.NewConnectionCleanupService(hub, cfg.Host.InactivityWindow, cfg.Host.EvictionInterval, logger)
	cleanup.Start()
	defer cleanup.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	api.InitRoutes(e, hub, deviceRepo, issuer, registry, logger)

	g.Go(func() error {
		logger.Info("Server started",
			zap.String("port", cfg.Host.Port),
			zap.String("transcriber", cfg.Adapters.Transcriber),
			zap.String("generator", cfg.Adapters.Generator),
			zap.String("synthesizer", cfg.Adapters.Synthesizer))
		if err := e.Start(":" + cfg.Host.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		hub.Shutdown()
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newDeviceRepository uses MongoDB when configured and memory otherwise
func newDeviceRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.DeviceRepository, func(), error) {
	if cfg.Mongo.URI == "" {
		logger.Info("Using in-memory device registry")
		return adapters.NewMemoryDeviceRepository(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, cfg.Mongo, logger)
	if err != nil {
		return nil, nil, err
	}
	repo := mongo.NewDeviceRepository(client.Database)
	if err := repo.EnsureIndexes(ctx); err != nil {
		client.Close(context.Background())
		return nil, nil, err
	}
	return repo, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close(ctx)
	}, nil
}

// seedDevices registers the configured devices. On a single machine the
// edge credentials double as the only device.
func seedDevices(ctx context.Context, repo repositories.DeviceRepository, cfg config.Config, logger *zap.Logger) error {
	devices := cfg.Auth.Devices
	if len(devices) == 0 && cfg.Edge.SerialNumber != "" && cfg.Edge.SecretKey != "" {
		devices = []config.DeviceConfig{{SerialNumber: cfg.Edge.SerialNumber, SecretKey: cfg.Edge.SecretKey}}
	}

	for _, d := range devices {
		model := d.Model
		if model == "" {
			model = defaultDeviceModel
		}
		err := repo.Register(ctx, &entities.Device{SerialNumber: d.SerialNumber, Model: model}, d.SecretKey)
		switch {
		case errors.Is(err, repositories.ErrDeviceExists):
			logger.Debug("Device already registered", zap.String("serialNumber", d.SerialNumber))
		case err != nil:
			return fmt.Errorf("failed to register device %s: %w", d.SerialNumber, err)
		default:
			logger.Info("Device registered", zap.String("serialNumber", d.SerialNumber))
		}
	}
	return nil
}

// newAdapters builds the configured adapter set and a func releasing it
func newAdapters(ctx context.Context, cfg config.Config, sounds *tts.SoundLibrary, logger *zap.Logger) (usecase.Adapters, func(), error) {
	var (
		set     usecase.Adapters
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch cfg.Adapters.Transcriber {
	case "google":
		transcriber, err := stt.NewGoogleTranscriber(ctx, cfg.Adapters.Language, logger)
		if err != nil {
			return set, nil, err
		}
		closers = append(closers, func() { transcriber.Close() })
		set.Transcriber = transcriber
	default:
		set.Transcriber = stt.NewMockTranscriber(logger)
	}

	switch cfg.Adapters.Generator {
	case "gemini":
		geminiConfig, err := llm.GeminiConfigFromEnv()
		if err != nil {
			closeAll()
			return set, nil, err
		}
		generator, err := llm.NewGeminiGenerator(ctx, geminiConfig, logger)
		if err != nil {
			closeAll()
			return set, nil, err
		}
		generator.SetAvailableSounds(sounds.Names())
		set.Generator = generator
	default:
		set.Generator = llm.NewMockGenerator()
	}

	switch cfg.Adapters.Synthesizer {
	case "elevenlabs":
		player := tts.NewExecPlayer(cfg.Adapters.PlayerCommand, logger)
		synthesizer, err := tts.NewElevenLabsSynthesizer(tts.NewElevenLabsConfigFromEnv(), player, sounds, logger)
		if err != nil {
			closeAll()
			return set, nil, err
		}
		set.Synthesizer = synthesizer
	default:
		set.Synthesizer = tts.NewMockSynthesizer(true, logger)
	}

	return set, closeAll, nil
}
