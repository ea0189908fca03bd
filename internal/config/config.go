package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config enumerates every option recognized by the edge agent and the host.
// Both binaries load the same structure and validate the sections they use.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Audio     AudioConfig     `yaml:"audio"`
	Wake      WakeConfig      `yaml:"wake"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Edge      EdgeConfig      `yaml:"edge"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Host      HostConfig      `yaml:"host"`
	Adapters  AdapterConfig   `yaml:"adapters"`
	Auth      AuthConfig      `yaml:"auth"`
	Mongo     MongoConfig     `yaml:"mongo"`
}

type AudioConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	Channels     int `yaml:"channels"`
	FrameSamples int `yaml:"frame_samples"`
}

// FrameDuration returns the length of one capture frame
func (a AudioConfig) FrameDuration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(a.FrameSamples) * int64(time.Second) / int64(a.SampleRate))
}

type WakeConfig struct {
	Models        []string      `yaml:"models"`
	Threshold     float64       `yaml:"threshold"`
	Cooldown      time.Duration `yaml:"cooldown"`
	RingFrames    int           `yaml:"ring_frames"`
	PreRollFrames int           `yaml:"pre_roll_frames"`
	TemplatePath  string        `yaml:"template_path"`
}

type EndpointConfig struct {
	EnergyThreshold float64       `yaml:"energy_threshold"`
	MinSpeechFrames int           `yaml:"min_speech_frames"`
	Silence         time.Duration `yaml:"silence"`
	MaxRecord       time.Duration `yaml:"max_record"`
}

type EdgeConfig struct {
	HostURL        string `yaml:"host_url"`
	SerialNumber   string `yaml:"serial_number"`
	SecretKey      string `yaml:"secret_key"`
	QueueCapacity  int    `yaml:"queue_capacity"`
	CaptureCommand string `yaml:"capture_command"`
}

type ReconnectConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

type HostConfig struct {
	Port             string        `yaml:"port"`
	Workers          int           `yaml:"workers"`
	JobQueue         int           `yaml:"job_queue"`
	EventQueue       int           `yaml:"event_queue"`
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

type AdapterConfig struct {
	Transcriber       string        `yaml:"transcriber"`
	Generator         string        `yaml:"generator"`
	Synthesizer       string        `yaml:"synthesizer"`
	Language          string        `yaml:"language"`
	TranscribeTimeout time.Duration `yaml:"transcribe_timeout"`
	GenerateTimeout   time.Duration `yaml:"generate_timeout"`
	SynthesizeTimeout time.Duration `yaml:"synthesize_timeout"`
	FallbackText      string        `yaml:"fallback_text"`
	SoundsDir         string        `yaml:"sounds_dir"`
	PlayerCommand     string        `yaml:"player_command"`
}

type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret"`
	TokenTTL  time.Duration  `yaml:"token_ttl"`
	Devices   []DeviceConfig `yaml:"devices"`
}

// DeviceConfig seeds the in-memory device registry
type DeviceConfig struct {
	SerialNumber string `yaml:"serial_number"`
	SecretKey    string `yaml:"secret_key"`
	Model        string `yaml:"model"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Default returns a Config populated with the documented defaults
func Default() Config {
	return Config{
		LogLevel: "info",
		Audio: AudioConfig{
			SampleRate:   16000,
			Channels:     1,
			FrameSamples: 320,
		},
		Wake: WakeConfig{
			Models:        []string{"energy"},
			Threshold:     0.5,
			Cooldown:      500 * time.Millisecond,
			RingFrames:    50,
			PreRollFrames: 10,
		},
		Endpoint: EndpointConfig{
			EnergyThreshold: 0.02,
			MinSpeechFrames: 3,
			Silence:         1500 * time.Millisecond,
			MaxRecord:       10 * time.Second,
		},
		Edge: EdgeConfig{
			HostURL:        "http://localhost:8080",
			QueueCapacity:  256,
			CaptureCommand: "arecord -q -t raw -f S16_LE -c 1 -r 16000",
		},
		Reconnect: ReconnectConfig{
			Initial: time.Second,
			Max:     30 * time.Second,
		},
		Host: HostConfig{
			Port:             "8080",
			Workers:          8,
			JobQueue:         64,
			EventQueue:       512,
			InactivityWindow: 5 * time.Minute,
			EvictionInterval: 30 * time.Second,
		},
		Adapters: AdapterConfig{
			Transcriber:       "mock",
			Generator:         "mock",
			Synthesizer:       "mock",
			Language:          "en-US",
			TranscribeTimeout: 10 * time.Second,
			GenerateTimeout:   15 * time.Second,
			SynthesizeTimeout: 30 * time.Second,
			FallbackText:      "Sorry partner, I'm having trouble thinking.",
			SoundsDir:         "assets/sounds",
			PlayerCommand:     "aplay -q",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Mongo: MongoConfig{
			Database: "wrangler",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. A .env file in the working
// directory is loaded first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("WRANGLER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)

	integer("AUDIO_SAMPLE_RATE", &c.Audio.SampleRate)
	integer("AUDIO_FRAME_SAMPLES", &c.Audio.FrameSamples)

	if v := os.Getenv("WAKE_MODELS"); v != "" {
		c.Wake.Models = splitList(v)
	}
	float("WAKE_THRESHOLD", &c.Wake.Threshold)
	duration("WAKE_COOLDOWN", &c.Wake.Cooldown)
	integer("WAKE_PRE_ROLL_FRAMES", &c.Wake.PreRollFrames)
	str("WAKE_TEMPLATE_PATH", &c.Wake.TemplatePath)

	float("ENDPOINT_ENERGY_THRESHOLD", &c.Endpoint.EnergyThreshold)
	integer("ENDPOINT_MIN_SPEECH_FRAMES", &c.Endpoint.MinSpeechFrames)
	duration("SILENCE_DURATION", &c.Endpoint.Silence)
	duration("MAX_RECORD", &c.Endpoint.MaxRecord)
	if v := os.Getenv("MAX_RECORD_SEC"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_RECORD_SEC: %w", err))
		} else {
			c.Endpoint.MaxRecord = time.Duration(secs * float64(time.Second))
		}
	}

	str("HOST_URL", &c.Edge.HostURL)
	str("DEVICE_SERIAL_NUMBER", &c.Edge.SerialNumber)
	str("DEVICE_SECRET_KEY", &c.Edge.SecretKey)
	integer("OUTBOUND_QUEUE_CAPACITY", &c.Edge.QueueCapacity)
	str("CAPTURE_COMMAND", &c.Edge.CaptureCommand)

	duration("RECONNECT_INITIAL", &c.Reconnect.Initial)
	duration("RECONNECT_MAX", &c.Reconnect.Max)

	str("PORT", &c.Host.Port)
	integer("WORKERS", &c.Host.Workers)
	duration("INACTIVITY_WINDOW", &c.Host.InactivityWindow)

	str("TRANSCRIBER", &c.Adapters.Transcriber)
	str("GENERATOR", &c.Adapters.Generator)
	str("SYNTHESIZER", &c.Adapters.Synthesizer)
	str("LANGUAGE_CODE", &c.Adapters.Language)
	duration("TRANSCRIBE_TIMEOUT", &c.Adapters.TranscribeTimeout)
	duration("GENERATE_TIMEOUT", &c.Adapters.GenerateTimeout)
	duration("SYNTHESIZE_TIMEOUT", &c.Adapters.SynthesizeTimeout)
	str("SOUNDS_DIR", &c.Adapters.SoundsDir)
	str("PLAYER_COMMAND", &c.Adapters.PlayerCommand)

	str("JWT_SECRET", &c.Auth.JWTSecret)
	duration("TOKEN_TTL", &c.Auth.TokenTTL)

	str("MONGODB_URI", &c.Mongo.URI)
	str("MONGODB_DATABASE", &c.Mongo.Database)

	return errors.Join(errs...)
}

// Validate checks the options shared by both binaries
func (c Config) Validate() error {
	var errs []error

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio sample rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio channels must be positive, got %d", c.Audio.Channels))
	}
	if c.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("frame samples must be positive, got %d", c.Audio.FrameSamples))
	}

	if len(c.Wake.Models) == 0 {
		errs = append(errs, errors.New("at least one wake model is required"))
	}
	if c.Wake.Threshold <= 0 || c.Wake.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("wake threshold must be between 0 and 1, got %f", c.Wake.Threshold))
	}
	if c.Wake.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("wake cooldown must not be negative, got %v", c.Wake.Cooldown))
	}
	if c.Wake.RingFrames <= 0 {
		errs = append(errs, fmt.Errorf("wake ring frames must be positive, got %d", c.Wake.RingFrames))
	}
	if c.Wake.PreRollFrames < 0 || c.Wake.PreRollFrames > c.Wake.RingFrames {
		errs = append(errs, fmt.Errorf("wake pre-roll frames must be between 0 and %d, got %d", c.Wake.RingFrames, c.Wake.PreRollFrames))
	}

	if c.Endpoint.EnergyThreshold <= 0 || c.Endpoint.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("energy threshold must be between 0 and 1, got %f", c.Endpoint.EnergyThreshold))
	}
	if c.Endpoint.MinSpeechFrames <= 0 {
		errs = append(errs, fmt.Errorf("min speech frames must be positive, got %d", c.Endpoint.MinSpeechFrames))
	}
	if c.Endpoint.Silence <= 0 {
		errs = append(errs, fmt.Errorf("silence duration must be positive, got %v", c.Endpoint.Silence))
	}
	if c.Endpoint.MaxRecord <= 0 {
		errs = append(errs, fmt.Errorf("max record duration must be positive, got %v", c.Endpoint.MaxRecord))
	}

	if c.Edge.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("outbound queue capacity must be positive, got %d", c.Edge.QueueCapacity))
	}
	if c.Reconnect.Initial <= 0 {
		errs = append(errs, fmt.Errorf("reconnect initial backoff must be positive, got %v", c.Reconnect.Initial))
	}
	if c.Reconnect.Max < c.Reconnect.Initial {
		errs = append(errs, fmt.Errorf("reconnect ceiling %v is below initial backoff %v", c.Reconnect.Max, c.Reconnect.Initial))
	}

	if c.Host.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Host.Workers))
	}
	if c.Host.JobQueue <= 0 || c.Host.EventQueue <= 0 {
		errs = append(errs, errors.New("job and event queues must be positive"))
	}
	if c.Host.InactivityWindow <= 0 {
		errs = append(errs, fmt.Errorf("inactivity window must be positive, got %v", c.Host.InactivityWindow))
	}
	if c.Host.EvictionInterval <= 0 {
		errs = append(errs, fmt.Errorf("eviction interval must be positive, got %v", c.Host.EvictionInterval))
	}

	for name, d := range map[string]time.Duration{
		"transcribe": c.Adapters.TranscribeTimeout,
		"generate":   c.Adapters.GenerateTimeout,
		"synthesize": c.Adapters.SynthesizeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s timeout must be positive, got %v", name, d))
		}
	}
	if strings.TrimSpace(c.Adapters.FallbackText) == "" {
		errs = append(errs, errors.New("fallback text is required"))
	}

	return errors.Join(errs...)
}

// ValidateEdge checks the options only the edge agent needs
func (c Config) ValidateEdge() error {
	var errs []error
	if c.Edge.HostURL == "" {
		errs = append(errs, errors.New("host url is required"))
	}
	if c.Edge.SerialNumber == "" || c.Edge.SecretKey == "" {
		errs = append(errs, errors.New("device serial number and secret key are required"))
	}
	return errors.Join(errs...)
}

// ValidateHost checks the options only the host needs
func (c Config) ValidateHost() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token ttl must be positive, got %v", c.Auth.TokenTTL))
	}
	for _, a := range []struct {
		role, name string
		known      []string
	}{
		{"transcriber", c.Adapters.Transcriber, []string{"mock", "google"}},
		{"generator", c.Adapters.Generator, []string{"mock", "gemini"}},
		{"synthesizer", c.Adapters.Synthesizer, []string{"mock", "elevenlabs"}},
	} {
		if !slices.Contains(a.known, a.name) {
			errs = append(errs, fmt.Errorf("unknown %s %q, want one of %v", a.role, a.name, a.known))
		}
	}
	for i, d := range c.Auth.Devices {
		if d.SerialNumber == "" || d.SecretKey == "" {
			errs = append(errs, fmt.Errorf("device %d needs a serial number and a secret key", i))
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
