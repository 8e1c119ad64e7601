package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime settings. Every field can be overridden by a flag on the
// run command; the environment only supplies defaults.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	// Artifacts
	CascadePath string `envconfig:"CASCADE" default:"assets/haarcascade_frontalface_default.xml"`
	ModelPath   string `envconfig:"MODEL" default:"assets/emotion_yolo11n_cls.onnx"`
	LabelsPath  string `envconfig:"LABELS" default:"assets/classes.json"`

	// Capture
	Source string `envconfig:"SOURCE" default:"camera"`
	Device string `envconfig:"DEVICE" default:"0"`
	FPS    int    `envconfig:"FPS" default:"30"`

	// InputFormat is passed to ffmpeg as -f (v4l2, avfoundation, dshow).
	InputFormat string `envconfig:"INPUT_FORMAT"`

	// Inference
	Engine           string        `envconfig:"ENGINE" default:"onnx"`
	OnnxLibrary      string        `envconfig:"ONNX_LIBRARY"`
	Threads          int           `envconfig:"THREADS" default:"0"`
	WorkerCommand    string        `envconfig:"WORKER_COMMAND" default:"python3 -u python/worker.py"`
	InferenceTimeout time.Duration `envconfig:"INFERENCE_TIMEOUT" default:"5s"`
	MaxFailures      int           `envconfig:"MAX_FAILURES" default:"0"`

	// Presentation
	ListenAddr string `envconfig:"LISTEN"`
	Quiet      bool   `envconfig:"QUIET" default:"false"`

	// LogFile receives log records instead of stderr.
	LogFile string `envconfig:"LOG_FILE"`

	// Storage
	DatabaseURL string `envconfig:"DATABASE_URL"`
	Record      bool   `envconfig:"RECORD" default:"false"`
}

// Load reads FACEMOOD_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("facemood", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURLFromEnv()
	}
	return &cfg, nil
}

// postgresURLFromEnv builds a connection string from the POSTGRES_* variables
// used by the docker-compose setup, falling back to a local default.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/facemood"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate checks value ranges before any heavy resource is touched.
func (c *Config) Validate() error {
	if c.FPS < 1 || c.FPS > 240 {
		return fmt.Errorf("fps must be between 1 and 240, got %d", c.FPS)
	}
	if c.InferenceTimeout < 0 {
		return fmt.Errorf("inference timeout must not be negative, got %s", c.InferenceTimeout)
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("max failures must not be negative, got %d", c.MaxFailures)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative, got %d", c.Threads)
	}
	switch c.Source {
	case "camera", "ffmpeg":
	default:
		return fmt.Errorf("unknown source %q (supported: camera, ffmpeg)", c.Source)
	}
	switch c.Engine {
	case "onnx", "worker":
	default:
		return fmt.Errorf("unknown engine %q (supported: onnx, worker)", c.Engine)
	}
	for name, v := range map[string]string{"cascade": c.CascadePath, "model": c.ModelPath, "labels": c.LabelsPath} {
		if v == "" {
			return fmt.Errorf("%s location is required", name)
		}
	}
	return nil
}

// TickInterval converts FPS to a ticker period.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
