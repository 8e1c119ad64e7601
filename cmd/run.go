package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/facemood/internal/artifact"
	"github.com/andresmejia3/facemood/internal/bootstrap"
	"github.com/andresmejia3/facemood/internal/capture"
	"github.com/andresmejia3/facemood/internal/config"
	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/inference"
	"github.com/andresmejia3/facemood/internal/live"
	"github.com/andresmejia3/facemood/internal/sink"
	"github.com/andresmejia3/facemood/internal/types"
	"github.com/andresmejia3/facemood/internal/utils"
	"github.com/andresmejia3/facemood/internal/vision"
	"github.com/andresmejia3/facemood/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RunOptions mirrors the run flags. Only flags the user set override the
// environment configuration.
type RunOptions struct {
	Cascade          string
	Model            string
	Labels           string
	Source           string
	Device           string
	InputFormat      string
	FPS              int
	Engine           string
	OnnxLibrary      string
	Threads          int
	WorkerCommand    string
	InferenceTimeout time.Duration
	MaxFailures      int
	Listen           string
	Quiet            bool
	Record           bool
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Detect the most prominent face and classify its emotion live",
	Run: func(cmd *cobra.Command, args []string) {
		if err := applyRunFlags(cmd.Flags(), &runOpts, Cfg); err != nil {
			utils.Die("Invalid run options", err, nil)
		}
		if err := runLive(cmd.Context(), Cfg, Logger); err != nil {
			utils.Die("Live session failed", err, nil)
		}
	},
}

func init() {
	registerRunFlags(runCmd.Flags(), &runOpts)
	rootCmd.AddCommand(runCmd)
}

func registerRunFlags(f *pflag.FlagSet, o *RunOptions) {
	f.StringVar(&o.Cascade, "cascade", "", "Haar cascade XML (path or URL)")
	f.StringVar(&o.Model, "model", "", "Emotion classifier ONNX model (path or URL)")
	f.StringVar(&o.Labels, "labels", "", "Label list JSON (path or URL)")
	f.StringVar(&o.Source, "source", "", "Capture backend: camera (OpenCV) or ffmpeg")
	f.StringVarP(&o.Device, "device", "d", "", "Camera index, device path, file or stream URL")
	f.StringVar(&o.InputFormat, "input-format", "", "ffmpeg input format, e.g. v4l2 or avfoundation")
	f.IntVar(&o.FPS, "fps", 0, "Passes per second")
	f.StringVar(&o.Engine, "engine", "", "Inference backend: onnx or worker")
	f.StringVar(&o.OnnxLibrary, "onnx-lib", "", "Path to the onnxruntime shared library")
	f.IntVar(&o.Threads, "threads", 0, "Intra-op threads for the classifier (0 = runtime default)")
	f.StringVar(&o.WorkerCommand, "worker", "", "Worker command line for --engine worker")
	f.DurationVar(&o.InferenceTimeout, "timeout", 0, "Per-inference timeout (0 disables)")
	f.IntVar(&o.MaxFailures, "max-failures", 0, "Stop after this many consecutive failed passes (0 = never)")
	f.StringVar(&o.Listen, "listen", "", "Serve the overlay websocket feed on this address, e.g. :8080")
	f.BoolVarP(&o.Quiet, "quiet", "q", false, "Disable the terminal status line")
	f.BoolVar(&o.Record, "record", false, "Record readings to PostgreSQL")
}

// applyRunFlags copies every flag the user set onto cfg and validates the result.
func applyRunFlags(f *pflag.FlagSet, o *RunOptions, cfg *config.Config) error {
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("cascade", func() { cfg.CascadePath = o.Cascade })
	set("model", func() { cfg.ModelPath = o.Model })
	set("labels", func() { cfg.LabelsPath = o.Labels })
	set("source", func() { cfg.Source = o.Source })
	set("device", func() { cfg.Device = o.Device })
	set("input-format", func() { cfg.InputFormat = o.InputFormat })
	set("fps", func() { cfg.FPS = o.FPS })
	set("engine", func() { cfg.Engine = o.Engine })
	set("onnx-lib", func() { cfg.OnnxLibrary = o.OnnxLibrary })
	set("threads", func() { cfg.Threads = o.Threads })
	set("worker", func() { cfg.WorkerCommand = o.WorkerCommand })
	set("timeout", func() { cfg.InferenceTimeout = o.InferenceTimeout })
	set("max-failures", func() { cfg.MaxFailures = o.MaxFailures })
	set("listen", func() { cfg.ListenAddr = o.Listen })
	set("quiet", func() { cfg.Quiet = o.Quiet })
	set("record", func() { cfg.Record = o.Record })
	return cfg.Validate()
}

func newInferenceEngine(cfg *config.Config, logger *slog.Logger) engine.InferenceEngine {
	if cfg.Engine == "worker" {
		return worker.NewEngine(cfg.WorkerCommand)
	}
	return inference.NewONNX(cfg.OnnxLibrary, logger)
}

func newSource(cfg *config.Config, pool *types.FramePool, logger *slog.Logger) capture.Source {
	if cfg.Source == "ffmpeg" {
		return capture.NewFFmpeg(cfg.Device, cfg.InputFormat, cfg.FPS, pool, logger)
	}
	return vision.NewCamera(cfg.Device, pool, logger)
}

// statusLineLogger keeps records off the spinner line. While the terminal sink
// draws on stderr and no log file is set, only warnings and errors get through.
func statusLineLogger(cfg *config.Config, logger *slog.Logger) *slog.Logger {
	if cfg.Quiet || cfg.LogFile != "" {
		return logger
	}
	return config.NewLoggerAtLevel(cfg.Environment, os.Stderr, slog.LevelWarn)
}

func runLive(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger = statusLineLogger(cfg, logger)

	pool := types.NewFramePool()
	b := bootstrap.New(
		vision.NewEngine(),
		newInferenceEngine(cfg, logger),
		artifact.NewFetcher(),
		bootstrap.Artifacts{Cascade: cfg.CascadePath, Model: cfg.ModelPath, Labels: cfg.LabelsPath},
		logger,
	)
	b.Options = engine.SessionOptions{Threads: cfg.Threads, Provider: "cpu"}

	src := newSource(cfg, pool, logger)
	sinks := sink.Multi{sink.NewLog(logger)}

	if !cfg.Quiet {
		term := sink.NewTerminal(nil)
		defer term.Close()
		sinks = append(sinks, term)
	}

	if cfg.ListenAddr != "" {
		hub := sink.NewHub(logger)
		hub.SameOrigin = cfg.IsProduction()
		go func() {
			if err := hub.Serve(ctx, cfg.ListenAddr); err != nil {
				logger.Error("overlay feed stopped", slog.String("addr", cfg.ListenAddr), slog.Any("error", err))
			}
		}()
		sinks = append(sinks, hub)
	}

	runner := live.NewRunner(b, src, nil, logger)
	runner.Pool = pool
	runner.Interval = cfg.TickInterval()
	runner.InferenceTimeout = cfg.InferenceTimeout
	runner.MaxConsecutiveFailures = cfg.MaxFailures
	runner.SourceName = fmt.Sprintf("%s:%s", cfg.Source, cfg.Device)
	runner.ModelName = filepath.Base(cfg.ModelPath)

	if cfg.Record {
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		rec := sink.NewRecorder(runner.SessionID, db, 256, logger)
		defer rec.Close()
		sinks = append(sinks, rec)
		runner.Sessions = db
	}

	runner.Sink = sinks
	return runner.Run(ctx)
}
