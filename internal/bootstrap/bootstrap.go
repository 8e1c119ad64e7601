// Package bootstrap loads everything a pass needs (vision engine, face
// detector, classifier session, labels) in a fixed order and reports a single
// readiness signal.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/facemood/internal/artifact"
	"github.com/andresmejia3/facemood/internal/engine"
)

// State is a bootstrap stage. Ready and Failed are terminal.
type State int

const (
	Uninitialized State = iota
	LoadingEngine
	EngineReady
	LoadingDetector
	DetectorReady
	LoadingClassifier
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case LoadingEngine:
		return "loading engine"
	case EngineReady:
		return "engine ready"
	case LoadingDetector:
		return "loading detector"
	case DetectorReady:
		return "detector ready"
	case LoadingClassifier:
		return "loading classifier"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BootstrapError records the stage that failed.
type BootstrapError struct {
	State State
	Err   error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap failed while %s: %v", e.State, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// Result is the outcome of Initialize: State is Ready or Failed.
type Result struct {
	State State
	Err   error
}

// Fetcher resolves an artifact location to its bytes.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Artifacts are the locations of the three resources.
type Artifacts struct {
	Cascade string
	Model   string
	Labels  string
}

// PipelineContext owns the loaded resources. It is complete only once
// bootstrap has reached Ready and is not modified afterwards.
type PipelineContext struct {
	Engine   engine.VisionEngine
	Detector engine.Detector
	Session  engine.Session
	Labels   []string
}

// Complete reports whether every resource is present.
func (p *PipelineContext) Complete() bool {
	return p != nil && p.Engine != nil && p.Detector != nil && p.Session != nil && len(p.Labels) > 0
}

// Close releases the detector and the session.
func (p *PipelineContext) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.Session != nil {
		errs = append(errs, p.Session.Close())
	}
	if p.Detector != nil {
		errs = append(errs, p.Detector.Close())
	}
	return errors.Join(errs...)
}

// Observer is told about every state change, with a human readable status.
type Observer func(state State, status string)

// Bootstrapper runs the load sequence once.
type Bootstrapper struct {
	Vision    engine.VisionEngine
	Inference engine.InferenceEngine
	Fetcher   Fetcher
	Artifacts Artifacts
	Options   engine.SessionOptions
	Logger    *slog.Logger
	Observer  Observer

	once   sync.Once
	result Result

	mu    sync.RWMutex
	state State
	pctx  PipelineContext
}

// New returns a bootstrapper in the Uninitialized state.
func New(vision engine.VisionEngine, inference engine.InferenceEngine, fetcher Fetcher, artifacts Artifacts, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		Vision:    vision,
		Inference: inference,
		Fetcher:   fetcher,
		Artifacts: artifacts,
		Options:   engine.SessionOptions{Provider: "cpu"},
		Logger:    logger,
	}
}

// Start runs Initialize in the background. The channel yields exactly one
// Result and is then closed.
func (b *Bootstrapper) Start(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- b.Initialize(ctx)
	}()
	return out
}

// Initialize loads every resource. Only the first call does any work; later
// calls return the same Result. Resources loaded before a failure are kept.
func (b *Bootstrapper) Initialize(ctx context.Context) Result {
	b.once.Do(func() {
		if err := b.run(ctx); err != nil {
			var be *BootstrapError
			if !errors.As(err, &be) {
				be = &BootstrapError{State: b.State(), Err: err}
			}
			b.transition(Failed, "init failed: "+be.Err.Error())
			b.Logger.Error("bootstrap failed", slog.String("stage", be.State.String()), slog.Any("error", be.Err))
			b.result = Result{State: Failed, Err: be}
			return
		}
		b.transition(Ready, "ready")
		b.result = Result{State: Ready}
	})
	return b.result
}

func (b *Bootstrapper) run(ctx context.Context) error {
	// (a) vision engine
	b.transition(LoadingEngine, "loading OpenCV...")
	if err := EnsureEngine(ctx, b.Vision); err != nil {
		return &BootstrapError{State: LoadingEngine, Err: err}
	}
	b.setEngine(b.Vision)
	b.transition(EngineReady, "OpenCV "+b.Vision.Version())

	// (b) detector
	b.transition(LoadingDetector, "loading Haar cascade...")
	weights, err := b.Fetcher.Fetch(ctx, b.Artifacts.Cascade)
	if err != nil {
		return &BootstrapError{State: LoadingDetector, Err: fmt.Errorf("fetch cascade: %w", err)}
	}
	det, err := b.Vision.NewCascade(weights)
	if err != nil {
		return &BootstrapError{State: LoadingDetector, Err: err}
	}
	b.mu.Lock()
	b.pctx.Detector = det
	b.mu.Unlock()
	b.transition(DetectorReady, "Haar cascade loaded")

	// (c) classifier and labels
	b.transition(LoadingClassifier, "loading ONNX model...")
	model, err := b.Fetcher.Fetch(ctx, b.Artifacts.Model)
	if err != nil {
		return &BootstrapError{State: LoadingClassifier, Err: fmt.Errorf("fetch model: %w", err)}
	}
	sess, err := b.Inference.CreateSession(ctx, model, b.Options)
	if err != nil {
		return &BootstrapError{State: LoadingClassifier, Err: fmt.Errorf("create session: %w", err)}
	}
	b.mu.Lock()
	b.pctx.Session = sess
	b.mu.Unlock()

	raw, err := b.Fetcher.Fetch(ctx, b.Artifacts.Labels)
	if err != nil {
		return &BootstrapError{State: LoadingClassifier, Err: fmt.Errorf("fetch labels: %w", err)}
	}
	labels, err := artifact.ParseLabels(raw)
	if err != nil {
		return &BootstrapError{State: LoadingClassifier, Err: err}
	}
	b.mu.Lock()
	b.pctx.Labels = labels
	b.mu.Unlock()

	b.Logger.Info("classifier loaded",
		slog.Int("labels", len(labels)),
		slog.Any("inputs", sess.InputNames()),
		slog.Any("outputs", sess.OutputNames()),
	)
	return nil
}

func (b *Bootstrapper) setEngine(e engine.VisionEngine) {
	b.mu.Lock()
	b.pctx.Engine = e
	b.mu.Unlock()
}

func (b *Bootstrapper) transition(s State, status string) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()

	b.Logger.Debug("bootstrap", slog.String("state", s.String()), slog.String("status", status))
	if b.Observer != nil {
		b.Observer(s, status)
	}
}

// State returns the current stage.
func (b *Bootstrapper) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Ready reports whether the context is complete. The scheduler checks it on
// every tick.
func (b *Bootstrapper) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == Ready && b.pctx.Complete()
}

// Context returns the loaded resources. Fields are nil until their stage has
// completed.
func (b *Bootstrapper) Context() *PipelineContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pctx := b.pctx
	return &pctx
}

// Close tears the loaded resources down.
func (b *Bootstrapper) Close() error {
	b.mu.Lock()
	pctx := b.pctx
	b.pctx = PipelineContext{Engine: pctx.Engine}
	b.mu.Unlock()
	return pctx.Close()
}

// EnsureEngine loads e unless it already reports a version, so a loaded
// engine is reused as is.
func EnsureEngine(ctx context.Context, e engine.VisionEngine) error {
	if e == nil {
		return errors.New("no vision engine configured")
	}
	if e.Version() != "" {
		return nil
	}
	return e.Load(ctx)
}
