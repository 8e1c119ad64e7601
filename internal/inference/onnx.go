// Package inference binds the engine.InferenceEngine boundary to ONNX Runtime.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	onnxrt "github.com/yalue/onnxruntime_go"

	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/types"
)

// ONNX creates sessions on the onnxruntime shared library.
type ONNX struct {
	// LibraryPath overrides shared library discovery.
	LibraryPath string
	Logger      *slog.Logger

	mu sync.Mutex
}

// NewONNX returns an engine using libPath, or the usual install locations
// when libPath is empty.
func NewONNX(libPath string, logger *slog.Logger) *ONNX {
	if logger == nil {
		logger = slog.Default()
	}
	return &ONNX{LibraryPath: libPath, Logger: logger}
}

// initEnvironment loads the runtime once per process. onnxruntime_go keeps
// the environment globally, so a second call must not re-initialize it.
func (o *ONNX) initEnvironment() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if onnxrt.IsInitialized() {
		return nil
	}

	path, err := o.libraryPath()
	if err != nil {
		return err
	}
	onnxrt.SetSharedLibraryPath(path)
	if err := onnxrt.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnxruntime: %w", err)
	}
	o.Logger.Debug("onnxruntime initialized", slog.String("library", path))
	return nil
}

func (o *ONNX) libraryPath() (string, error) {
	if o.LibraryPath != "" {
		if _, err := os.Stat(o.LibraryPath); err != nil {
			return "", fmt.Errorf("onnxruntime library: %w", err)
		}
		return o.LibraryPath, nil
	}

	var name string
	switch runtime.GOOS {
	case "linux":
		name = "libonnxruntime.so"
	case "darwin":
		name = "libonnxruntime.dylib"
	case "windows":
		name = "onnxruntime.dll"
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}

	candidates := []string{
		filepath.Join("/usr/local/lib", name),
		filepath.Join("/usr/lib", name),
		filepath.Join("/opt/onnxruntime/lib", name),
		filepath.Join("onnxruntime", "lib", name),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("onnxruntime library %s not found (set FACEMOOD_ONNX_LIBRARY)", name)
}

// CreateSession inspects the model's declared inputs and outputs and builds a
// session bound to the first of each.
func (o *ONNX) CreateSession(ctx context.Context, model []byte, opts engine.SessionOptions) (engine.Session, error) {
	if len(model) == 0 {
		return nil, errors.New("empty model")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.initEnvironment(); err != nil {
		return nil, err
	}

	inputs, outputs, err := onnxrt.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("io info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model declares %d inputs and %d outputs", len(inputs), len(outputs))
	}

	sessOpts, err := onnxrt.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer sessOpts.Destroy()

	if opts.Threads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.Threads); err != nil {
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}
	if p := strings.ToLower(opts.Provider); p != "" && p != "cpu" {
		return nil, fmt.Errorf("unsupported execution provider %q", opts.Provider)
	}

	in := make([]string, len(inputs))
	for i, info := range inputs {
		in[i] = info.Name
	}
	out := make([]string, len(outputs))
	for i, info := range outputs {
		out[i] = info.Name
	}

	sess, err := onnxrt.NewDynamicAdvancedSessionWithONNXData(model, in[:1], out[:1], sessOpts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	o.Logger.Info("classifier session created",
		slog.String("input", in[0]),
		slog.Any("input_dims", inputs[0].Dimensions),
		slog.String("output", out[0]),
	)
	return &onnxSession{session: sess, inputs: in, outputs: out}, nil
}

type onnxSession struct {
	mu      sync.Mutex
	session *onnxrt.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func (s *onnxSession) InputNames() []string  { return s.inputs }
func (s *onnxSession) OutputNames() []string { return s.outputs }

// Run executes the model. onnxruntime has no cancellation hook, so ctx is only
// checked before the call starts.
func (s *onnxSession) Run(ctx context.Context, feeds map[string]types.Tensor) (map[string][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := feeds[s.inputs[0]]
	if !ok {
		return nil, fmt.Errorf("missing feed for input %q", s.inputs[0])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.New("session is closed")
	}

	input, err := onnxrt.NewTensor(onnxrt.NewShape(t.Shape...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []onnxrt.Value{nil}
	if err := s.session.Run([]onnxrt.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	scores, ok := outputs[0].(*onnxrt.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	// Copy out before the native tensor is destroyed.
	data := append([]float32(nil), scores.GetData()...)
	return map[string][]float32{s.outputs[0]: data}, nil
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
