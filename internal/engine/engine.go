// Package engine declares the capability boundaries to the external vision and
// inference runtimes. Implementations live in internal/vision (gocv),
// internal/inference (onnxruntime) and internal/worker (external process).
package engine

import (
	"context"
	"errors"

	"github.com/andresmejia3/facemood/internal/types"
)

// ErrDetectorNotLoaded is returned when the cascade rejects its weights.
var ErrDetectorNotLoaded = errors.New("cascade classifier reported not loaded")

// DetectParams configures one multi-scale detection call.
type DetectParams struct {
	ScaleFactor  float64
	MinNeighbors int
	// MinSize and MaxSize are width/height pairs; zero means unconstrained.
	MinSize [2]int
	MaxSize [2]int
}

// DefaultDetectParams are the fixed face detection settings.
var DefaultDetectParams = DetectParams{
	ScaleFactor:  1.1,
	MinNeighbors: 3,
}

// VisionEngine is the computer-vision runtime.
type VisionEngine interface {
	// Load initializes the runtime. It is idempotent.
	Load(ctx context.Context) error
	// Version identifies the loaded runtime, for status reporting.
	Version() string
	// NewCascade registers cascade weights and constructs a detector handle.
	NewCascade(weights []byte) (Detector, error)
}

// Detector is a constructed cascade classifier.
type Detector interface {
	// DetectMultiScale scans a single-channel frame and returns candidate
	// regions in the detector's native output order.
	DetectMultiScale(gray *types.FrameBuffer, params DetectParams) ([]types.Box, error)
	Close() error
}

// SessionOptions are execution options for a classifier session.
type SessionOptions struct {
	// Threads bounds intra-op parallelism; zero lets the runtime decide.
	Threads int
	// Provider names the execution provider, "cpu" by default.
	Provider string
}

// InferenceEngine is the model runtime.
type InferenceEngine interface {
	CreateSession(ctx context.Context, model []byte, opts SessionOptions) (Session, error)
}

// Session is a loaded model.
type Session interface {
	// InputNames lists the model's declared inputs in declaration order.
	InputNames() []string
	// OutputNames lists the model's declared outputs in declaration order.
	OutputNames() []string
	// Run feeds tensors by input name and returns flat float outputs by name.
	Run(ctx context.Context, feeds map[string]types.Tensor) (map[string][]float32, error)
	Close() error
}
