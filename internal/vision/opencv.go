// Package vision binds the engine.VisionEngine boundary to OpenCV through gocv.
package vision

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/types"
)

// Engine is the OpenCV runtime. gocv links OpenCV statically into the binary,
// so Load only probes the library once and records its version.
type Engine struct {
	mu      sync.Mutex
	loaded  bool
	version string
}

// NewEngine returns an unloaded engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Load probes OpenCV. Subsequent calls return immediately.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// A trivial allocation proves the native library is usable.
	probe := gocv.NewMatWithSize(1, 1, gocv.MatTypeCV8U)
	empty := probe.Empty()
	probe.Close()
	if empty {
		return fmt.Errorf("opencv probe allocation failed")
	}

	e.version = gocv.OpenCVVersion()
	e.loaded = true
	return nil
}

// Version reports the OpenCV version, empty before Load.
func (e *Engine) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// NewCascade writes the weights to a scratch file (CascadeClassifier only
// loads from disk), loads them, and removes the file.
func (e *Engine) NewCascade(weights []byte) (engine.Detector, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("empty cascade weights")
	}

	f, err := os.CreateTemp("", "facemood-cascade-*.xml")
	if err != nil {
		return nil, fmt.Errorf("create cascade scratch file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(weights); err != nil {
		f.Close()
		return nil, fmt.Errorf("write cascade scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close cascade scratch file: %w", err)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, engine.ErrDetectorNotLoaded
	}
	return &Cascade{classifier: classifier}, nil
}

// Cascade wraps a loaded gocv.CascadeClassifier.
type Cascade struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	closed     bool
}

// DetectMultiScale runs the cascade over a grayscale frame. The Mat wrapping
// the frame is released before returning.
func (c *Cascade) DetectMultiScale(gray *types.FrameBuffer, params engine.DetectParams) ([]types.Box, error) {
	if gray.Channels != 1 {
		return nil, fmt.Errorf("cascade needs a single-channel frame, got %d channels", gray.Channels)
	}
	if gray.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("cascade is closed")
	}

	mat, err := gocv.NewMatFromBytes(gray.Height, gray.Width, gocv.MatTypeCV8U, gray.Pix[:gray.Height*gray.Stride])
	if err != nil {
		return nil, fmt.Errorf("wrap frame: %w", err)
	}
	defer mat.Close()

	rects := c.classifier.DetectMultiScaleWithParams(
		mat,
		params.ScaleFactor,
		params.MinNeighbors,
		0,
		image.Pt(params.MinSize[0], params.MinSize[1]),
		image.Pt(params.MaxSize[0], params.MaxSize[1]),
	)

	boxes := make([]types.Box, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.BoxFromRect(r))
	}
	return boxes, nil
}

// Close releases the native classifier.
func (c *Cascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.classifier.Close()
}
