package pipeline

import (
	"fmt"

	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/types"
)

// BT.601 luma weights in 14-bit fixed point, the same ones OpenCV uses for
// RGBA2GRAY, so detections match what the cascade was tuned on.
const (
	lumaR     = 4899
	lumaG     = 9617
	lumaB     = 1868
	lumaShift = 14
	lumaRound = 1 << (lumaShift - 1)
)

// FaceDetector runs the cascade over colour frames.
type FaceDetector struct {
	Detector engine.Detector
	Params   engine.DetectParams

	pool *types.FramePool
}

// NewFaceDetector wraps d with the fixed face detection parameters.
func NewFaceDetector(d engine.Detector, pool *types.FramePool) *FaceDetector {
	if pool == nil {
		pool = types.NewFramePool()
	}
	return &FaceDetector{Detector: d, Params: engine.DefaultDetectParams, pool: pool}
}

// Detect converts frame to grayscale and returns candidate faces in detector
// order. A nil result with a nil error means no faces.
func (d *FaceDetector) Detect(frame *types.FrameBuffer) (types.DetectionResult, error) {
	if d.Detector == nil {
		return nil, engine.ErrDetectorNotLoaded
	}
	gray, err := Grayscale(frame, d.pool)
	if err != nil {
		return nil, err
	}
	defer gray.Release()

	boxes, err := d.Detector.DetectMultiScale(gray, d.Params)
	if err != nil {
		return nil, err
	}
	return types.DetectionResult(boxes), nil
}

// Grayscale converts a 4-channel frame into a tightly packed 1-channel frame
// drawn from pool. The caller releases the result.
func Grayscale(frame *types.FrameBuffer, pool *types.FramePool) (*types.FrameBuffer, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	if frame.Channels != 4 {
		return nil, fmt.Errorf("frame has %d channels, want 4", frame.Channels)
	}

	gray := pool.Get(frame.Width, frame.Height, 1)
	gray.Captured = frame.Captured
	for y := 0; y < frame.Height; y++ {
		src := frame.Pix[y*frame.Stride : y*frame.Stride+frame.Width*4]
		dst := gray.Pix[y*gray.Stride : y*gray.Stride+frame.Width]
		for x := range dst {
			p := src[x*4 : x*4+3 : x*4+3]
			dst[x] = byte((int(p[0])*lumaR + int(p[1])*lumaG + int(p[2])*lumaB + lumaRound) >> lumaShift)
		}
	}
	return gray, nil
}
