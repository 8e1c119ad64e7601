package types

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// TensorSize is the square edge length the classifier expects.
const TensorSize = 128

// TensorChannels is the number of colour planes fed to the classifier (R, G, B).
const TensorChannels = 3

// Box is a detected region expressed as origin plus width/height.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Area returns width * height.
func (b Box) Area() int {
	return b.Width * b.Height
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// BoxFromRect is the inverse of Box.Rect.
func BoxFromRect(r image.Rectangle) Box {
	return Box{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// DetectionResult is the ordered output of one detector call (detector order).
type DetectionResult []Box

// FrameBuffer is a raw pixel buffer owned by a single tick.
// Channels is 4 for RGBA frames and 1 for grayscale frames.
type FrameBuffer struct {
	Pix      []byte
	Width    int
	Height   int
	Stride   int
	Channels int
	Captured time.Time

	pool *sync.Pool
	// buf is the pooled slice header Pix was cut from.
	buf *[]byte
}

// NewFrameBuffer allocates an unpooled buffer.
func NewFrameBuffer(width, height, channels int) *FrameBuffer {
	return &FrameBuffer{
		Pix:      make([]byte, width*height*channels),
		Width:    width,
		Height:   height,
		Stride:   width * channels,
		Channels: channels,
	}
}

// FromRGBA wraps an *image.RGBA without copying.
func FromRGBA(img *image.RGBA) *FrameBuffer {
	b := img.Bounds()
	return &FrameBuffer{
		Pix:      img.Pix,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Stride:   img.Stride,
		Channels: 4,
	}
}

// Bounds returns the frame rectangle anchored at the origin.
func (f *FrameBuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// RGBA views a 4-channel frame as an *image.RGBA without copying.
func (f *FrameBuffer) RGBA() (*image.RGBA, error) {
	if f.Channels != 4 {
		return nil, fmt.Errorf("frame has %d channels, want 4", f.Channels)
	}
	return &image.RGBA{Pix: f.Pix, Stride: f.Stride, Rect: f.Bounds()}, nil
}

// Empty reports whether the frame has no pixels.
func (f *FrameBuffer) Empty() bool {
	return f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Pix) == 0
}

// Release hands pooled memory back. The frame must not be used afterwards.
func (f *FrameBuffer) Release() {
	if f == nil || f.pool == nil {
		return
	}
	p, buf := f.pool, f.buf
	*buf = f.Pix[:0]
	f.Pix, f.pool, f.buf = nil, nil, nil
	p.Put(buf)
}

// FramePool recycles pixel memory between ticks to reduce GC pressure.
// It holds *[]byte so Put does not allocate.
type FramePool struct {
	pool sync.Pool
}

// NewFramePool creates an empty pool.
func NewFramePool() *FramePool {
	fp := &FramePool{}
	fp.pool.New = func() interface{} {
		buf := make([]byte, 0, 640*480*4)
		return &buf
	}
	return fp
}

// Get returns a frame backed by pooled memory sized for width x height x channels.
func (fp *FramePool) Get(width, height, channels int) *FrameBuffer {
	n := width * height * channels
	buf := fp.pool.Get().(*[]byte)
	if cap(*buf) < n {
		*buf = make([]byte, n)
	}
	return &FrameBuffer{
		Pix:      (*buf)[:n],
		Width:    width,
		Height:   height,
		Stride:   width * channels,
		Channels: channels,
		pool:     &fp.pool,
		buf:      buf,
	}
}

// Tensor is a float32 array in plane-major (N, C, H, W) order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// EmotionState is the most recent classification outcome.
type EmotionState struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Snapshot is what a presentation sink receives once per completed pass.
type Snapshot struct {
	Seq        uint64          `json:"seq"`
	At         time.Time       `json:"at"`
	Status     string          `json:"status"`
	Detections DetectionResult `json:"detections"`
	Selected   *Box            `json:"selected,omitempty"`
	Emotion    EmotionState    `json:"emotion"`
	// Fresh is true when this pass produced a new classification.
	Fresh bool `json:"fresh"`
}
