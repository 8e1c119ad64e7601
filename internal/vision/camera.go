package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/facemood/internal/capture"
	"github.com/andresmejia3/facemood/internal/types"
)

// Camera is a capture.Source reading a device index, file or stream URL
// through OpenCV.
type Camera struct {
	Device string
	Logger *slog.Logger

	latest *capture.Latest
	pool   *types.FramePool

	mu     sync.Mutex
	err    error
	vc     *gocv.VideoCapture
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCamera prepares a camera source. Nothing is opened until Start.
func NewCamera(device string, pool *types.FramePool, logger *slog.Logger) *Camera {
	if pool == nil {
		pool = types.NewFramePool()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{Device: device, Logger: logger, pool: pool, latest: capture.NewLatest(pool), err: capture.ErrNotStarted}
}

// Start opens the device and begins reading frames in the background.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc != nil {
		return errors.New("camera already started")
	}

	vc, err := gocv.OpenVideoCapture(c.Device)
	if err != nil {
		return &capture.CaptureError{Source: c.Device, Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		return &capture.CaptureError{Source: c.Device, Err: errors.New("device could not be opened (permission denied or in use)")}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.vc = vc
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil

	go c.readLoop(ctx, vc)
	return nil
}

func (c *Camera) readLoop(ctx context.Context, vc *gocv.VideoCapture) {
	defer close(c.done)

	img := gocv.NewMat()
	defer img.Close()
	rgba := gocv.NewMat()
	defer rgba.Close()

	first := true
	for ctx.Err() == nil {
		if ok := vc.Read(&img); !ok {
			c.setErr(errors.New("stream ended"))
			return
		}
		if img.Empty() {
			continue
		}

		gocv.CvtColor(img, &rgba, gocv.ColorBGRToRGBA)
		data, err := rgba.DataPtrUint8()
		if err != nil {
			c.setErr(fmt.Errorf("read frame data: %w", err))
			return
		}

		f := c.pool.Get(rgba.Cols(), rgba.Rows(), 4)
		copy(f.Pix, data)
		f.Captured = time.Now()
		c.latest.Publish(f)

		if first {
			c.Logger.Info("camera produced first frame",
				slog.String("device", c.Device),
				slog.Int("width", f.Width),
				slog.Int("height", f.Height),
			)
			first = false
		}
	}
}

func (c *Camera) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.Logger.Warn("camera stopped", slog.String("device", c.Device), slog.Any("error", err))
}

// CurrentFrame copies the newest frame.
func (c *Camera) CurrentFrame() (*types.FrameBuffer, bool) {
	return c.latest.Snapshot()
}

// Err reports why the camera stopped, capture.ErrNotStarted before Start.
func (c *Camera) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the reader and releases the device.
func (c *Camera) Close() error {
	c.mu.Lock()
	vc, cancel, done := c.vc, c.cancel, c.done
	c.vc = nil
	c.mu.Unlock()

	if vc == nil {
		return nil
	}
	cancel()
	<-done
	c.latest.Reset()
	return vc.Close()
}
