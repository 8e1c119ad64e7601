// Package capture exposes a live video stream as the current frame.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facemood/internal/types"
)

// ErrNotStarted is returned by Err before Start succeeded.
var ErrNotStarted = errors.New("capture source not started")

// CaptureError is a terminal failure to obtain the stream.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Source is a live stream. Start is called once; there is no retry.
type Source interface {
	Start(ctx context.Context) error
	// CurrentFrame returns a private copy of the newest frame. The caller
	// owns it and must Release it. ok is false until a frame has arrived.
	CurrentFrame() (frame *types.FrameBuffer, ok bool)
	// Err reports why the stream stopped updating, if it did.
	Err() error
	Close() error
}

// Latest is a single-slot mailbox holding the newest frame. Writers
// overwrite; readers copy out. Frames are never queued, so a slow reader only
// ever sees the current picture.
type Latest struct {
	mu    sync.Mutex
	frame *types.FrameBuffer
	pool  *types.FramePool
}

// NewLatest creates an empty mailbox backed by pool.
func NewLatest(pool *types.FramePool) *Latest {
	if pool == nil {
		pool = types.NewFramePool()
	}
	return &Latest{pool: pool}
}

// Publish stores f as the current frame, taking ownership of it, and
// releases the frame it replaces.
func (l *Latest) Publish(f *types.FrameBuffer) {
	l.mu.Lock()
	prev := l.frame
	l.frame = f
	l.mu.Unlock()

	prev.Release()
}

// Snapshot copies the current frame into pooled memory.
func (l *Latest) Snapshot() (*types.FrameBuffer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frame == nil {
		return nil, false
	}
	src := l.frame
	dst := l.pool.Get(src.Width, src.Height, src.Channels)
	dst.Captured = src.Captured
	rowBytes := src.Width * src.Channels
	for y := 0; y < src.Height; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+rowBytes], src.Pix[y*src.Stride:y*src.Stride+rowBytes])
	}
	return dst, true
}

// Reset releases the held frame.
func (l *Latest) Reset() {
	l.mu.Lock()
	f := l.frame
	l.frame = nil
	l.mu.Unlock()
	f.Release()
}
