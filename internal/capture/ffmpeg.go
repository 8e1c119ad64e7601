package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/facemood/internal/types"
	"github.com/andresmejia3/facemood/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpeg decodes any input ffmpeg understands (v4l2/avfoundation devices,
// files, RTSP) into frames by reading its MJPEG output.
type FFmpeg struct {
	Input       string
	InputFormat string
	FPS         int
	// StartTimeout bounds the wait for the first frame.
	StartTimeout time.Duration
	Logger       *slog.Logger

	latest *Latest
	pool   *types.FramePool

	mu      sync.Mutex
	err     error
	cmd     *utils.SafeCommand
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewFFmpeg prepares an ffmpeg-backed source.
func NewFFmpeg(input, inputFormat string, fps int, pool *types.FramePool, logger *slog.Logger) *FFmpeg {
	if pool == nil {
		pool = types.NewFramePool()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		Input:        input,
		InputFormat:  inputFormat,
		FPS:          fps,
		StartTimeout: 10 * time.Second,
		Logger:       logger,
		pool:         pool,
		latest:       NewLatest(pool),
		err:          ErrNotStarted,
	}
}

// Start launches ffmpeg and waits until the first frame is decoded, so that a
// device that cannot be opened is reported here rather than as a silent stall.
func (s *FFmpeg) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("ffmpeg source already started")
	}
	s.started = true
	s.mu.Unlock()

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return &CaptureError{Source: s.Input, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(ctx, s.Input, s.InputFormat, s.FPS)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return &CaptureError{Source: s.Input, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return &CaptureError{Source: s.Input, Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	first := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.cmd, s.cancel, s.done = cmd, cancel, done
	s.err = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.decode(out, first)
		waitErr := cmd.Wait()
		if err == nil {
			err = waitErr
		}
		if err == nil {
			err = io.EOF
		}
		s.setErr(err)
	}()

	timer := time.NewTimer(s.StartTimeout)
	defer timer.Stop()
	select {
	case <-first:
		return nil
	case <-done:
		return &CaptureError{Source: s.Input, Err: fmt.Errorf("ffmpeg exited before the first frame: %v: %s", s.Err(), cmd.Stderr.String())}
	case <-timer.C:
		s.Close()
		return &CaptureError{Source: s.Input, Err: fmt.Errorf("no frame within %s", s.StartTimeout)}
	case <-ctx.Done():
		s.Close()
		return &CaptureError{Source: s.Input, Err: ctx.Err()}
	}
}

// decode splits the MJPEG stream and publishes each decoded frame. first is
// closed after the first successful publish.
func (s *FFmpeg) decode(r io.Reader, first chan struct{}) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	published := false
	for scanner.Scan() {
		img, err := imaging.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			s.Logger.Debug("skipping undecodable frame", slog.Any("error", err))
			continue
		}
		// Clone normalizes whatever the decoder produced (usually YCbCr) to
		// 8-bit RGBA-ordered pixels.
		nrgba := imaging.Clone(img)
		b := nrgba.Bounds()
		f := s.pool.Get(b.Dx(), b.Dy(), 4)
		for y := 0; y < b.Dy(); y++ {
			copy(f.Pix[y*f.Stride:(y+1)*f.Stride], nrgba.Pix[y*nrgba.Stride:y*nrgba.Stride+f.Stride])
		}
		f.Captured = time.Now()
		s.latest.Publish(f)

		if !published {
			published = true
			close(first)
			s.Logger.Info("ffmpeg produced first frame",
				slog.String("input", s.Input),
				slog.Int("width", f.Width),
				slog.Int("height", f.Height),
			)
		}
	}
	return scanner.Err()
}

func (s *FFmpeg) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Logger.Warn("ffmpeg source stopped", slog.String("input", s.Input), slog.Any("error", err))
}

// CurrentFrame copies the newest frame.
func (s *FFmpeg) CurrentFrame() (*types.FrameBuffer, bool) {
	return s.latest.Snapshot()
}

// Err reports why the stream stopped, ErrNotStarted before Start.
func (s *FFmpeg) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close kills ffmpeg and waits for the decoder to drain.
func (s *FFmpeg) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.latest.Reset()
	return nil
}
