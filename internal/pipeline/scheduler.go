package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/andresmejia3/facemood/internal/types"
)

// ErrTooManyFailures is returned by Run when MaxConsecutiveFailures passes in
// a row have failed.
var ErrTooManyFailures = errors.New("too many consecutive pass failures")

// Status strings reported to the presenter.
const (
	StatusRunning = "running"
	StatusNoFace  = "no face"
)

// Ticker is the scheduler's tick source. Ticks that arrive while a pass is
// running must be coalesced, as time.Ticker does.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTicker returns a Ticker backed by time.Ticker.
func NewTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// FrameSource supplies the current frame. The returned frame belongs to the
// caller.
type FrameSource interface {
	CurrentFrame() (*types.FrameBuffer, bool)
}

// Presenter receives a snapshot after each completed pass. It must not block.
type Presenter interface {
	Present(types.Snapshot)
}

// Scheduler drives one pass per tick with at most one pass in flight.
type Scheduler struct {
	Pipeline *Pipeline
	Frames   FrameSource
	Ticker   Ticker
	Sink     Presenter
	Logger   *slog.Logger
	// Ready gates every tick; a nil Ready means always ready.
	Ready func() bool
	// MaxConsecutiveFailures stops Run once reached. Zero never stops.
	MaxConsecutiveFailures int

	initOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}

	seq      uint64
	failures int
	emotion  types.EmotionState
}

// NewScheduler wires a scheduler. Ticker, Sink and Logger may be set before Run.
func NewScheduler(p *Pipeline, frames FrameSource, ticker Ticker, sink Presenter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Pipeline: p,
		Frames:   frames,
		Ticker:   ticker,
		Sink:     sink,
		Logger:   logger,
	}
}

func (s *Scheduler) init() {
	s.initOnce.Do(func() {
		s.stop = make(chan struct{})
		if s.Logger == nil {
			s.Logger = slog.Default()
		}
	})
}

// Run consumes ticks until ctx is cancelled or Stop is called. It returns
// only after the in-flight pass has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.init()
	if s.Ticker == nil {
		return errors.New("scheduler has no ticker")
	}
	defer s.Ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-s.Ticker.C():
		}

		err := s.tick(ctx)
		if err == nil {
			s.failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		s.failures++
		s.Logger.Warn("pass failed", slog.Any("error", err), slog.Int("consecutive", s.failures))
		s.present(types.Snapshot{Status: "error: " + err.Error()})

		if s.MaxConsecutiveFailures > 0 && s.failures >= s.MaxConsecutiveFailures {
			return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, s.failures, err)
		}
	}
}

// Stop ends Run after the current pass. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.init()
	s.stopOnce.Do(func() { close(s.stop) })
}

// Emotion returns the last classification, which stays in place across
// passes that find no face.
func (s *Scheduler) Emotion() types.EmotionState {
	return s.emotion
}

// tick performs one pass. A skipped tick (not ready, no frame) returns nil
// without presenting anything.
func (s *Scheduler) tick(ctx context.Context) (err error) {
	if s.Pipeline == nil || s.Frames == nil {
		return nil
	}
	if s.Ready != nil && !s.Ready() {
		return nil
	}
	frame, ok := s.Frames.CurrentFrame()
	if !ok {
		return nil
	}
	defer frame.Release()

	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("pass panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("pass panicked: %v", r)
		}
	}()

	res, err := s.Pipeline.Pass(ctx, frame)
	if err != nil {
		return err
	}

	snap := types.Snapshot{
		At:         frame.Captured,
		Status:     StatusNoFace,
		Detections: res.Detections,
		Selected:   res.Selected,
	}
	if res.Emotion != nil {
		s.emotion = *res.Emotion
		snap.Status = StatusRunning
		snap.Fresh = true
	}
	s.present(snap)
	return nil
}

func (s *Scheduler) present(snap types.Snapshot) {
	s.seq++
	snap.Seq = s.seq
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	snap.Emotion = s.emotion
	if s.Sink != nil {
		s.Sink.Present(snap)
	}
}
