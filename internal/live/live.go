// Package live wires bootstrap, capture and the scheduler into one run.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facemood/internal/bootstrap"
	"github.com/andresmejia3/facemood/internal/capture"
	"github.com/andresmejia3/facemood/internal/pipeline"
	"github.com/andresmejia3/facemood/internal/sink"
	"github.com/andresmejia3/facemood/internal/types"
)

// Startup statuses, shown before the first pass.
const (
	StatusNotStarted = "not started"
	StatusCamera     = "requesting camera..."
	StatusRunning    = "running..."
)

// SessionStore records the lifetime of a run. *store.Store implements it.
type SessionStore interface {
	CreateSession(ctx context.Context, id uuid.UUID, source, model string) error
	EndSession(ctx context.Context, id uuid.UUID) error
}

// Runner performs one live session.
type Runner struct {
	SessionID uuid.UUID
	Bootstrap *bootstrap.Bootstrapper
	Source    capture.Source
	// SourceName and ModelName label the session in the store.
	SourceName string
	ModelName  string
	Sink       sink.Sink
	Sessions   SessionStore
	Pool       *types.FramePool
	Logger     *slog.Logger

	Interval               time.Duration
	InferenceTimeout       time.Duration
	MaxConsecutiveFailures int

	// NewTicker defaults to pipeline.NewTicker.
	NewTicker func(time.Duration) pipeline.Ticker
}

// NewRunner returns a runner with a fresh session id.
func NewRunner(b *bootstrap.Bootstrapper, src capture.Source, out sink.Sink, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		SessionID: uuid.New(),
		Bootstrap: b,
		Source:    src,
		Sink:      out,
		Pool:      types.NewFramePool(),
		Logger:    logger,
		Interval:  time.Second / 30,
		NewTicker: pipeline.NewTicker,
	}
}

// Run bootstraps, opens the camera and drives passes until ctx is cancelled
// or the scheduler gives up. Capture is never requested if bootstrap fails.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.Logger.With(slog.String("session", r.SessionID.String()))
	r.status(StatusNotStarted)

	r.Bootstrap.Observer = func(_ bootstrap.State, status string) { r.status(status) }
	res := <-r.Bootstrap.Start(ctx)
	if res.State != bootstrap.Ready {
		return res.Err
	}
	defer r.Bootstrap.Close()
	pctx := r.Bootstrap.Context()

	classifier, err := pipeline.NewClassifier(pctx.Session, r.InferenceTimeout)
	if err != nil {
		return err
	}

	r.status(StatusCamera)
	if err := r.Source.Start(ctx); err != nil {
		r.status("error: " + err.Error())
		var ce *capture.CaptureError
		if !errors.As(err, &ce) {
			err = &capture.CaptureError{Source: r.SourceName, Err: err}
		}
		return err
	}
	defer r.Source.Close()

	if r.Sessions != nil {
		if err := r.Sessions.CreateSession(ctx, r.SessionID, r.SourceName, r.ModelName); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		defer func() {
			if err := r.Sessions.EndSession(context.Background(), r.SessionID); err != nil {
				logger.Warn("failed to close session", slog.Any("error", err))
			}
		}()
	}

	newTicker := r.NewTicker
	if newTicker == nil {
		newTicker = pipeline.NewTicker
	}
	p := pipeline.New(pipeline.NewFaceDetector(pctx.Detector, r.Pool), classifier, pctx.Labels)
	sched := pipeline.NewScheduler(p, r.Source, newTicker(r.Interval), r.Sink, logger)
	sched.Ready = r.Bootstrap.Ready
	sched.MaxConsecutiveFailures = r.MaxConsecutiveFailures

	r.status(StatusRunning)
	logger.Info("pipeline running", slog.Duration("interval", r.Interval), slog.Int("labels", len(pctx.Labels)))

	err = sched.Run(ctx)
	if srcErr := r.Source.Err(); srcErr != nil {
		logger.Warn("capture stopped during run", slog.Any("error", srcErr))
	}
	return err
}

func (r *Runner) status(s string) {
	if r.Sink != nil {
		r.Sink.Present(types.Snapshot{At: time.Now(), Status: s})
	}
}
