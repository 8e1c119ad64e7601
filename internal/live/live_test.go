package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facemood/internal/artifact"
	"github.com/andresmejia3/facemood/internal/bootstrap"
	"github.com/andresmejia3/facemood/internal/capture"
	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/pipeline"
	"github.com/andresmejia3/facemood/internal/sink"
	"github.com/andresmejia3/facemood/internal/types"
)

type stubVision struct{ loaded atomic.Bool }

func (v *stubVision) Load(context.Context) error { v.loaded.Store(true); return nil }
func (v *stubVision) Version() string {
	if v.loaded.Load() {
		return "test"
	}
	return ""
}
func (v *stubVision) NewCascade([]byte) (engine.Detector, error) { return stubCascade{}, nil }

// stubCascade reports one face covering the centre of every frame.
type stubCascade struct{}

func (stubCascade) DetectMultiScale(gray *types.FrameBuffer, _ engine.DetectParams) ([]types.Box, error) {
	return []types.Box{{X: gray.Width / 4, Y: gray.Height / 4, Width: gray.Width / 2, Height: gray.Height / 2}}, nil
}
func (stubCascade) Close() error { return nil }

type stubInference struct{}

func (stubInference) CreateSession(context.Context, []byte, engine.SessionOptions) (engine.Session, error) {
	return stubSession{}, nil
}

type stubSession struct{}

func (stubSession) InputNames() []string  { return []string{"images"} }
func (stubSession) OutputNames() []string { return []string{"output0"} }
func (stubSession) Run(context.Context, map[string]types.Tensor) (map[string][]float32, error) {
	return map[string][]float32{"output0": {0.1, 3, 0.2}}, nil
}
func (stubSession) Close() error { return nil }

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, loc string) ([]byte, error) {
	if b, ok := m[loc]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%s: %w", loc, artifact.ErrNotFound)
}

type fakeSource struct {
	startErr error
	starts   atomic.Int32
	closed   atomic.Bool
}

func (s *fakeSource) Start(context.Context) error {
	s.starts.Add(1)
	return s.startErr
}

func (s *fakeSource) CurrentFrame() (*types.FrameBuffer, bool) {
	f := types.NewFrameBuffer(32, 32, 4)
	for i := range f.Pix {
		f.Pix[i] = 200
	}
	return f, true
}

func (s *fakeSource) Err() error   { return nil }
func (s *fakeSource) Close() error { s.closed.Store(true); return nil }

type fakeSessions struct {
	created, ended atomic.Int32
}

func (f *fakeSessions) CreateSession(context.Context, uuid.UUID, string, string) error {
	f.created.Add(1)
	return nil
}

func (f *fakeSessions) EndSession(context.Context, uuid.UUID) error {
	f.ended.Add(1)
	return nil
}

type collect struct {
	mu    sync.Mutex
	snaps []types.Snapshot
	fresh chan types.Snapshot
}

func newCollect() *collect { return &collect{fresh: make(chan types.Snapshot, 8)} }

func (c *collect) Present(s types.Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
	if s.Fresh {
		select {
		case c.fresh <- s:
		default:
		}
	}
}

func (c *collect) statuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.snaps {
		out = append(out, s.Status)
	}
	return out
}

var artifacts = bootstrap.Artifacts{Cascade: "c.xml", Model: "m.onnx", Labels: "l.json"}

func goodArtifacts() mapFetcher {
	return mapFetcher{"c.xml": []byte("<x/>"), "m.onnx": []byte("m"), "l.json": []byte(`{"names":{"0":"angry","1":"happy","2":"sad"}}`)}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRunner(f mapFetcher, src *fakeSource, out sink.Sink) (*Runner, *atomic.Int32) {
	b := bootstrap.New(&stubVision{}, stubInference{}, f, artifacts, quiet())
	r := NewRunner(b, src, out, quiet())
	r.Interval = time.Millisecond
	var tickers atomic.Int32
	r.NewTicker = func(d time.Duration) pipeline.Ticker {
		tickers.Add(1)
		return pipeline.NewTicker(d)
	}
	return r, &tickers
}

func TestRunBootstrapFailureNeverStartsCapture(t *testing.T) {
	f := goodArtifacts()
	delete(f, "c.xml")
	src := &fakeSource{}
	out := newCollect()
	r, tickers := newRunner(f, src, out)
	sessions := &fakeSessions{}
	r.Sessions = sessions

	err := r.Run(context.Background())

	var be *bootstrap.BootstrapError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bootstrap.LoadingDetector, be.State)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	assert.Zero(t, src.starts.Load())
	assert.Zero(t, tickers.Load(), "scheduler must not start")
	assert.Zero(t, sessions.created.Load())

	statuses := out.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, StatusNotStarted, statuses[0])
	assert.Contains(t, statuses[len(statuses)-1], "init failed")
}

func TestRunCaptureFailure(t *testing.T) {
	src := &fakeSource{startErr: errors.New("permission denied")}
	r, tickers := newRunner(goodArtifacts(), src, newCollect())
	r.SourceName = "camera:0"

	err := r.Run(context.Background())

	var ce *capture.CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "camera:0", ce.Source)
	assert.Zero(t, tickers.Load())
}

func TestRunClassifiesUntilCancelled(t *testing.T) {
	src := &fakeSource{}
	out := newCollect()
	r, tickers := newRunner(goodArtifacts(), src, out)
	sessions := &fakeSessions{}
	r.Sessions = sessions

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case s := <-out.fresh:
		assert.Equal(t, "happy", s.Emotion.Label)
		require.NotNil(t, s.Selected)
		assert.Equal(t, types.Box{X: 8, Y: 8, Width: 16, Height: 16}, *s.Selected)
	case <-time.After(2 * time.Second):
		t.Fatal("no classification presented")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, int32(1), src.starts.Load())
	assert.True(t, src.closed.Load())
	assert.Equal(t, int32(1), tickers.Load())
	assert.Equal(t, int32(1), sessions.created.Load())
	assert.Equal(t, int32(1), sessions.ended.Load())

	statuses := out.statuses()
	assert.Contains(t, statuses, "loading OpenCV...")
	assert.Contains(t, statuses, StatusCamera)
	assert.Contains(t, statuses, StatusRunning)
}
