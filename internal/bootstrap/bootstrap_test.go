package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facemood/internal/artifact"
	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/types"
)

type fakeVision struct {
	mu        sync.Mutex
	loads     int
	loaded    bool
	loadErr   error
	cascadeOK bool
}

func (v *fakeVision) Load(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loads++
	if v.loadErr != nil {
		return v.loadErr
	}
	v.loaded = true
	return nil
}

func (v *fakeVision) Version() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded {
		return "4.11.0"
	}
	return ""
}

func (v *fakeVision) NewCascade(weights []byte) (engine.Detector, error) {
	if !v.cascadeOK {
		return nil, engine.ErrDetectorNotLoaded
	}
	return &fakeDetector{}, nil
}

type fakeDetector struct{ closed bool }

func (d *fakeDetector) DetectMultiScale(*types.FrameBuffer, engine.DetectParams) ([]types.Box, error) {
	return nil, nil
}
func (d *fakeDetector) Close() error { d.closed = true; return nil }

type fakeInference struct {
	sessions int
	opts     engine.SessionOptions
}

func (f *fakeInference) CreateSession(_ context.Context, model []byte, opts engine.SessionOptions) (engine.Session, error) {
	f.sessions++
	f.opts = opts
	return &fakeSession{}, nil
}

type fakeSession struct{ closed bool }

func (s *fakeSession) InputNames() []string  { return []string{"images"} }
func (s *fakeSession) OutputNames() []string { return []string{"output0"} }
func (s *fakeSession) Run(context.Context, map[string]types.Tensor) (map[string][]float32, error) {
	return nil, nil
}
func (s *fakeSession) Close() error { s.closed = true; return nil }

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, loc string) ([]byte, error) {
	data, ok := m[loc]
	if !ok {
		return nil, fmt.Errorf("%s: %w", loc, artifact.ErrNotFound)
	}
	return data, nil
}

var testArtifacts = Artifacts{Cascade: "cascade.xml", Model: "model.onnx", Labels: "classes.json"}

func goodFetcher() mapFetcher {
	return mapFetcher{
		"cascade.xml":  []byte("<opencv_storage/>"),
		"model.onnx":   []byte("onnx"),
		"classes.json": []byte(`["angry","happy","sad"]`),
	}
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	statuses []string
}

func (r *recorder) observe(s State, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.statuses = append(r.statuses, status)
}

func newTestBootstrapper(v *fakeVision, inf *fakeInference, f Fetcher) (*Bootstrapper, *recorder) {
	b := New(v, inf, f, testArtifacts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	b.Observer = rec.observe
	return b, rec
}

func TestInitializeReady(t *testing.T) {
	v := &fakeVision{cascadeOK: true}
	inf := &fakeInference{}
	b, rec := newTestBootstrapper(v, inf, goodFetcher())
	b.Options.Threads = 2

	res := b.Initialize(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, Ready, res.State)
	assert.True(t, b.Ready())

	assert.Equal(t, []State{LoadingEngine, EngineReady, LoadingDetector, DetectorReady, LoadingClassifier, Ready}, rec.states)
	assert.Contains(t, rec.statuses, "loading Haar cascade...")

	pctx := b.Context()
	assert.True(t, pctx.Complete())
	assert.Equal(t, []string{"angry", "happy", "sad"}, pctx.Labels)
	assert.Equal(t, 2, inf.opts.Threads)
	assert.Equal(t, "cpu", inf.opts.Provider)
}

func TestInitializeRunsOnce(t *testing.T) {
	v := &fakeVision{cascadeOK: true}
	inf := &fakeInference{}
	b, _ := newTestBootstrapper(v, inf, goodFetcher())

	first := b.Initialize(context.Background())
	second := b.Initialize(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inf.sessions)
}

func TestEngineInitIsIdempotent(t *testing.T) {
	v := &fakeVision{cascadeOK: true}

	b1, _ := newTestBootstrapper(v, &fakeInference{}, goodFetcher())
	require.Equal(t, Ready, b1.Initialize(context.Background()).State)

	b2, rec := newTestBootstrapper(v, &fakeInference{}, goodFetcher())
	require.Equal(t, Ready, b2.Initialize(context.Background()).State)

	assert.Equal(t, 1, v.loads, "a loaded engine must not be loaded again")
	assert.Contains(t, rec.states, EngineReady)
	require.NoError(t, EnsureEngine(context.Background(), v))
	assert.Equal(t, 1, v.loads)
}

func TestCascadeFetchFailure(t *testing.T) {
	f := goodFetcher()
	delete(f, "cascade.xml")
	inf := &fakeInference{}
	b, rec := newTestBootstrapper(&fakeVision{cascadeOK: true}, inf, f)

	res := b.Initialize(context.Background())

	assert.Equal(t, Failed, res.State)
	assert.ErrorIs(t, res.Err, artifact.ErrNotFound)
	var be *BootstrapError
	require.ErrorAs(t, res.Err, &be)
	assert.Equal(t, LoadingDetector, be.State)

	assert.Equal(t, Failed, b.State())
	assert.False(t, b.Ready())
	assert.Zero(t, inf.sessions, "classifier must not load after a detector failure")
	assert.Equal(t, Failed, rec.states[len(rec.states)-1])
	assert.Contains(t, rec.statuses[len(rec.statuses)-1], "init failed")
}

func TestBootstrapFailures(t *testing.T) {
	tests := []struct {
		name    string
		vision  *fakeVision
		fetcher func() mapFetcher
		stage   State
		target  error
	}{
		{
			name:    "Engine load",
			vision:  &fakeVision{loadErr: errors.New("no opencv")},
			fetcher: goodFetcher,
			stage:   LoadingEngine,
		},
		{
			name:    "Cascade rejected",
			vision:  &fakeVision{},
			fetcher: goodFetcher,
			stage:   LoadingDetector,
			target:  engine.ErrDetectorNotLoaded,
		},
		{
			name:   "Model missing",
			vision: &fakeVision{cascadeOK: true},
			fetcher: func() mapFetcher {
				f := goodFetcher()
				delete(f, "model.onnx")
				return f
			},
			stage:  LoadingClassifier,
			target: artifact.ErrNotFound,
		},
		{
			name:   "Empty labels",
			vision: &fakeVision{cascadeOK: true},
			fetcher: func() mapFetcher {
				f := goodFetcher()
				f["classes.json"] = []byte(`[]`)
				return f
			},
			stage:  LoadingClassifier,
			target: artifact.ErrNoLabels,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBootstrapper(tt.vision, &fakeInference{}, tt.fetcher())
			res := b.Initialize(context.Background())

			require.Equal(t, Failed, res.State)
			var be *BootstrapError
			require.ErrorAs(t, res.Err, &be)
			assert.Equal(t, tt.stage, be.State)
			if tt.target != nil {
				assert.ErrorIs(t, res.Err, tt.target)
			}
			assert.False(t, b.Ready())
		})
	}
}

func TestFailureKeepsEarlierResources(t *testing.T) {
	f := goodFetcher()
	delete(f, "classes.json")
	b, _ := newTestBootstrapper(&fakeVision{cascadeOK: true}, &fakeInference{}, f)

	res := b.Initialize(context.Background())
	require.Equal(t, Failed, res.State)

	pctx := b.Context()
	assert.NotNil(t, pctx.Engine)
	assert.NotNil(t, pctx.Detector)
	assert.NotNil(t, pctx.Session)
	assert.False(t, pctx.Complete())

	det := pctx.Detector.(*fakeDetector)
	sess := pctx.Session.(*fakeSession)
	require.NoError(t, b.Close())
	assert.True(t, det.closed)
	assert.True(t, sess.closed)
}

func TestStartIsAFuture(t *testing.T) {
	b, _ := newTestBootstrapper(&fakeVision{cascadeOK: true}, &fakeInference{}, goodFetcher())

	select {
	case res, ok := <-b.Start(context.Background()):
		require.True(t, ok)
		assert.Equal(t, Ready, res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("bootstrap did not finish")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "loading detector", LoadingDetector.String())
	assert.Equal(t, "state(42)", State(42).String())
}
