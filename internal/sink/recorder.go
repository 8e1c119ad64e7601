package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facemood/internal/store"
	"github.com/andresmejia3/facemood/internal/types"
)

// ReadingWriter persists readings. *store.Store implements it.
type ReadingWriter interface {
	InsertReading(ctx context.Context, r store.Reading) error
}

// Recorder writes fresh classifications to the store from its own goroutine.
// When the queue is full readings are dropped and counted.
type Recorder struct {
	Session uuid.UUID
	Writer  ReadingWriter
	Logger  *slog.Logger
	// WriteTimeout bounds a single insert.
	WriteTimeout time.Duration

	queue   chan store.Reading
	dropped atomic.Uint64
	written atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRecorder starts the writer goroutine with a queue of size buffer.
func NewRecorder(session uuid.UUID, w ReadingWriter, buffer int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	r := &Recorder{
		Session:      session,
		Writer:       w,
		Logger:       logger,
		WriteTimeout: 2 * time.Second,
		queue:        make(chan store.Reading, buffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for reading := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.WriteTimeout)
		err := r.Writer.InsertReading(ctx, reading)
		cancel()
		if err != nil {
			r.Logger.Warn("failed to record reading", slog.Uint64("seq", reading.Seq), slog.Any("error", err))
			continue
		}
		r.written.Add(1)
	}
}

func (r *Recorder) Present(s types.Snapshot) {
	reading, ok := store.ReadingFromSnapshot(r.Session, s)
	if !ok {
		return
	}
	select {
	case r.queue <- reading:
	default:
		r.dropped.Add(1)
	}
}

// Close flushes queued readings and stops the writer. Present must not be
// called afterwards.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
		r.Logger.Info("recorder stopped",
			slog.String("session", r.Session.String()),
			slog.Uint64("written", r.written.Load()),
			slog.Uint64("dropped", r.dropped.Load()),
		)
	})
	return nil
}

// Dropped reports how many readings were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written reports how many readings reached the store.
func (r *Recorder) Written() uint64 { return r.written.Load() }
