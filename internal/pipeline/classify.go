package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/types"
)

var (
	// ErrInferenceTimeout is returned when a session call exceeds the timeout.
	ErrInferenceTimeout = errors.New("inference timed out")
	// ErrInferenceBusy is returned while an abandoned call still holds the session.
	ErrInferenceBusy = errors.New("previous inference still running")
)

// Classifier runs tensors through a session bound to its first declared input
// and output. At most one session call is in flight at any time.
type Classifier struct {
	Session engine.Session
	// Timeout bounds a single call; zero waits for the session or ctx.
	Timeout time.Duration

	input  string
	output string
	slot   chan struct{}
}

// NewClassifier binds s. It fails if the model declares no inputs or outputs.
func NewClassifier(s engine.Session, timeout time.Duration) (*Classifier, error) {
	in, out := s.InputNames(), s.OutputNames()
	if len(in) == 0 || len(out) == 0 {
		return nil, fmt.Errorf("session declares %d inputs and %d outputs", len(in), len(out))
	}
	return &Classifier{
		Session: s,
		Timeout: timeout,
		input:   in[0],
		output:  out[0],
		slot:    make(chan struct{}, 1),
	}, nil
}

type runResult struct {
	logits []float32
	err    error
}

// Classify returns the raw logits for t.
func (c *Classifier) Classify(ctx context.Context, t types.Tensor) ([]float32, error) {
	select {
	case c.slot <- struct{}{}:
	default:
		return nil, ErrInferenceBusy
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	done := make(chan runResult, 1)
	go func() {
		// The slot is freed only when the session actually returns.
		defer func() { <-c.slot }()
		out, err := c.Session.Run(ctx, map[string]types.Tensor{c.input: t})
		if err != nil {
			done <- runResult{err: err}
			return
		}
		logits, ok := out[c.output]
		if !ok {
			done <- runResult{err: fmt.Errorf("session returned no output %q", c.output)}
			return
		}
		done <- runResult{logits: logits}
	}()

	select {
	case r := <-done:
		return r.logits, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrInferenceTimeout, c.Timeout)
		}
		return nil, ctx.Err()
	}
}
