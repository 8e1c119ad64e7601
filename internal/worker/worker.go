// Package worker runs the classifier in an external process. It implements
// engine.InferenceEngine for runtimes that are easier to host out of process
// (a Python onnxruntime or PyTorch script, a GPU box behind ssh).
//
// Wire protocol, all integers big-endian:
//
//	request:  [op:1][len:4][body]
//	response: [status:1][len:4][body]
//
// opLoad carries the model bytes and is answered with a JSON object
// {"inputs": [...], "outputs": [...]}. opRun carries
// [ndims:4][dims:8*ndims][float32 data, little-endian] and is answered with
// little-endian float32 scores. A non-zero status means body is an error string.
//
// A response that misses its deadline is still owed. It is read and dropped
// before the next request goes out.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/types"
	"github.com/andresmejia3/facemood/internal/utils"
)

const (
	opLoad byte = 1
	opRun  byte = 2

	statusOK byte = 0

	// maxResponse caps a response body; logits for a few hundred classes are tiny.
	maxResponse = 16 << 20
)

// ErrWorkerFailed is wrapped around errors reported by the worker itself.
var ErrWorkerFailed = errors.New("worker reported failure")

// Engine launches one worker process per session.
type Engine struct {
	// Command is the worker command line, split on whitespace.
	Command string
}

// NewEngine returns an engine that starts command for each session.
func NewEngine(command string) *Engine {
	return &Engine{Command: command}
}

// CreateSession starts the worker and sends it the model.
func (e *Engine) CreateSession(ctx context.Context, model []byte, opts engine.SessionOptions) (engine.Session, error) {
	fields := strings.Fields(e.Command)
	if len(fields) == 0 {
		return nil, errors.New("empty worker command")
	}
	w, err := NewProcessWorker(fields[0], fields[1:]...)
	if err != nil {
		return nil, err
	}
	if err := w.Load(ctx, model); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// ProcessWorker is a running worker process and the pipes to talk to it.
type ProcessWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu      sync.Mutex
	inputs  []string
	outputs []string
	// owed counts whole responses to requests that timed out.
	owed int
	// skip is the unread tail of a body whose read timed out.
	skip int64
	// broken is set once the stream is out of sync; every later call fails fast.
	broken error
}

// NewProcessWorker starts name with args. Responses come back on FD 3 so that
// anything the worker prints to stdout cannot corrupt the protocol.
func NewProcessWorker(name string, args ...string) (*ProcessWorker, error) {
	proc := utils.NewSafeCommand(name, args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ProcessWorker{Cmd: proc, Stdin: stdin, DataPipe: r}, nil
}

// Load sends the model and records the declared input and output names.
func (w *ProcessWorker) Load(ctx context.Context, model []byte) error {
	body, err := w.roundTrip(ctx, opLoad, model)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	var desc struct {
		Inputs  []string `json:"inputs"`
		Outputs []string `json:"outputs"`
	}
	if err := json.Unmarshal(body, &desc); err != nil {
		return fmt.Errorf("decode model description: %w", err)
	}
	if len(desc.Inputs) == 0 || len(desc.Outputs) == 0 {
		return fmt.Errorf("worker declared %d inputs and %d outputs", len(desc.Inputs), len(desc.Outputs))
	}
	w.inputs, w.outputs = desc.Inputs, desc.Outputs
	return nil
}

func (w *ProcessWorker) InputNames() []string  { return w.inputs }
func (w *ProcessWorker) OutputNames() []string { return w.outputs }

// Run sends the tensor for the first declared input and returns the scores
// keyed by the first declared output.
func (w *ProcessWorker) Run(ctx context.Context, feeds map[string]types.Tensor) (map[string][]float32, error) {
	if len(w.inputs) == 0 {
		return nil, errors.New("worker has no loaded model")
	}
	t, ok := feeds[w.inputs[0]]
	if !ok {
		return nil, fmt.Errorf("missing feed for input %q", w.inputs[0])
	}

	body, err := w.roundTrip(ctx, opRun, EncodeTensor(t))
	if err != nil {
		return nil, err
	}
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("score payload of %d bytes is not float32 aligned", len(body))
	}

	scores := make([]float32, len(body)/4)
	for i := range scores {
		scores[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return map[string][]float32{w.outputs[0]: scores}, nil
}

// roundTrip writes one request and reads one response. If the data pipe
// supports deadlines, the context deadline bounds the read.
func (w *ProcessWorker) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, w.broken
	}

	if dl, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		deadline, _ := ctx.Deadline()
		_ = dl.SetReadDeadline(deadline)
	}

	if err := w.drain(); err != nil {
		return nil, err
	}

	header := make([]byte, 5)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	n, err := io.ReadFull(w.DataPipe, header)
	if err != nil {
		if n == 0 && timedOut(err) {
			w.owed++
			return nil, fmt.Errorf("read response: %w", err)
		}
		w.broken = fmt.Errorf("read response: %w", err) // a crashed worker surfaces here
		return nil, w.broken
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxResponse {
		w.broken = fmt.Errorf("response of %d bytes exceeds limit", size)
		return nil, w.broken
	}
	body := make([]byte, size)
	if n, err := io.ReadFull(w.DataPipe, body); err != nil {
		if timedOut(err) {
			w.skip = int64(size) - int64(n)
			return nil, fmt.Errorf("read response body: %w", err)
		}
		w.broken = fmt.Errorf("read response body: %w", err)
		return nil, w.broken
	}

	if header[0] != statusOK {
		return nil, fmt.Errorf("%w: %s", ErrWorkerFailed, string(body))
	}
	return body, nil
}

// drain discards late responses so the next read lines up with the next
// request. Progress survives another timeout.
func (w *ProcessWorker) drain() error {
	for w.skip > 0 || w.owed > 0 {
		if w.skip > 0 {
			n, err := io.CopyN(io.Discard, w.DataPipe, w.skip)
			w.skip -= n
			if err != nil {
				return w.drainFailed(err)
			}
			continue
		}

		header := make([]byte, 5)
		n, err := io.ReadFull(w.DataPipe, header)
		if err != nil {
			if n > 0 {
				w.broken = fmt.Errorf("drain late response: %w", err)
				return w.broken
			}
			return w.drainFailed(err)
		}
		size := binary.BigEndian.Uint32(header[1:])
		if size > maxResponse {
			w.broken = fmt.Errorf("late response of %d bytes exceeds limit", size)
			return w.broken
		}
		w.owed--
		w.skip = int64(size)
	}
	return nil
}

func (w *ProcessWorker) drainFailed(err error) error {
	if timedOut(err) {
		return fmt.Errorf("drain late response: %w", err)
	}
	w.broken = fmt.Errorf("drain late response: %w", err)
	return w.broken
}

func timedOut(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// Close shuts the pipes and waits for the process to exit.
func (w *ProcessWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		return w.Cmd.Wait()
	}
	return nil
}

// EncodeTensor serializes a tensor as [ndims][dims...][data].
func EncodeTensor(t types.Tensor) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 8*len(t.Shape) + 4*len(t.Data))
	binary.Write(&buf, binary.BigEndian, uint32(len(t.Shape)))
	for _, d := range t.Shape {
		binary.Write(&buf, binary.BigEndian, d)
	}
	binary.Write(&buf, binary.LittleEndian, t.Data)
	return buf.Bytes()
}
