// Package pipeline implements the per-frame inference pass (detect, select,
// preprocess, classify, decide) and the scheduler that drives it.
package pipeline

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facemood/internal/types"
)

// Stage names a step of the pass, used in PassError.
type Stage string

const (
	StageDetect     Stage = "detect"
	StagePreprocess Stage = "preprocess"
	StageClassify   Stage = "classify"
	StageDecide     Stage = "decide"
)

// PassError is a recoverable failure of a single pass.
type PassError struct {
	Stage Stage
	Err   error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PassError) Unwrap() error {
	return e.Err
}

// Detector finds candidate faces in a colour frame.
type Detector interface {
	Detect(frame *types.FrameBuffer) (types.DetectionResult, error)
}

// Model turns a normalized face tensor into logits.
type Model interface {
	Classify(ctx context.Context, t types.Tensor) ([]float32, error)
}

// Result is the outcome of one pass. Emotion is nil when no face was found.
type Result struct {
	Detections types.DetectionResult
	Selected   *types.Box
	Emotion    *types.EmotionState
}

// Pipeline holds the stages of a pass.
type Pipeline struct {
	Detector Detector
	Model    Model
	Labels   []string
	// Preprocess defaults to the package Preprocess.
	Preprocess func(*types.FrameBuffer, types.Box) (types.Tensor, error)
}

// New assembles a pipeline.
func New(d Detector, m Model, labels []string) *Pipeline {
	return &Pipeline{Detector: d, Model: m, Labels: labels, Preprocess: Preprocess}
}

// Pass runs every stage over frame. When nothing with positive area is
// detected the pass ends after selection and neither preprocessing nor
// classification runs.
func (p *Pipeline) Pass(ctx context.Context, frame *types.FrameBuffer) (Result, error) {
	var res Result

	detections, err := p.Detector.Detect(frame)
	if err != nil {
		return res, &PassError{Stage: StageDetect, Err: err}
	}
	res.Detections = detections

	region, ok := Select(detections)
	if !ok {
		return res, nil
	}
	clamped := Clamp(region, frame.Width, frame.Height)
	res.Selected = &clamped

	preprocess := p.Preprocess
	if preprocess == nil {
		preprocess = Preprocess
	}
	tensor, err := preprocess(frame, region)
	if err != nil {
		return res, &PassError{Stage: StagePreprocess, Err: err}
	}

	logits, err := p.Model.Classify(ctx, tensor)
	if err != nil {
		return res, &PassError{Stage: StageClassify, Err: err}
	}

	emotion, err := Decide(logits, p.Labels)
	if err != nil {
		return res, &PassError{Stage: StageDecide, Err: err}
	}
	res.Emotion = &emotion
	return res, nil
}
