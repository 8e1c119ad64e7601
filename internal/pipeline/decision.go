package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facemood/internal/types"
)

// ErrEmptyLogits is returned by Decide for a model that produced no scores.
var ErrEmptyLogits = errors.New("classifier produced no logits")

// Softmax turns logits into probabilities. The maximum is subtracted first so
// large spreads do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	max := math.Inf(-1)
	for _, v := range logits {
		max = math.Max(max, float64(v))
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax returns the index of the largest value, the lowest one on ties.
func Argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// Decide picks the most probable label. Indices beyond the label set are
// reported as class_<i>.
func Decide(logits []float32, labels []string) (types.EmotionState, error) {
	if len(logits) == 0 {
		return types.EmotionState{}, ErrEmptyLogits
	}
	probs := Softmax(logits)
	i := Argmax(probs)

	label := fmt.Sprintf("class_%d", i)
	if i < len(labels) {
		label = labels[i]
	}
	return types.EmotionState{Label: label, Confidence: probs[i]}, nil
}
