package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facemood/internal/engine"
	"github.com/andresmejia3/facemood/internal/types"
)

type recordingCascade struct {
	gray   []byte
	params engine.DetectParams
	boxes  []types.Box
	err    error
}

func (c *recordingCascade) DetectMultiScale(gray *types.FrameBuffer, p engine.DetectParams) ([]types.Box, error) {
	if gray.Channels != 1 {
		return nil, errors.New("not grayscale")
	}
	c.gray = append([]byte(nil), gray.Pix...)
	c.params = p
	return c.boxes, c.err
}

func (c *recordingCascade) Close() error { return nil }

func TestGrayscale(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b byte
		want    byte
	}{
		{"White", 255, 255, 255, 255},
		{"Black", 0, 0, 0, 0},
		{"Red", 255, 0, 0, 76},
		{"Green", 0, 255, 0, 150},
		{"Blue", 0, 0, 255, 29},
	}

	pool := types.NewFramePool()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gray, err := Grayscale(uniformFrame(3, 2, tt.r, tt.g, tt.b, 255), pool)
			require.NoError(t, err)
			defer gray.Release()

			assert.Equal(t, 1, gray.Channels)
			assert.Equal(t, 3, gray.Stride)
			for i, v := range gray.Pix {
				if v != tt.want {
					t.Fatalf("pixel %d = %d, want %d", i, v, tt.want)
				}
			}
		})
	}
}

func TestGrayscaleHonoursStride(t *testing.T) {
	// Two rows of one pixel each, padded to 8 bytes per row.
	f := &types.FrameBuffer{
		Pix:      []byte{255, 255, 255, 255, 9, 9, 9, 9, 0, 0, 0, 255, 9, 9, 9, 9},
		Width:    1,
		Height:   2,
		Stride:   8,
		Channels: 4,
	}
	gray, err := Grayscale(f, types.NewFramePool())
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 0}, gray.Pix)
}

func TestGrayscaleRejectsGrayInput(t *testing.T) {
	_, err := Grayscale(types.NewFrameBuffer(2, 2, 1), types.NewFramePool())
	assert.Error(t, err)
}

func TestFaceDetectorUsesFixedParams(t *testing.T) {
	cascade := &recordingCascade{boxes: []types.Box{{X: 1, Y: 1, Width: 2, Height: 2}}}
	d := NewFaceDetector(cascade, nil)

	got, err := d.Detect(uniformFrame(4, 4, 255, 255, 255, 255))
	require.NoError(t, err)

	assert.Equal(t, types.DetectionResult{{X: 1, Y: 1, Width: 2, Height: 2}}, got)
	assert.Equal(t, 1.1, cascade.params.ScaleFactor)
	assert.Equal(t, 3, cascade.params.MinNeighbors)
	assert.Equal(t, [2]int{0, 0}, cascade.params.MinSize)
	assert.Equal(t, [2]int{0, 0}, cascade.params.MaxSize)
	assert.Len(t, cascade.gray, 16)
}

func TestFaceDetectorWithoutCascade(t *testing.T) {
	_, err := (&FaceDetector{}).Detect(uniformFrame(1, 1, 0, 0, 0, 255))
	assert.ErrorIs(t, err, engine.ErrDetectorNotLoaded)
}
