package pipeline

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/facemood/internal/types"
)

// Clamp shrinks region to the frame bounds. The result always covers at least
// one pixel inside the frame, even when region lies entirely outside it or has
// no area.
func Clamp(region types.Box, width, height int) types.Box {
	x0 := clampInt(region.X, 0, width-1)
	y0 := clampInt(region.Y, 0, height-1)
	x1 := clampInt(region.X+region.Width, x0+1, width)
	y1 := clampInt(region.Y+region.Height, y0+1, height)
	return types.Box{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Preprocess crops region out of frame, resizes it to TensorSize square with
// bilinear filtering and returns it as a [1,3,H,W] tensor scaled to [0,1].
// Alpha is ignored.
func Preprocess(frame *types.FrameBuffer, region types.Box) (types.Tensor, error) {
	if frame.Empty() {
		return types.Tensor{}, fmt.Errorf("empty frame")
	}
	src, err := frame.RGBA()
	if err != nil {
		return types.Tensor{}, err
	}

	r := Clamp(region, frame.Width, frame.Height)
	crop := imaging.Crop(nonPremultiplied(src), r.Rect())
	opaque(crop)
	face := imaging.Resize(crop, types.TensorSize, types.TensorSize, imaging.Linear)

	const plane = types.TensorSize * types.TensorSize
	data := make([]float32, types.TensorChannels*plane)
	for y := 0; y < types.TensorSize; y++ {
		row := face.Pix[y*face.Stride:]
		for x := 0; x < types.TensorSize; x++ {
			px := row[x*4 : x*4+3 : x*4+3]
			i := y*types.TensorSize + x
			data[i] = float32(px[0]) / 255
			data[plane+i] = float32(px[1]) / 255
			data[2*plane+i] = float32(px[2]) / 255
		}
	}

	return types.Tensor{
		Shape: []int64{1, types.TensorChannels, types.TensorSize, types.TensorSize},
		Data:  data,
	}, nil
}

// nonPremultiplied reinterprets the frame bytes as straight alpha so that
// imaging does not rescale colour by the alpha byte.
func nonPremultiplied(img *image.RGBA) *image.NRGBA {
	return &image.NRGBA{Pix: img.Pix, Stride: img.Stride, Rect: img.Rect}
}

// opaque forces alpha to 255; the resampler weights colour by alpha.
func opaque(img *image.NRGBA) {
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xff
		}
	}
}
