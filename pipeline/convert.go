package pipeline

import (
	"fmt"
	"image"

	ts "github.com/sugarme/gotch/tensor"
)

// tensorToImage converts a HWC float32 tensor with 0..255 values into an
// NRGBA image. Resize runs before Normalize in any sane pipeline, so the
// value range assumption holds there.
func tensorToImage(x *ts.Tensor) (*image.NRGBA, error) {
	dims := x.MustSize()
	if len(dims) != 3 || dims[2] != 3 {
		return nil, fmt.Errorf("expected HWC image tensor with 3 channels. Got shape %v", dims)
	}
	h, w := int(dims[0]), int(dims[1])

	vals := x.Float64Values()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	i := 0
	for y := 0; y < h; y++ {
		for xx := 0; xx < w; xx++ {
			off := img.PixOffset(xx, y)
			img.Pix[off] = clampByte(vals[i])
			img.Pix[off+1] = clampByte(vals[i+1])
			img.Pix[off+2] = clampByte(vals[i+2])
			img.Pix[off+3] = 255
			i += 3
		}
	}

	return img, nil
}

// imageToTensor converts an NRGBA image back to a HWC float32 tensor.
func imageToTensor(img *image.NRGBA) *ts.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	vals := make([]float32, h*w*3)
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(x, y)
			vals[i] = float32(img.Pix[off])
			vals[i+1] = float32(img.Pix[off+1])
			vals[i+2] = float32(img.Pix[off+2])
			i += 3
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{int64(h), int64(w), 3}, true)
}

// maskValues pulls the class indexes and [h, w] dims out of a mask tensor.
func maskValues(x *ts.Tensor) ([]int64, []int64, error) {
	dims := x.MustSize()
	if len(dims) != 2 {
		return nil, nil, fmt.Errorf("expected HW mask tensor. Got shape %v", dims)
	}
	return x.Int64Values(), dims, nil
}

// resizeMaskNearest rescales class indexes with nearest-neighbor sampling,
// the only interpolation that cannot invent classes.
func resizeMaskNearest(mask []int64, h, w int64, newH, newW int) *ts.Tensor {
	out := make([]int64, newH*newW)
	for y := 0; y < newH; y++ {
		srcY := int64(y) * h / int64(newH)
		for x := 0; x < newW; x++ {
			srcX := int64(x) * w / int64(newW)
			out[y*newW+x] = mask[srcY*w+srcX]
		}
	}

	return ts.MustOfSlice(out).MustView([]int64{int64(newH), int64(newW)}, true)
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
