package lake

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"

	ts "github.com/sugarme/gotch/tensor"
)

// decodeImage reads an image file. Tiff goes through chai2010/tiff, bmp
// through x/image; everything else uses the stdlib decoders.
func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return tiff.Decode(f)
	case ".bmp":
		return bmp.Decode(f)
	case ".jpg", ".jpeg":
		return jpeg.Decode(f)
	case ".png":
		return png.Decode(f)
	default:
		img, _, err := image.Decode(f)
		return img, err
	}
}

// loadImageTensor decodes path into a HWC float32 tensor with values in
// 0..255. maxSide caps the longer image side; 0 means no cap.
func loadImageTensor(path string, maxSide int) (*ts.Tensor, error) {
	img, err := decodeImage(path)
	if err != nil {
		return nil, fmt.Errorf("decoding %v failed: %w", path, err)
	}

	img = capSize(img, maxSide)

	return ImageToTensor(img), nil
}

// loadMaskTensor decodes path into a HW int64 class-index tensor. Gray
// pixel values are the class indexes.
func loadMaskTensor(path string, maxSide int) (*ts.Tensor, error) {
	img, err := decodeImage(path)
	if err != nil {
		return nil, fmt.Errorf("decoding %v failed: %w", path, err)
	}

	img = capSize(img, maxSide)

	return MaskToTensor(img), nil
}

func capSize(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}
	if w >= h {
		return resize.Resize(uint(maxSide), 0, img, resize.Bilinear)
	}
	return resize.Resize(0, uint(maxSide), img, resize.Bilinear)
}

// ImageToTensor converts an image to a HWC float32 tensor (0..255).
func ImageToTensor(img image.Image) *ts.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	vals := make([]float32, h*w*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			vals[i] = float32(r >> 8)
			vals[i+1] = float32(g >> 8)
			vals[i+2] = float32(bl >> 8)
			i += 3
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{int64(h), int64(w), 3}, true)
}

// MaskToTensor converts a mask image to a HW int64 tensor of class
// indexes taken from the gray value of each pixel.
func MaskToTensor(img image.Image) *ts.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	vals := make([]int64, h*w)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			vals[i] = int64(g.Y)
			i++
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{int64(h), int64(w)}, true)
}
