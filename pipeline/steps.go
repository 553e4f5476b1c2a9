package pipeline

import (
	"fmt"
	"math/rand"

	"github.com/disintegration/imaging"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Resize scales the image (bilinear) and mask (nearest) to a target size.
// With KeepRatio the image is fit inside the target box instead.
type Resize struct {
	H, W      int
	KeepRatio bool
}

func newResize(cfg StepConfig) (*Resize, error) {
	size, err := cfg.intsParam("size", 2)
	if err != nil {
		return nil, err
	}
	keepRatio, err := cfg.boolOpt("keep_ratio", false)
	if err != nil {
		return nil, err
	}
	if size[0] <= 0 || size[1] <= 0 {
		return nil, fmt.Errorf("resize target must be positive. Got %v", size)
	}

	return &Resize{H: size[0], W: size[1], KeepRatio: keepRatio}, nil
}

func (r *Resize) Name() string { return "Resize" }

func (r *Resize) Apply(s *Sample) error {
	h, w := int(s.ImgShape[0]), int(s.ImgShape[1])
	newH, newW := r.H, r.W
	if r.KeepRatio {
		scale := float64(r.H) / float64(h)
		if sw := float64(r.W) / float64(w); sw < scale {
			scale = sw
		}
		newH = int(float64(h) * scale)
		newW = int(float64(w) * scale)
	}
	if newH == h && newW == w {
		return nil
	}

	img, err := tensorToImage(s.Img)
	if err != nil {
		return err
	}
	resized := imaging.Resize(img, newW, newH, imaging.Linear)
	s.Img.MustDrop()
	s.Img = imageToTensor(resized)
	s.ImgShape = []int64{int64(newH), int64(newW), 3}

	if s.GtSegMap != nil {
		mask, dims, err := maskValues(s.GtSegMap)
		if err != nil {
			return err
		}
		s.GtSegMap.MustDrop()
		s.GtSegMap = resizeMaskNearest(mask, dims[0], dims[1], newH, newW)
	}

	return nil
}

// RandomFlip flips image and mask with probability Prob along Direction
// ("horizontal" or "vertical").
type RandomFlip struct {
	Prob      float64
	Direction string
}

func newRandomFlip(cfg StepConfig) (*RandomFlip, error) {
	prob, err := cfg.floatOpt("prob", 0.5)
	if err != nil {
		return nil, err
	}
	dir, err := cfg.stringOpt("direction", "horizontal")
	if err != nil {
		return nil, err
	}
	if dir != "horizontal" && dir != "vertical" {
		return nil, fmt.Errorf("flip direction must be 'horizontal' or 'vertical'. Got %q", dir)
	}
	if prob < 0 || prob > 1 {
		return nil, fmt.Errorf("flip prob must be within [0, 1]. Got %v", prob)
	}

	return &RandomFlip{Prob: prob, Direction: dir}, nil
}

func (f *RandomFlip) Name() string { return "RandomFlip" }

func (f *RandomFlip) Apply(s *Sample) error {
	if rand.Float64() >= f.Prob {
		return nil
	}

	// HWC: axis 1 is width, axis 0 height
	axis := int64(1)
	if f.Direction == "vertical" {
		axis = 0
	}

	s.Img = s.Img.MustFlip([]int64{axis}, true)
	if s.GtSegMap != nil {
		s.GtSegMap = s.GtSegMap.MustFlip([]int64{axis}, true)
	}
	s.Flipped = true

	return nil
}

// Normalize applies per-channel (x - mean) / std.
type Normalize struct {
	Mean, Std []float64
}

func newNormalize(cfg StepConfig) (*Normalize, error) {
	mean, err := cfg.floatsParam("mean", 3)
	if err != nil {
		return nil, err
	}
	std, err := cfg.floatsParam("std", 3)
	if err != nil {
		return nil, err
	}
	for _, v := range std {
		if v == 0 {
			return nil, fmt.Errorf("normalize std must be non-zero. Got %v", std)
		}
	}

	return &Normalize{Mean: mean, Std: std}, nil
}

func (n *Normalize) Name() string { return "Normalize" }

func (n *Normalize) Apply(s *Sample) error {
	mean32 := make([]float32, len(n.Mean))
	std32 := make([]float32, len(n.Std))
	for i := range n.Mean {
		mean32[i] = float32(n.Mean[i])
		std32[i] = float32(n.Std[i])
	}

	meanTs := ts.MustOfSlice(mean32).MustView([]int64{1, 1, 3}, true)
	stdTs := ts.MustOfSlice(std32).MustView([]int64{1, 1, 3}, true)

	s.Img = s.Img.MustSub(meanTs, true).MustDiv(stdTs, true)

	meanTs.MustDrop()
	stdTs.MustDrop()

	return nil
}

// Pad grows image and mask so both sides are multiples of SizeDivisor,
// filling new pixels with PadVal and SegPadVal.
type Pad struct {
	SizeDivisor int
	PadVal      float64
	SegPadVal   int64
}

func newPad(cfg StepConfig) (*Pad, error) {
	div, err := cfg.intParam("size_divisor")
	if err != nil {
		return nil, err
	}
	if div <= 0 {
		return nil, fmt.Errorf("pad size_divisor must be positive. Got %v", div)
	}
	padVal, err := cfg.floatOpt("pad_val", 0)
	if err != nil {
		return nil, err
	}
	segPadVal, err := cfg.floatOpt("seg_pad_val", 255)
	if err != nil {
		return nil, err
	}

	return &Pad{SizeDivisor: div, PadVal: padVal, SegPadVal: int64(segPadVal)}, nil
}

func (p *Pad) Name() string { return "Pad" }

func (p *Pad) Apply(s *Sample) error {
	h, w := s.ImgShape[0], s.ImgShape[1]
	div := int64(p.SizeDivisor)
	padH := (h + div - 1) / div * div
	padW := (w + div - 1) / div * div
	if padH == h && padW == w {
		return nil
	}

	s.Img = padTensor(s.Img, []int64{padH, padW, 3}, p.PadVal, gotch.Float)
	s.ImgShape = []int64{padH, padW, 3}

	if s.GtSegMap != nil {
		s.GtSegMap = padTensor(s.GtSegMap, []int64{padH, padW}, float64(p.SegPadVal), gotch.Int64)
	}

	return nil
}

// padTensor places x into the top-left corner of a fill-valued tensor of
// the given size, dropping x.
func padTensor(x *ts.Tensor, size []int64, fill float64, dtype gotch.DType) *ts.Tensor {
	padded := ts.MustZeros(size, dtype, gotch.CPU)
	if fill != 0 {
		padded = padded.MustAdd1(ts.FloatScalar(fill), true)
		if dtype == gotch.Int64 {
			padded = padded.MustTotype(gotch.Int64, true)
		}
	}

	dims := x.MustSize()
	view := padded.MustNarrow(0, 0, dims[0], false).MustNarrow(1, 0, dims[1], true)
	view.Copy_(x)
	view.MustDrop()
	x.MustDrop()

	return padded
}

// FormatBundle converts the image to CHW layout and the mask to int64,
// matching what the training loop stacks into batches.
type FormatBundle struct{}

func (b *FormatBundle) Name() string { return "FormatBundle" }

func (b *FormatBundle) Apply(s *Sample) error {
	s.Img = s.Img.MustPermute([]int64{2, 0, 1}, true)
	if s.GtSegMap != nil {
		s.GtSegMap = s.GtSegMap.MustTotype(gotch.Int64, true)
	}

	return nil
}
