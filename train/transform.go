package train

import (
	"fmt"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/lakeseg/lake"
	"github.com/sugarme/lakeseg/pipeline"
)

// transformFn shapes one stored record into a pipeline sample.
type transformFn func(idx int) (*pipeline.Sample, error)

// makeTransform builds the per-sample transform: fetch the image and mask
// tensors, force a three-channel float image (grayscale gets replicated),
// optionally swap RGB to BGR, then run the pipeline.
func makeTransform(ds *lake.Dataset, imagesTensor, masksTensor string, pl *pipeline.Compose, toBGR bool) (transformFn, error) {
	imgT, err := ds.Tensor(imagesTensor)
	if err != nil {
		return nil, err
	}

	var maskT *lake.Tensor
	if masksTensor != "" {
		maskT, err = ds.Tensor(masksTensor)
		if err != nil {
			return nil, err
		}
	}

	return func(idx int) (*pipeline.Sample, error) {
		img, err := imgT.Sample(idx)
		if err != nil {
			return nil, err
		}

		dims := img.MustSize()
		if len(dims) == 2 {
			img = img.MustUnsqueeze(2, true)
			dims = img.MustSize()
		}
		if len(dims) != 3 {
			img.MustDrop()
			return nil, fmt.Errorf("image sample %v has unsupported shape %v", idx, dims)
		}
		if dims[2] == 1 {
			img = img.MustRepeat([]int64{1, 1, 3}, true)
			dims = img.MustSize()
		}
		if toBGR {
			img = img.MustFlip([]int64{2}, true)
		}
		img = img.MustTotype(gotch.Float, true)

		var mask *ts.Tensor
		if maskT != nil {
			mask, err = maskT.Sample(idx)
			if err != nil {
				img.MustDrop()
				return nil, err
			}
		}

		shape := []int64{dims[0], dims[1], dims[2]}
		s := &pipeline.Sample{
			Img:      img,
			GtSegMap: mask,
			ImgShape: shape,
			OriShape: shape,
		}

		if pl != nil {
			if err := pl.Apply(s); err != nil {
				s.Drop()
				return nil, err
			}
		}

		return s, nil
	}, nil
}
