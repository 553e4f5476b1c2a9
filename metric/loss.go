package metric

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// BCEWithLogitsLoss is binary cross entropy taking raw logits.
func BCEWithLogitsLoss(logit, target *ts.Tensor) *ts.Tensor {
	logitR := logit.MustReshape([]int64{-1}, false)
	targetR := target.MustReshape([]int64{-1}, false)

	// NOTE: reduction: none = 0; mean = 1; sum = 2. Default=mean
	retVal := logitR.MustBinaryCrossEntropyWithLogits(targetR, ts.NewTensor(), ts.NewTensor(), 1, true).MustView([]int64{-1}, true)
	targetR.MustDrop()

	return retVal
}

// DiceCoeff computes the Dice coefficient between a prediction and a target
// mask. Both are thresholded at 0.5 before overlap is measured.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	p := pred.MustView([]int64{-1}, false).MustGt(ts.FloatScalar(0.5), true)
	t := target.MustView([]int64{-1}, false).MustGt(ts.FloatScalar(0.5), true)

	ptMul := p.MustMul(t, false)
	overlap := ptMul.MustSum(gotch.Double, true).Float64Values()[0]
	pSum := p.MustSum(gotch.Double, false).Float64Values()[0]
	tSum := t.MustSum(gotch.Double, false).Float64Values()[0]
	p.MustDrop()
	t.MustDrop()

	if pSum+tSum == 0 {
		return 1.0
	}

	return (2 * overlap) / (pSum + tSum)
}

// DiceCoeffBatch averages DiceCoeff over the first (batch) dimension.
func DiceCoeffBatch(pred, target *ts.Tensor) float64 {
	n := pred.MustSize()[0]

	var sum float64
	for i := int64(0); i < n; i++ {
		p := pred.MustNarrow(0, i, 1, false)
		t := target.MustNarrow(0, i, 1, false)
		sum += DiceCoeff(p, t)
		p.MustDrop()
		t.MustDrop()
	}

	return sum / float64(n)
}

// IoU computes binary intersection over union with both inputs thresholded
// at 0.5.
func IoU(pred, target *ts.Tensor) float64 {
	p := pred.MustView([]int64{-1}, false).MustGt(ts.FloatScalar(0.5), true)
	t := target.MustView([]int64{-1}, false).MustGt(ts.FloatScalar(0.5), true)

	ptMul := p.MustMul(t, false)
	overlap := ptMul.MustSum(gotch.Double, true).Float64Values()[0]
	pSum := p.MustSum(gotch.Double, false).Float64Values()[0]
	tSum := t.MustSum(gotch.Double, false).Float64Values()[0]
	p.MustDrop()
	t.MustDrop()

	union := pSum + tSum - overlap
	if union == 0 {
		return 1.0
	}

	return overlap / union
}

// JaccardIndex averages per-class IoU over nclasses. Inputs hold integer
// class indexes.
func JaccardIndex(pred, target *ts.Tensor, nclasses int64) float64 {
	p := pred.MustView([]int64{-1}, false)
	t := target.MustView([]int64{-1}, false)
	pVals := p.Int64Values()
	tVals := t.Int64Values()
	p.MustDrop()
	t.MustDrop()

	var sum float64
	for c := int64(0); c < nclasses; c++ {
		var overlap, union float64
		for i := range pVals {
			hitP := pVals[i] == c
			hitT := tVals[i] == c
			if hitP && hitT {
				overlap++
			}
			if hitP || hitT {
				union++
			}
		}
		if union == 0 {
			sum += 1.0
			continue
		}
		sum += overlap / union
	}

	return sum / float64(nclasses)
}

// SoftDiceLoss is a differentiable Dice loss over probability maps.
// Ref. http://campar.in.tum.de/pub/milletari2016Vnet/milletari2016Vnet.pdf
func SoftDiceLoss(x, y *ts.Tensor) *ts.Tensor {
	dims := []int64{-2, -1}
	smooth := 1.0

	xyMul := x.MustMul(y, false)
	tp := xyMul.MustSum1(dims, false, gotch.Double, true)

	y1 := y.MustAdd1(ts.FloatScalar(-1), false)
	xy1Mul := y1.MustMul(x, true)
	fp := xy1Mul.MustSum1(dims, false, gotch.Double, true)

	x1 := x.MustAdd1(ts.FloatScalar(-1), false)
	x1yMul := x1.MustMul(y, true)
	fn := x1yMul.MustSum1(dims, false, gotch.Double, true)

	numerator := tp.MustMul1(ts.FloatScalar(2.0), false).MustAdd1(ts.FloatScalar(smooth), true)
	denominator := numerator.MustAdd(fp, false).MustAdd(fn, true)

	dc := numerator.MustDiv(denominator, true)

	tp.MustDrop()
	fp.MustDrop()
	fn.MustDrop()
	denominator.MustDrop()

	mean := dc.MustMean(gotch.Double, true)

	retVal := mean.MustMul1(ts.FloatScalar(-1), true).MustAdd1(ts.FloatScalar(1), true)
	return retVal
}
