package metric_test

import (
	"math"
	"testing"

	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/lakeseg/metric"
)

func approxEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-4
}

func TestDiceCoeff(t *testing.T) {
	pslice := []int64{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice := []int64{1, 0, 0, 1, 1, 0, 1, 0, 0}

	pred := ts.MustOfSlice(pslice).MustView([]int64{1, 3, 3}, true)
	target := ts.MustOfSlice(tslice).MustView([]int64{1, 3, 3}, true)

	dice := metric.DiceCoeff(pred, target)
	if !approxEq(dice, 0.8571) {
		t.Errorf("want dice 0.8571, got %0.4f", dice)
	}

	pred.MustDrop()
	target.MustDrop()
}

func TestIoU(t *testing.T) {
	pslice := []int64{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice := []int64{1, 0, 0, 1, 1, 0, 1, 0, 0}

	pred := ts.MustOfSlice(pslice).MustView([]int64{1, 3, 3}, true)
	target := ts.MustOfSlice(tslice).MustView([]int64{1, 3, 3}, true)

	iou := metric.IoU(pred, target)
	if !approxEq(iou, 0.7500) {
		t.Errorf("want IoU 0.7500, got %0.4f", iou)
	}

	pred.MustDrop()
	target.MustDrop()
}

func TestJaccardIndex(t *testing.T) {
	pslice := []int64{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice := []int64{1, 0, 0, 1, 1, 0, 1, 0, 0}

	pred := ts.MustOfSlice(pslice).MustView([]int64{1, 3, 3}, true)
	target := ts.MustOfSlice(tslice).MustView([]int64{1, 3, 3}, true)

	// class 0: overlap 5, union 6; class 1: overlap 3, union 4
	want := (5.0/6.0 + 3.0/4.0) / 2.0
	iou := metric.JaccardIndex(pred, target, 2)
	if !approxEq(iou, want) {
		t.Errorf("want Jaccard %0.4f, got %0.4f", want, iou)
	}

	pred.MustDrop()
	target.MustDrop()
}

func TestBCEWithLogitsLoss(t *testing.T) {
	// Zero logits are maximally uncertain: the mean loss is ln(2) for any
	// binary target.
	logit := ts.MustOfSlice([]float64{0, 0, 0, 0}).MustView([]int64{1, 2, 2}, true)
	target := ts.MustOfSlice([]float64{1, 0, 1, 0}).MustView([]int64{1, 2, 2}, true)

	loss := metric.BCEWithLogitsLoss(logit, target)
	got := loss.Float64Values()[0]
	if !approxEq(got, math.Log(2)) {
		t.Errorf("want loss %0.6f, got %0.6f", math.Log(2), got)
	}
	loss.MustDrop()
	logit.MustDrop()
	target.MustDrop()

	// Confident correct logits: loss = ln(1 + e^-2) per element.
	logit = ts.MustOfSlice([]float64{2, -2}).MustView([]int64{1, 2}, true)
	target = ts.MustOfSlice([]float64{1, 0}).MustView([]int64{1, 2}, true)

	loss = metric.BCEWithLogitsLoss(logit, target)
	got = loss.Float64Values()[0]
	want := math.Log(1 + math.Exp(-2))
	if !approxEq(got, want) {
		t.Errorf("want loss %0.6f, got %0.6f", want, got)
	}
	loss.MustDrop()
	logit.MustDrop()
	target.MustDrop()
}

func TestSoftDiceLoss(t *testing.T) {
	// Identical probability maps give zero loss.
	x := ts.MustOfSlice([]float64{1, 1, 1, 0}).MustView([]int64{1, 2, 2}, true)
	y := ts.MustOfSlice([]float64{1, 1, 1, 0}).MustView([]int64{1, 2, 2}, true)

	loss := metric.SoftDiceLoss(x, y)
	got := loss.Float64Values()[0]
	if !approxEq(got, 0.0) {
		t.Errorf("want loss 0, got %0.6f", got)
	}
	loss.MustDrop()
	x.MustDrop()
	y.MustDrop()

	// One missed foreground pixel: tp=2, fn=-1, smoothed dice
	// (2*2+1)/(2*2+1-1) = 1.25, loss 1-1.25 = -0.25.
	x = ts.MustOfSlice([]float64{1, 1, 0, 0}).MustView([]int64{1, 2, 2}, true)
	y = ts.MustOfSlice([]float64{1, 1, 1, 0}).MustView([]int64{1, 2, 2}, true)

	loss = metric.SoftDiceLoss(x, y)
	got = loss.Float64Values()[0]
	if !approxEq(got, -0.25) {
		t.Errorf("want loss -0.25, got %0.6f", got)
	}
	loss.MustDrop()
	x.MustDrop()
	y.MustDrop()
}

func TestDiceCoeffBatch(t *testing.T) {
	pslice := []float64{1, 0, 0, 1, 1, 0, 0, 0}
	tslice := []float64{1, 0, 0, 1, 1, 1, 0, 0}

	pred := ts.MustOfSlice(pslice).MustView([]int64{2, 2, 2}, true)
	target := ts.MustOfSlice(tslice).MustView([]int64{2, 2, 2}, true)

	// sample 0: perfect overlap (dice 1); sample 1: overlap 1, sums 1+2
	want := (1.0 + 2.0/3.0) / 2.0
	dice := metric.DiceCoeffBatch(pred, target)
	if !approxEq(dice, want) {
		t.Errorf("want batch dice %0.4f, got %0.4f", want, dice)
	}

	pred.MustDrop()
	target.MustDrop()
}
