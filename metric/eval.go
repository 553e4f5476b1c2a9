package metric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	ts "github.com/sugarme/gotch/tensor"
)

// Metric names accepted by EvalMetrics and friends.
const (
	MIoU    = "mIoU"
	MDice   = "mDice"
	MFscore = "mFscore"
)

var allowedMetrics = []string{MIoU, MDice, MFscore}

// Areas holds per-class pixel areas for one prediction/ground-truth pair:
// intersection, union, prediction and label histograms.
type Areas struct {
	Intersect []float64
	Union     []float64
	Pred      []float64
	Label     []float64
}

// NumClasses returns the number of classes the areas were computed over.
func (a Areas) NumClasses() int {
	return len(a.Intersect)
}

// CheckMetrics validates requested metric names.
func CheckMetrics(metrics []string) error {
	for _, m := range metrics {
		var ok bool
		for _, a := range allowedMetrics {
			if m == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("metric %v is not supported. Expected one of %v", m, allowedMetrics)
		}
	}

	return nil
}

// IntersectAndUnion computes per-class areas between a predicted
// segmentation map and its ground truth. Pixels whose label equals
// ignoreIndex are excluded. With reduceZeroLabel, label 0 is treated as
// background to ignore and the remaining labels are shifted down by one.
func IntersectAndUnion(pred, label []int64, numClasses int, ignoreIndex int64, reduceZeroLabel bool) (Areas, error) {
	if len(pred) != len(label) {
		return Areas{}, fmt.Errorf("prediction and label sizes mismatch: %v vs %v", len(pred), len(label))
	}

	areas := Areas{
		Intersect: make([]float64, numClasses),
		Union:     make([]float64, numClasses),
		Pred:      make([]float64, numClasses),
		Label:     make([]float64, numClasses),
	}

	for i := range label {
		l := label[i]
		if reduceZeroLabel {
			if l == 0 {
				continue
			}
			l--
			if l == ignoreIndex-1 {
				l = ignoreIndex
			}
		}
		if l == ignoreIndex {
			continue
		}
		if l < 0 || l >= int64(numClasses) {
			return Areas{}, fmt.Errorf("label value %v out of range for %v classes", l, numClasses)
		}

		p := pred[i]
		if p >= 0 && p < int64(numClasses) {
			areas.Pred[p]++
		}
		areas.Label[l]++
		if p == l {
			areas.Intersect[l]++
		}
	}

	for c := 0; c < numClasses; c++ {
		areas.Union[c] = areas.Pred[c] + areas.Label[c] - areas.Intersect[c]
	}

	return areas, nil
}

// IntersectAndUnionTs is IntersectAndUnion over tensors holding class
// indexes (any shape; both are flattened).
func IntersectAndUnionTs(pred, label *ts.Tensor, numClasses int, ignoreIndex int64, reduceZeroLabel bool) (Areas, error) {
	p := pred.MustView([]int64{-1}, false)
	l := label.MustView([]int64{-1}, false)
	pVals := p.Int64Values()
	lVals := l.Int64Values()
	p.MustDrop()
	l.MustDrop()

	return IntersectAndUnion(pVals, lVals, numClasses, ignoreIndex, reduceZeroLabel)
}

// TotalIntersectAndUnion sums per-sample areas into dataset totals.
func TotalIntersectAndUnion(results []Areas) (Areas, error) {
	if len(results) == 0 {
		return Areas{}, fmt.Errorf("no evaluation results to aggregate")
	}

	numClasses := results[0].NumClasses()
	total := Areas{
		Intersect: make([]float64, numClasses),
		Union:     make([]float64, numClasses),
		Pred:      make([]float64, numClasses),
		Label:     make([]float64, numClasses),
	}

	for _, r := range results {
		if r.NumClasses() != numClasses {
			return Areas{}, fmt.Errorf("class count mismatch in results: %v vs %v", r.NumClasses(), numClasses)
		}
		floats.Add(total.Intersect, r.Intersect)
		floats.Add(total.Union, r.Union)
		floats.Add(total.Pred, r.Pred)
		floats.Add(total.Label, r.Label)
	}

	return total, nil
}

// EvalMetrics turns total areas into named metric vectors. The returned map
// holds "aAcc" as a single-element slice and per-class slices for the
// requested metric families: IoU/Acc for mIoU, Dice for mDice and
// Fscore/Precision/Recall for mFscore. Values are fractions; entries are
// NaN for classes absent from both prediction and ground truth.
func EvalMetrics(total Areas, metrics []string, beta float64) (map[string][]float64, error) {
	if err := CheckMetrics(metrics); err != nil {
		return nil, err
	}
	if beta <= 0 {
		beta = 1
	}

	numClasses := total.NumClasses()
	ret := make(map[string][]float64)
	ret["aAcc"] = []float64{safeDiv(floats.Sum(total.Intersect), floats.Sum(total.Label))}

	for _, m := range metrics {
		switch m {
		case MIoU:
			iou := make([]float64, numClasses)
			acc := make([]float64, numClasses)
			for c := 0; c < numClasses; c++ {
				iou[c] = safeDiv(total.Intersect[c], total.Union[c])
				acc[c] = safeDiv(total.Intersect[c], total.Label[c])
			}
			ret["IoU"] = iou
			ret["Acc"] = acc
		case MDice:
			dice := make([]float64, numClasses)
			acc := make([]float64, numClasses)
			for c := 0; c < numClasses; c++ {
				dice[c] = safeDiv(2*total.Intersect[c], total.Pred[c]+total.Label[c])
				acc[c] = safeDiv(total.Intersect[c], total.Label[c])
			}
			ret["Dice"] = dice
			ret["Acc"] = acc
		case MFscore:
			precision := make([]float64, numClasses)
			recall := make([]float64, numClasses)
			fscore := make([]float64, numClasses)
			for c := 0; c < numClasses; c++ {
				precision[c] = safeDiv(total.Intersect[c], total.Pred[c])
				recall[c] = safeDiv(total.Intersect[c], total.Label[c])
				fscore[c] = fScore(precision[c], recall[c], beta)
			}
			ret["Fscore"] = fscore
			ret["Precision"] = precision
			ret["Recall"] = recall
		}
	}

	return ret, nil
}

// PreEvalToMetrics aggregates per-sample areas and computes metrics in one
// step.
func PreEvalToMetrics(results []Areas, metrics []string) (map[string][]float64, error) {
	total, err := TotalIntersectAndUnion(results)
	if err != nil {
		return nil, err
	}

	return EvalMetrics(total, metrics, 1)
}

// NanMean averages vals skipping NaN entries. It returns NaN when every
// entry is NaN.
func NanMean(vals []float64) float64 {
	var sum float64
	var n int
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}

	return sum / float64(n)
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

func fScore(precision, recall, beta float64) float64 {
	denom := beta*beta*precision + recall
	if denom == 0 || math.IsNaN(denom) {
		return math.NaN()
	}
	return (1 + beta*beta) * precision * recall / denom
}
