package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/lakeseg/lake"
	"github.com/sugarme/lakeseg/metric"
)

func maskSource(maps [][]int64) *lake.FuncSource {
	return &lake.FuncSource{
		N: len(maps),
		Fn: func(idx int) (*ts.Tensor, error) {
			return ts.MustOfSlice(maps[idx]).MustView([]int64{2, 2}, true), nil
		},
	}
}

func evalTestDataset(t *testing.T, gts [][]int64) *SegDataset {
	t.Helper()

	ds := lake.NewDataset("eval")
	imgs := lake.NewTensor("images", lake.Info{Htype: lake.HtypeImage}, &lake.FuncSource{N: len(gts)})
	masks := lake.NewTensor("masks", lake.Info{
		Htype:      lake.HtypeSegmentMask,
		ClassNames: []string{"background", "lesion"},
	}, maskSource(gts))
	require.NoError(t, ds.AddTensor(imgs))
	require.NoError(t, ds.AddTensor(masks))

	sd, err := NewSegDataset(SegDatasetConfig{
		Dataset:      ds,
		ImagesTensor: "images",
		MasksTensor:  "masks",
		Mode:         "val",
		IgnoreIndex:  255,
	})
	require.NoError(t, err)
	return sd
}

func TestSegDatasetPreEval(t *testing.T) {
	sd := evalTestDataset(t, [][]int64{
		{0, 0, 1, 1},
		{0, 1, 0, 1},
	})

	areas, err := sd.PreEval([][]int64{{0, 1, 1, 1}}, []int{0})
	require.NoError(t, err)
	require.Len(t, areas, 1)

	assert.Equal(t, []float64{1, 2}, areas[0].Intersect)
	assert.Equal(t, []float64{2, 3}, areas[0].Union)
	assert.Equal(t, []float64{1, 3}, areas[0].Pred)
	assert.Equal(t, []float64{2, 2}, areas[0].Label)
}

func TestSegDatasetEvaluate(t *testing.T) {
	sd := evalTestDataset(t, [][]int64{
		{0, 0, 1, 1},
		{0, 1, 0, 1},
	})

	res, err := sd.EvaluateSegMaps([][]int64{
		{0, 1, 1, 1}, // one background pixel misread as lesion
		{0, 1, 0, 1}, // perfect
	})
	require.NoError(t, err)

	// IoU: background 3/4, lesion 4/5. aAcc: 7/8.
	assert.InDelta(t, 0.875, res["aAcc"], 1e-9)
	assert.InDelta(t, 0.775, res["mIoU"], 1e-9)
	assert.InDelta(t, 0.75, res["IoU.background"], 1e-9)
	assert.InDelta(t, 0.8, res["IoU.lesion"], 1e-9)
}

func TestSegDatasetEvaluateNumericClassNames(t *testing.T) {
	// A store without class names still evaluates: classes are inferred
	// from the label range and named by index.
	ds := lake.NewDataset("eval")
	gts := [][]int64{
		{0, 0, 1, 1},
		{0, 1, 0, 1},
	}
	imgs := lake.NewTensor("images", lake.Info{Htype: lake.HtypeImage}, &lake.FuncSource{N: len(gts)})
	masks := lake.NewTensor("masks", lake.Info{Htype: lake.HtypeSegmentMask}, maskSource(gts))
	require.NoError(t, ds.AddTensor(imgs))
	require.NoError(t, ds.AddTensor(masks))

	sd, err := NewSegDataset(SegDatasetConfig{
		Dataset:      ds,
		ImagesTensor: "images",
		MasksTensor:  "masks",
		Mode:         "val",
		IgnoreIndex:  255,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sd.numClasses())

	res, err := sd.EvaluateSegMaps(gts)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res["mIoU"], 1e-9)
	assert.InDelta(t, 1.0, res["IoU.0"], 1e-9)
	assert.InDelta(t, 1.0, res["IoU.1"], 1e-9)
}

func TestSegDatasetEvaluateRejectsUnknownMetric(t *testing.T) {
	sd := evalTestDataset(t, [][]int64{{0, 0, 1, 1}})

	_, err := sd.Evaluate([]metric.Areas{}, "mAP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mAP")
}

func TestSegDatasetGtMapsOnlyInValMode(t *testing.T) {
	ds := testLakeDataset(t, 2)
	sd, err := NewSegDataset(SegDatasetConfig{
		Dataset:      ds,
		ImagesTensor: "images",
		MasksTensor:  "masks",
		Mode:         "train",
	})
	require.NoError(t, err)

	_, err = sd.GetGtSegMap(0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "val/test")
}

func TestSegDatasetMultiGPUReorder(t *testing.T) {
	sd := evalTestDataset(t, [][]int64{
		{0, 0, 1, 1},
		{0, 1, 0, 1},
	})
	sd.numGPUs = 2

	// Shards arrive rank-interleaved; the aggregate result must match the
	// in-order evaluation since area sums are order independent.
	areas, err := sd.PreEval([][]int64{{0, 0, 1, 1}, {0, 1, 0, 1}}, []int{0, 1})
	require.NoError(t, err)

	res, err := sd.Evaluate([]metric.Areas{areas[1], areas[0]})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res["mIoU"], 1e-9)
	assert.InDelta(t, 1.0, res["aAcc"], 1e-9)
}
