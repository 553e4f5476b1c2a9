package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sugarme/lakeseg/lake"
	"github.com/sugarme/lakeseg/train"
)

var (
	evalPredTensor string
	evalGtTensor   string
	evalImgTensor  string
	evalMetrics    string
)

// evalCmd scores a stored prediction tensor against the dataset's
// ground-truth masks. For directory stores, predictions live in a
// sibling subdirectory of image/ and mask/ (pred/ by default) holding
// one mask file per image. Predictions use the same class indexing as
// the annotation tensor.
var evalCmd = &cobra.Command{
	Use:   "eval <dataset-dir>",
	Short: "Evaluate predicted masks stored alongside the ground truth",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEval(args[0])
	},
}

func runEval(path string) error {
	ds, err := lake.Open(path)
	if err != nil {
		return err
	}

	predT, err := ds.Tensor(evalPredTensor)
	if err != nil {
		return err
	}

	sd, err := train.NewSegDataset(train.SegDatasetConfig{
		Dataset:      ds,
		ImagesTensor: evalImgTensor,
		MasksTensor:  evalGtTensor,
		Mode:         "test",
		IgnoreIndex:  255,
	})
	if err != nil {
		return err
	}

	preds := make([][]int64, predT.Len())
	for i := range preds {
		m, err := predT.Sample(i)
		if err != nil {
			return fmt.Errorf("loading prediction %v failed: %w", i, err)
		}
		flat := m.MustView([]int64{-1}, true)
		preds[i] = flat.Int64Values()
		flat.MustDrop()
	}

	metrics := strings.Split(evalMetrics, ",")
	results, err := sd.EvaluateSegMaps(preds, metrics...)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%v: %v\n", k, results[k])
	}

	return nil
}

func init() {
	evalCmd.Flags().StringVar(&evalPredTensor, "pred", "pred", "name of the prediction tensor")
	evalCmd.Flags().StringVar(&evalGtTensor, "gt", "masks", "name of the ground-truth tensor")
	evalCmd.Flags().StringVar(&evalImgTensor, "images", "images", "name of the image tensor")
	evalCmd.Flags().StringVar(&evalMetrics, "metrics", "mIoU", "comma-separated metrics (mIoU, mDice, mFscore)")
}
