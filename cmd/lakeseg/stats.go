package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/lakeseg/lake"
)

var statsOut string

// statsCmd computes per-sample annotation statistics over the mask
// tensor: pixels per class and the labelled (non-background) fraction.
// It writes a CSV, prints a dataframe summary and saves a histogram of
// labelled fractions.
var statsCmd = &cobra.Command{
	Use:   "stats <dataset-dir>",
	Short: "Summarize mask class statistics of a stored dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := lake.Open(args[0])
		if err != nil {
			return err
		}
		maskName, err := lake.FindTensorWithHtype(ds, lake.HtypeSegmentMask, "mask")
		if err != nil {
			return err
		}
		maskT, err := ds.Tensor(maskName)
		if err != nil {
			return err
		}

		numClasses := len(maskT.Info().ClassNames)
		if numClasses == 0 {
			numClasses = 2
		}

		records := [][]string{{"sample", "pixels", "labelled_fraction"}}
		fractions := make([]float64, 0, maskT.Len())

		bar := progressbar.NewOptions(maskT.Len(),
			progressbar.OptionSetDescription("Scanning masks"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		classPixels := make([]int64, numClasses)
		for i := 0; i < maskT.Len(); i++ {
			m, err := maskT.Sample(i)
			if err != nil {
				return err
			}
			flat := m.MustView([]int64{-1}, true)
			vals := flat.Int64Values()
			flat.MustDrop()

			var labelled int64
			for _, v := range vals {
				if v >= 0 && v < int64(numClasses) {
					classPixels[v]++
				}
				if v != 0 {
					labelled++
				}
			}
			frac := float64(labelled) / float64(len(vals))
			fractions = append(fractions, frac)
			records = append(records, []string{
				fmt.Sprintf("%d", i),
				fmt.Sprintf("%d", len(vals)),
				fmt.Sprintf("%.6f", frac),
			})
			bar.Add(1)
		}
		fmt.Fprintln(os.Stderr)

		df := dataframe.LoadRecords(records)
		fmt.Println(df.Describe())

		names := maskT.Info().ClassNames
		for c, n := range classPixels {
			label := fmt.Sprintf("class %d", c)
			if c < len(names) {
				label = names[c]
			}
			fmt.Printf("%v: %v pixels\n", label, n)
		}
		fmt.Printf("labelled fraction mean: %.4f, stddev: %.4f\n",
			stat.Mean(fractions, nil), stat.StdDev(fractions, nil))

		csvPath := filepath.Join(statsOut, "mask_stats.csv")
		if err := os.MkdirAll(statsOut, 0o755); err != nil {
			return err
		}
		f, err := os.Create(csvPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := df.WriteCSV(f); err != nil {
			return err
		}
		log.Printf("wrote %v", csvPath)

		return saveHistogram(fractions, filepath.Join(statsOut, "labelled_fraction.png"))
	},
}

func saveHistogram(fractions []float64, path string) error {
	p, err := plot.New()
	if err != nil {
		return err
	}

	v := make(plotter.Values, len(fractions))
	copy(v, fractions)

	h, err := plotter.NewHist(v, 10)
	if err != nil {
		return err
	}
	p.Title.Text = "Labelled Fraction Histogram"
	p.Add(h)

	if err := p.Save(4*vg.Inch, 4*vg.Inch, path); err != nil {
		return err
	}
	log.Printf("wrote %v", path)

	return nil
}

func init() {
	statsCmd.Flags().StringVar(&statsOut, "out", ".", "output directory for CSV and plots")
}
