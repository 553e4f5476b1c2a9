package train

import (
	"fmt"
	"log"
	"math"
	"reflect"
	"strconv"

	"github.com/sugarme/lakeseg/lake"
	"github.com/sugarme/lakeseg/metric"
	"github.com/sugarme/lakeseg/pipeline"
)

// SegDataset adapts a stored dataset to the loader and evaluation sides:
// it feeds transformed samples to a DataLoader and, for val/test, keeps
// ground-truth maps in memory for metric computation.
type SegDataset struct {
	ds           *lake.Dataset
	imagesTensor string
	masksTensor  string
	mode         string // train|val|test

	transform transformFn
	classes   []string

	ignoreIndex     int64
	reduceZeroLabel bool
	numGPUs         int

	gtMaps          [][]int64
	inferredClasses int
}

// SegDatasetConfig parameterizes NewSegDataset.
type SegDatasetConfig struct {
	Dataset      *lake.Dataset
	ImagesTensor string
	MasksTensor  string
	Pipeline     *pipeline.Compose
	Mode         string
	ToBGR        bool

	IgnoreIndex     int64
	ReduceZeroLabel bool
	NumGPUs         int
}

// NewSegDataset creates a SegDataset. For val/test modes the annotation
// maps are loaded into memory up front.
func NewSegDataset(cfg SegDatasetConfig) (*SegDataset, error) {
	if cfg.Dataset == nil {
		return nil, fmt.Errorf("dataset must not be nil")
	}
	if cfg.Mode == "" {
		cfg.Mode = "train"
	}
	if cfg.NumGPUs == 0 {
		cfg.NumGPUs = 1
	}

	tf, err := makeTransform(cfg.Dataset, cfg.ImagesTensor, cfg.MasksTensor, cfg.Pipeline, cfg.ToBGR)
	if err != nil {
		return nil, err
	}

	sd := &SegDataset{
		ds:              cfg.Dataset,
		imagesTensor:    cfg.ImagesTensor,
		masksTensor:     cfg.MasksTensor,
		mode:            cfg.Mode,
		transform:       tf,
		ignoreIndex:     cfg.IgnoreIndex,
		reduceZeroLabel: cfg.ReduceZeroLabel,
		numGPUs:         cfg.NumGPUs,
	}

	if cfg.MasksTensor != "" {
		maskT, err := cfg.Dataset.Tensor(cfg.MasksTensor)
		if err != nil {
			return nil, err
		}
		sd.classes = maskT.Info().ClassNames

		if cfg.Mode == "val" || cfg.Mode == "test" {
			log.Println("Loading annotations into memory")
			sd.gtMaps = make([][]int64, cfg.Dataset.NumSamples())
			for i := range sd.gtMaps {
				m, err := maskT.Sample(i)
				if err != nil {
					return nil, fmt.Errorf("loading annotation %v failed: %w", i, err)
				}
				flat := m.MustView([]int64{-1}, false)
				sd.gtMaps[i] = flat.Int64Values()
				flat.MustDrop()
				m.MustDrop()

				// the label range stands in for class names when the
				// store carries none
				if len(sd.classes) == 0 {
					for _, v := range sd.gtMaps[i] {
						if v != sd.ignoreIndex && int(v)+1 > sd.inferredClasses {
							sd.inferredClasses = int(v) + 1
						}
					}
				}
			}
			log.Println("Annotations are loaded into memory")
		}
	}

	return sd, nil
}

// Len implements dutil.Dataset.
func (d *SegDataset) Len() int { return d.ds.NumSamples() }

// Item implements dutil.Dataset. It returns a *pipeline.Sample.
func (d *SegDataset) Item(idx int) (interface{}, error) {
	return d.transform(idx)
}

// DType implements dutil.Dataset.
func (d *SegDataset) DType() reflect.Type { return reflect.TypeOf(&pipeline.Sample{}) }

// Classes returns the class names of the mask tensor.
func (d *SegDataset) Classes() []string { return d.classes }

// numClasses is the class count used for evaluation: the stored names
// when present, otherwise the count inferred from the annotation labels.
func (d *SegDataset) numClasses() int {
	if len(d.classes) > 0 {
		return len(d.classes)
	}
	return d.inferredClasses
}

// Mode returns the dataset mode (train, val or test).
func (d *SegDataset) Mode() string { return d.mode }

// GetGtSegMap returns one flattened ground-truth map for evaluation.
func (d *SegDataset) GetGtSegMap(idx int) ([]int64, error) {
	if d.gtMaps == nil {
		return nil, fmt.Errorf("ground-truth maps are only loaded in val/test mode. Mode: %q", d.mode)
	}
	if idx < 0 || idx >= len(d.gtMaps) {
		return nil, fmt.Errorf("ground-truth index %v out of range (%v maps)", idx, len(d.gtMaps))
	}
	return d.gtMaps[idx], nil
}

// PreEval computes per-sample areas for flattened predicted maps against
// the stored ground truth at indices.
func (d *SegDataset) PreEval(preds [][]int64, indices []int) ([]metric.Areas, error) {
	if len(preds) != len(indices) {
		return nil, fmt.Errorf("predictions and indices sizes mismatch: %v vs %v", len(preds), len(indices))
	}

	results := make([]metric.Areas, len(preds))
	for i, pred := range preds {
		gt, err := d.GetGtSegMap(indices[i])
		if err != nil {
			return nil, err
		}
		areas, err := metric.IntersectAndUnion(pred, gt, d.numClasses(), d.ignoreIndex, d.reduceZeroLabel)
		if err != nil {
			return nil, fmt.Errorf("evaluating sample %v failed: %w", indices[i], err)
		}
		results[i] = areas
	}

	return results, nil
}

// Evaluate aggregates per-sample areas into the requested metrics, logs
// per-class and summary tables and returns the flat result map: summary
// keys (aAcc, mIoU, ...) plus per-class keys like "IoU.<class>". Values
// are fractions rounded the same way the tables are.
func (d *SegDataset) Evaluate(results []metric.Areas, metrics ...string) (map[string]float64, error) {
	if len(metrics) == 0 {
		metrics = []string{metric.MIoU}
	}
	if err := metric.CheckMetrics(metrics); err != nil {
		return nil, err
	}

	// with several GPUs each rank contributed an interleaved shard
	if d.numGPUs > 1 {
		ordered := make([]metric.Areas, 0, len(results))
		for i := 0; i < d.numGPUs; i++ {
			for j := i; j < len(results); j += d.numGPUs {
				ordered = append(ordered, results[j])
			}
		}
		results = ordered
	}

	ret, err := metric.PreEvalToMetrics(results, metrics)
	if err != nil {
		return nil, err
	}

	classNames := d.classes
	if len(classNames) == 0 {
		// unnamed classes get numeric labels
		if d.inferredClasses == 0 {
			return nil, fmt.Errorf("dataset has no class names and no annotations to infer them from")
		}
		classNames = make([]string, d.inferredClasses)
		for i := range classNames {
			classNames[i] = strconv.Itoa(i)
		}
	}

	classTable, summaryTable := renderMetricTables(classNames, ret)
	log.Printf("per class results:\n%v", classTable)
	log.Printf("Summary:\n%v", summaryTable)

	evalResults := make(map[string]float64)
	for key, vals := range ret {
		if key == "aAcc" {
			evalResults[key] = round2(vals[0]*100) / 100
			continue
		}
		evalResults["m"+key] = round2(metric.NanMean(vals)*100) / 100
		for i, name := range classNames {
			if i < len(vals) {
				evalResults[key+"."+name] = round2(vals[i]*100) / 100
			}
		}
	}

	return evalResults, nil
}

// EvaluateSegMaps evaluates raw predicted maps (flattened class indexes,
// one per sample in dataset order) instead of pre-computed areas.
func (d *SegDataset) EvaluateSegMaps(preds [][]int64, metrics ...string) (map[string]float64, error) {
	indices := make([]int, len(preds))
	for i := range indices {
		indices[i] = i
	}

	results, err := d.PreEval(preds, indices)
	if err != nil {
		return nil, err
	}

	return d.Evaluate(results, metrics...)
}

func round2(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Round(v*100) / 100
}
