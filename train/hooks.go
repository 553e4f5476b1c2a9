package train

import (
	"fmt"
	"io/ioutil"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/lakeseg/dutil"
	"github.com/sugarme/lakeseg/pipeline"
)

// LrUpdaterHook adjusts the learning rate per the configured policy
// before every epoch (epoch-based runs) or iteration (iter-based runs).
type LrUpdaterHook struct {
	NopHook
	Cfg    LrConfig
	BaseLR float64
}

func (h *LrUpdaterHook) Name() string { return "LrUpdaterHook" }

func (h *LrUpdaterHook) BeforeRun(s *Session) error {
	s.LR = h.BaseLR
	s.Opt.SetLR(h.BaseLR)
	return nil
}

func (h *LrUpdaterHook) BeforeEpoch(s *Session) error {
	if !s.ByEpoch || s.Mode != "train" {
		return nil
	}
	return h.update(s, s.Epoch, s.MaxEpochs)
}

func (h *LrUpdaterHook) BeforeIter(s *Session) error {
	if s.ByEpoch || s.Mode != "train" {
		return nil
	}
	return h.update(s, s.Iter, s.MaxIters)
}

func (h *LrUpdaterHook) update(s *Session, progress, max int) error {
	lr, err := lrAt(h.Cfg, h.BaseLR, progress, max)
	if err != nil {
		return err
	}
	s.LR = lr
	s.Opt.SetLR(lr)
	return nil
}

// lrAt computes the learning rate at a given progress point out of max
// units (epochs or iterations).
func lrAt(cfg LrConfig, base float64, progress, max int) (float64, error) {
	switch cfg.Policy {
	case "", "fixed":
		return base, nil
	case "step":
		lr := base
		for _, milestone := range cfg.Step {
			if progress >= milestone {
				lr *= cfg.Gamma
			}
		}
		return lr, nil
	case "poly":
		if max <= 0 {
			return base, nil
		}
		p := float64(progress) / float64(max)
		return (base-cfg.MinLR)*math.Pow(1-p, cfg.Power) + cfg.MinLR, nil
	default:
		return 0, fmt.Errorf("unsupported lr policy %q", cfg.Policy)
	}
}

// OptimizerHook backprops the iteration loss and steps the optimizer,
// clipping gradients when configured.
type OptimizerHook struct {
	NopHook
	GradClip *float64
}

func (h *OptimizerHook) Name() string { return "OptimizerHook" }

func (h *OptimizerHook) AfterIter(s *Session) error {
	if s.Mode != "train" || s.Loss == nil {
		return nil
	}
	if h.GradClip != nil {
		s.Opt.BackwardStepClip(s.Loss, *h.GradClip)
	} else {
		s.Opt.BackwardStep(s.Loss)
	}
	return nil
}

// atInterval reports whether n completed units land on an interval
// boundary. Session counters include the current unit inside the
// after-iter/after-epoch callbacks, so a budget equal to the interval
// fires exactly once, at the end of the run.
func atInterval(n, interval int) bool {
	return interval > 0 && n > 0 && n%interval == 0
}

// CheckpointHook saves checkpoints every Interval epochs (or iterations
// for iter-based runs) and prunes old ones beyond MaxKeep.
type CheckpointHook struct {
	NopHook
	Interval int
	MaxKeep  int
}

func (h *CheckpointHook) Name() string { return "CheckpointHook" }

func (h *CheckpointHook) AfterEpoch(s *Session) error {
	if !s.ByEpoch || s.Mode != "train" {
		return nil
	}
	if !atInterval(s.Epoch, h.Interval) {
		return nil
	}
	return h.save(s)
}

func (h *CheckpointHook) AfterIter(s *Session) error {
	if s.ByEpoch || s.Mode != "train" {
		return nil
	}
	if !atInterval(s.Iter, h.Interval) {
		return nil
	}
	return h.save(s)
}

func (h *CheckpointHook) save(s *Session) error {
	path, err := s.SaveCheckpoint()
	if err != nil {
		return err
	}
	log.Printf("saved checkpoint %v", path)

	if h.MaxKeep > 0 {
		if err := pruneCheckpoints(s.WorkDir, h.MaxKeep); err != nil {
			return err
		}
	}
	return nil
}

// pruneCheckpoints deletes all but the keep newest checkpoint files and
// their meta sidecars.
func pruneCheckpoints(workDir string, keep int) error {
	entries, err := ioutil.ReadDir(workDir)
	if err != nil {
		return err
	}

	type ckpt struct {
		n    int
		path string
	}
	var found []ckpt
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := checkpointNumber(e.Name())
		if !ok {
			continue
		}
		found = append(found, ckpt{n: n, path: filepath.Join(workDir, e.Name())})
	}
	if len(found) <= keep {
		return nil
	}

	sort.Slice(found, func(i, j int) bool { return found[i].n > found[j].n })
	for _, c := range found[keep:] {
		if err := os.Remove(c.path); err != nil {
			return err
		}
		os.Remove(metaPath(c.path))
	}
	return nil
}

// LoggerHook prints periodic progress lines and drives a console
// progress bar over each training epoch.
type LoggerHook struct {
	NopHook
	Interval int

	bar *progressbar.ProgressBar
}

func (h *LoggerHook) Name() string { return "LoggerHook" }

func (h *LoggerHook) BeforeEpoch(s *Session) error {
	if s.Mode != "train" || s.Loader == nil {
		return nil
	}
	h.bar = progressbar.NewOptions(s.Loader.Len(),
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d", s.Epoch+1)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	return nil
}

func (h *LoggerHook) AfterIter(s *Session) error {
	if s.Mode != "train" {
		return nil
	}
	if h.bar != nil {
		h.bar.Add(1)
	}
	if atInterval(s.InnerIter, h.Interval) {
		log.Printf("Epoch [%d][%d/%d]\tlr: %.3e, loss: %.4f, iter time: %.3fs",
			s.Epoch+1, s.InnerIter, s.Loader.Len(), s.LR, s.LossVal, s.IterTime.Seconds())
	}
	return nil
}

func (h *LoggerHook) AfterEpoch(s *Session) error {
	if s.Mode != "train" {
		return nil
	}
	if h.bar != nil {
		h.bar.Finish()
		h.bar = nil
		fmt.Fprintln(os.Stderr)
	}
	log.Printf("Epoch %02d\t loss: %6.4f, lr: %.3e", s.Epoch, s.LossVal, s.LR)
	return nil
}

// IterTimerHook measures wall time per iteration.
type IterTimerHook struct {
	NopHook
	start time.Time
}

func (h *IterTimerHook) Name() string { return "IterTimerHook" }

func (h *IterTimerHook) BeforeIter(s *Session) error {
	h.start = time.Now()
	return nil
}

func (h *IterTimerHook) AfterIter(s *Session) error {
	s.IterTime = time.Since(h.start)
	return nil
}

// SamplerSeedHook reseeds the loader's sampler each epoch so shuffles
// differ across epochs but stay reproducible for a fixed base seed.
type SamplerSeedHook struct {
	NopHook
}

func (h *SamplerSeedHook) Name() string { return "SamplerSeedHook" }

func (h *SamplerSeedHook) BeforeEpoch(s *Session) error {
	if s.Mode != "train" || s.Loader == nil {
		return nil
	}
	s.Loader.Sampler().SetEpoch(s.Epoch + int(s.Seed))
	return nil
}

// EvalHook runs segmentation evaluation on the validation set every
// Interval epochs (or iterations) and logs the metric tables.
type EvalHook struct {
	NopHook
	Loader   *dutil.DataLoader
	Dataset  *SegDataset
	Interval int
	Metrics  []string
	Device   gotch.Device
}

func (h *EvalHook) Name() string { return "EvalHook" }

func (h *EvalHook) AfterEpoch(s *Session) error {
	if !s.ByEpoch || s.Mode != "train" {
		return nil
	}
	if !atInterval(s.Epoch, h.Interval) {
		return nil
	}
	return h.evaluate(s)
}

func (h *EvalHook) AfterIter(s *Session) error {
	if s.ByEpoch || s.Mode != "train" {
		return nil
	}
	if !atInterval(s.Iter, h.Interval) {
		return nil
	}
	return h.evaluate(s)
}

func (h *EvalHook) evaluate(s *Session) error {
	preds, indices, err := predictAll(h.Loader, s.Model, h.Device)
	if err != nil {
		return err
	}

	areas, err := h.Dataset.PreEval(preds, indices)
	if err != nil {
		return err
	}

	summary, err := h.Dataset.Evaluate(areas, h.Metrics...)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Printf("eval\t%v: %v", k, summary[k])
	}
	return nil
}

// predictAll runs the model over every sample in the loader without
// gradients and returns flattened per-sample class predictions along
// with the dataset indexes they correspond to.
func predictAll(loader *dutil.DataLoader, model *Model, device gotch.Device) ([][]int64, []int, error) {
	loader.Reset()

	var preds [][]int64
	var indices []int
	next := 0
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return nil, nil, err
		}
		samples, ok := batch.([]*pipeline.Sample)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected batch type %T", batch)
		}

		imgTs, maskTs, err := collate(samples)
		if err != nil {
			return nil, nil, err
		}
		if maskTs != nil {
			maskTs.MustDrop()
		}

		ts.NoGrad(func() {
			input := imgTs.MustTo(device, true)
			logit := model.Net.ForwardT(input, false)
			input.MustDrop()

			pred := logitsToPred(logit)
			n := int(pred.MustSize()[0])
			for i := 0; i < n; i++ {
				flat := pred.MustNarrow(0, int64(i), 1, false).MustView([]int64{-1}, true)
				preds = append(preds, flat.Int64Values())
				flat.MustDrop()
				indices = append(indices, next)
				next++
			}
			pred.MustDrop()
		})
	}

	return preds, indices, nil
}

// logitsToPred turns network logits into integer class maps. One-channel
// outputs are thresholded at 0.5 after a sigmoid; multi-channel outputs
// take the channel argmax. Consumes logit.
func logitsToPred(logit *ts.Tensor) *ts.Tensor {
	size := logit.MustSize()
	if len(size) == 4 && size[1] == 1 {
		bin := logit.MustSigmoid(true).MustGt(ts.FloatScalar(0.5), true)
		return bin.MustTotype(gotch.Int64, true).MustSqueeze1(1, true)
	}
	return logit.MustArgmax(1, false, true)
}

// DistEvalHook is EvalHook for distributed runs: only rank zero
// evaluates and logs.
type DistEvalHook struct {
	EvalHook
}

func (h *DistEvalHook) Name() string { return "DistEvalHook" }

func (h *DistEvalHook) AfterEpoch(s *Session) error {
	if s.Rank != 0 {
		return nil
	}
	return h.EvalHook.AfterEpoch(s)
}

func (h *DistEvalHook) AfterIter(s *Session) error {
	if s.Rank != 0 {
		return nil
	}
	return h.EvalHook.AfterIter(s)
}
