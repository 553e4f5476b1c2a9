package train

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/lakeseg/dutil"
	"github.com/sugarme/lakeseg/pipeline"
)

// Priority orders hook invocation; lower values run first.
type Priority int

// Hook priorities, highest first.
const (
	PriorityHighest     Priority = 0
	PriorityVeryHigh    Priority = 10
	PriorityHigh        Priority = 30
	PriorityAboveNormal Priority = 40
	PriorityNormal      Priority = 50
	PriorityBelowNormal Priority = 60
	PriorityLow         Priority = 70
	PriorityVeryLow     Priority = 90
	PriorityLowest      Priority = 100
)

// Hook receives callbacks at fixed points of the training loop.
type Hook interface {
	Name() string
	BeforeRun(s *Session) error
	AfterRun(s *Session) error
	BeforeEpoch(s *Session) error
	AfterEpoch(s *Session) error
	BeforeIter(s *Session) error
	AfterIter(s *Session) error
}

// NopHook is a Hook base with no-op callbacks.
type NopHook struct{}

func (NopHook) BeforeRun(*Session) error   { return nil }
func (NopHook) AfterRun(*Session) error    { return nil }
func (NopHook) BeforeEpoch(*Session) error { return nil }
func (NopHook) AfterEpoch(*Session) error  { return nil }
func (NopHook) BeforeIter(*Session) error  { return nil }
func (NopHook) AfterIter(*Session) error   { return nil }

// Session is the loop state handed to hooks.
type Session struct {
	Model   *Model
	Opt     *nn.Optimizer
	Device  gotch.Device
	WorkDir string
	Seed    int64
	Rank    int

	// Epoch, Iter and InnerIter count completed units: inside the
	// after-iter/after-epoch callbacks they include the current one, so
	// interval checks and checkpoint names line up with the optimizer
	// steps already taken.
	Epoch     int
	Iter      int
	InnerIter int
	MaxEpochs int
	MaxIters  int
	ByEpoch   bool

	Mode string // train|val

	// Loss holds the current iteration's loss between forward and the
	// optimizer hook. Nil outside that window.
	Loss     *ts.Tensor
	LossVal  float64
	LR       float64
	IterTime time.Duration

	Loader *dutil.DataLoader
}

// SaveCheckpoint writes the model weights plus loop state to the work
// dir, named by epoch or iteration, and returns the weight path.
func (s *Session) SaveCheckpoint() (string, error) {
	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("creating work dir failed: %w", err)
	}

	var name string
	if s.ByEpoch {
		name = fmt.Sprintf("epoch_%d%v", s.Epoch, checkpointExt)
	} else {
		name = fmt.Sprintf("iter_%d%v", s.Iter, checkpointExt)
	}
	path := filepath.Join(s.WorkDir, name)

	if err := s.Model.VS.Save(path); err != nil {
		return "", fmt.Errorf("saving checkpoint %v failed: %w", path, err)
	}
	meta := checkpointMeta{Epoch: s.Epoch, Iter: s.Iter}
	if err := writeCheckpointMeta(path, meta); err != nil {
		return "", err
	}

	return path, nil
}

// Runner drives the training workflow and its hooks.
type Runner interface {
	Run(loaders []*dutil.DataLoader, flow []FlowStage) error
	Resume(path string) error
	LoadCheckpoint(path string) error
	RegisterHook(h Hook, prio Priority)
}

type hookPoint int

const (
	beforeRun hookPoint = iota
	afterRun
	beforeEpoch
	afterEpoch
	beforeIter
	afterIter
)

type hookEntry struct {
	hook Hook
	prio Priority
}

type baseRunner struct {
	sess  *Session
	hooks []hookEntry
}

func newBaseRunner(model *Model, opt *nn.Optimizer, device gotch.Device, workDir string, seed int64, rank int) *baseRunner {
	return &baseRunner{
		sess: &Session{
			Model:   model,
			Opt:     opt,
			Device:  device,
			WorkDir: workDir,
			Seed:    seed,
			Rank:    rank,
		},
	}
}

// RegisterHook inserts h keeping ascending priority order; equal
// priorities keep registration order.
func (r *baseRunner) RegisterHook(h Hook, prio Priority) {
	entry := hookEntry{hook: h, prio: prio}
	at := len(r.hooks)
	for i, e := range r.hooks {
		if prio < e.prio {
			at = i
			break
		}
	}
	r.hooks = append(r.hooks, hookEntry{})
	copy(r.hooks[at+1:], r.hooks[at:])
	r.hooks[at] = entry
}

// Hooks returns registered hook names in invocation order.
func (r *baseRunner) Hooks() []string {
	names := make([]string, len(r.hooks))
	for i, e := range r.hooks {
		names[i] = e.hook.Name()
	}
	return names
}

func (r *baseRunner) call(point hookPoint) error {
	for _, e := range r.hooks {
		var err error
		switch point {
		case beforeRun:
			err = e.hook.BeforeRun(r.sess)
		case afterRun:
			err = e.hook.AfterRun(r.sess)
		case beforeEpoch:
			err = e.hook.BeforeEpoch(r.sess)
		case afterEpoch:
			err = e.hook.AfterEpoch(r.sess)
		case beforeIter:
			err = e.hook.BeforeIter(r.sess)
		case afterIter:
			err = e.hook.AfterIter(r.sess)
		}
		if err != nil {
			return fmt.Errorf("hook %v failed: %w", e.hook.Name(), err)
		}
	}
	return nil
}

// Resume loads a full checkpoint and restores the loop position.
func (r *baseRunner) Resume(path string) error {
	if err := r.sess.Model.VS.Load(path); err != nil {
		return fmt.Errorf("resuming from %v failed: %w", path, err)
	}
	meta, err := readCheckpointMeta(path)
	if err != nil {
		return err
	}
	r.sess.Epoch = meta.Epoch
	r.sess.Iter = meta.Iter
	log.Printf("resumed from %v (epoch %v, iter %v)", path, meta.Epoch, meta.Iter)

	return nil
}

// LoadCheckpoint loads weights only, ignoring loop state and tolerating
// missing variables.
func (r *baseRunner) LoadCheckpoint(path string) error {
	if _, err := r.sess.Model.VS.LoadPartial(path); err != nil {
		return fmt.Errorf("loading weights from %v failed: %w", path, err)
	}
	log.Printf("loaded weights from %v", path)

	return nil
}

// collate stacks a batch of samples into image and mask tensors, dropping
// the per-sample tensors. The mask tensor is nil when the batch carries no
// annotations.
func collate(samples []*pipeline.Sample) (imgTs, maskTs *ts.Tensor, err error) {
	if len(samples) == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}

	var imgs []ts.Tensor
	var masks []ts.Tensor
	for _, s := range samples {
		imgs = append(imgs, *s.Img)
		if s.GtSegMap != nil {
			masks = append(masks, *s.GtSegMap)
		}
	}
	if len(masks) > 0 && len(masks) != len(samples) {
		return nil, nil, fmt.Errorf("batch mixes annotated and unannotated samples")
	}

	imgTs = ts.MustStack(imgs, 0)
	for _, x := range imgs {
		x.MustDrop()
	}
	if len(masks) > 0 {
		maskTs = ts.MustStack(masks, 0)
		for _, x := range masks {
			x.MustDrop()
		}
	}

	return imgTs, maskTs, nil
}

// trainPass runs one pass over the loader in train mode.
func (r *baseRunner) trainPass(loader *dutil.DataLoader) error {
	sess := r.sess
	sess.Mode = "train"
	sess.Loader = loader

	if err := r.call(beforeEpoch); err != nil {
		return err
	}
	loader.Reset()
	sess.InnerIter = 0

	for loader.HasNext() {
		if !sess.ByEpoch && sess.Iter >= sess.MaxIters {
			break
		}

		batch, err := loader.Next()
		if err != nil {
			return err
		}
		samples, ok := batch.([]*pipeline.Sample)
		if !ok {
			return fmt.Errorf("unexpected batch type %T", batch)
		}

		imgTs, maskTs, err := collate(samples)
		if err != nil {
			return err
		}
		if maskTs == nil {
			imgTs.MustDrop()
			return fmt.Errorf("training dataset yields no annotations")
		}

		if err := r.call(beforeIter); err != nil {
			return err
		}

		input := imgTs.MustTo(sess.Device, true)
		logit := sess.Model.Net.ForwardT(input, true)
		input.MustDrop()
		target := maskTs.MustTo(sess.Device, true)

		loss := sess.Model.Loss(logit, target)
		logit.MustDrop()
		target.MustDrop()

		sess.Loss = loss
		sess.LossVal = loss.Float64Values()[0]
		sess.Iter++
		sess.InnerIter++

		if err := r.call(afterIter); err != nil {
			return err
		}

		loss.MustDrop()
		sess.Loss = nil
	}

	sess.Epoch++

	return r.call(afterEpoch)
}

// valPass runs one no-grad pass over the loader, logging the average
// loss.
func (r *baseRunner) valPass(loader *dutil.DataLoader) error {
	sess := r.sess
	sess.Mode = "val"
	sess.Loader = loader

	loader.Reset()

	var losses []float64
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return err
		}
		samples, ok := batch.([]*pipeline.Sample)
		if !ok {
			return fmt.Errorf("unexpected batch type %T", batch)
		}

		imgTs, maskTs, err := collate(samples)
		if err != nil {
			return err
		}
		if maskTs == nil {
			imgTs.MustDrop()
			return fmt.Errorf("validation dataset yields no annotations")
		}

		ts.NoGrad(func() {
			input := imgTs.MustTo(sess.Device, true)
			logit := sess.Model.Net.ForwardT(input, false)
			input.MustDrop()
			target := maskTs.MustTo(sess.Device, true)

			loss := sess.Model.Loss(logit, target)
			logit.MustDrop()
			target.MustDrop()

			losses = append(losses, loss.Float64Values()[0])
			loss.MustDrop()
		})
	}

	var sum float64
	for _, v := range losses {
		sum += v
	}
	if len(losses) > 0 {
		log.Printf("Epoch %02d\t valid loss: %6.4f", sess.Epoch, sum/float64(len(losses)))
	}

	return nil
}

// EpochBasedRunner runs a fixed number of epochs.
type EpochBasedRunner struct {
	*baseRunner
}

// NewEpochBasedRunner creates an epoch-based runner.
func NewEpochBasedRunner(model *Model, opt *nn.Optimizer, device gotch.Device, workDir string, maxEpochs int, seed int64, rank int) *EpochBasedRunner {
	r := &EpochBasedRunner{baseRunner: newBaseRunner(model, opt, device, workDir, seed, rank)}
	r.sess.MaxEpochs = maxEpochs
	r.sess.ByEpoch = true

	return r
}

// Run drives the workflow until MaxEpochs train epochs completed. Stage i
// consumes loaders[i].
func (r *EpochBasedRunner) Run(loaders []*dutil.DataLoader, flow []FlowStage) error {
	if err := checkFlow(loaders, flow); err != nil {
		return err
	}

	if err := r.call(beforeRun); err != nil {
		return err
	}

	for r.sess.Epoch < r.sess.MaxEpochs {
		for i, stage := range flow {
			for k := 0; k < stage.Times; k++ {
				if stage.Phase == "train" && r.sess.Epoch >= r.sess.MaxEpochs {
					break
				}
				var err error
				switch stage.Phase {
				case "train":
					err = r.trainPass(loaders[i])
				case "val":
					err = r.valPass(loaders[i])
				}
				if err != nil {
					return err
				}
			}
		}
	}

	return r.call(afterRun)
}

// IterBasedRunner runs a fixed number of iterations, cycling the train
// loader as many passes as needed.
type IterBasedRunner struct {
	*baseRunner
}

// NewIterBasedRunner creates an iteration-based runner.
func NewIterBasedRunner(model *Model, opt *nn.Optimizer, device gotch.Device, workDir string, maxIters int, seed int64, rank int) *IterBasedRunner {
	r := &IterBasedRunner{baseRunner: newBaseRunner(model, opt, device, workDir, seed, rank)}
	r.sess.MaxIters = maxIters
	r.sess.ByEpoch = false

	return r
}

// Run drives the workflow until MaxIters train iterations completed.
func (r *IterBasedRunner) Run(loaders []*dutil.DataLoader, flow []FlowStage) error {
	if err := checkFlow(loaders, flow); err != nil {
		return err
	}

	if err := r.call(beforeRun); err != nil {
		return err
	}

	for r.sess.Iter < r.sess.MaxIters {
		for i, stage := range flow {
			for k := 0; k < stage.Times; k++ {
				if stage.Phase == "train" && r.sess.Iter >= r.sess.MaxIters {
					break
				}
				var err error
				switch stage.Phase {
				case "train":
					err = r.trainPass(loaders[i])
				case "val":
					err = r.valPass(loaders[i])
				}
				if err != nil {
					return err
				}
			}
		}
	}

	return r.call(afterRun)
}

func checkFlow(loaders []*dutil.DataLoader, flow []FlowStage) error {
	if len(flow) == 0 {
		return fmt.Errorf("workflow must not be empty")
	}
	if len(loaders) != len(flow) {
		return fmt.Errorf("workflow has %v stages but %v loaders were given", len(flow), len(loaders))
	}
	for _, stage := range flow {
		if stage.Phase != "train" && stage.Phase != "val" {
			return fmt.Errorf("workflow phase should be 'train' or 'val'. Got %q", stage.Phase)
		}
	}
	return nil
}
