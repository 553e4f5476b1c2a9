package train

import (
	"fmt"
	"log"

	"github.com/sugarme/lakeseg/dutil"
	"github.com/sugarme/lakeseg/lake"
)

type trainOptions struct {
	trainDS  *lake.Dataset
	valDS    *lake.Dataset
	validate bool
	hooks    []customHook
}

type customHook struct {
	hook Hook
	prio Priority
}

// TrainOption tweaks TrainSegmentor behavior.
type TrainOption func(*trainOptions)

// WithTrainDataset supplies an already-open training dataset instead of
// opening data.train.path.
func WithTrainDataset(ds *lake.Dataset) TrainOption {
	return func(o *trainOptions) { o.trainDS = ds }
}

// WithValDataset supplies an already-open validation dataset instead of
// opening data.val.path.
func WithValDataset(ds *lake.Dataset) TrainOption {
	return func(o *trainOptions) { o.valDS = ds }
}

// WithoutValidation disables periodic evaluation.
func WithoutValidation() TrainOption {
	return func(o *trainOptions) { o.validate = false }
}

// WithHook registers an extra hook at the given priority.
func WithHook(h Hook, prio Priority) TrainOption {
	return func(o *trainOptions) { o.hooks = append(o.hooks, customHook{hook: h, prio: prio}) }
}

// TrainSegmentor trains model per cfg: it opens the datasets, builds the
// transform pipelines and data loaders, wires optimizer, runner and hooks,
// restores checkpoints and runs the workflow.
func TrainSegmentor(model *Model, cfg *Config, opts ...TrainOption) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	cfg.ApplyDefaults()

	o := trainOptions{validate: true}
	for _, opt := range opts {
		opt(&o)
	}

	loaderType, err := ResolveLoaderType(cfg.DataloaderType)
	if err != nil {
		return err
	}
	if cfg.Distributed && loaderType == LoaderNative {
		return fmt.Errorf("distributed training is not supported by the native data loader. Set dataloader_type to 'c++' to use the accelerated loader instead")
	}

	if cfg.Data.Train != nil && cfg.Data.Train.Path != "" {
		if o.trainDS != nil {
			log.Println("A train dataset was passed directly; data.train.path will be ignored.")
		} else {
			ds, err := lake.Open(cfg.Data.Train.Path)
			if err != nil {
				return err
			}
			o.trainDS = ds
		}
	}
	if o.trainDS == nil {
		return fmt.Errorf("training dataset is not specified. Set data.train.path or pass WithTrainDataset")
	}

	if cfg.Data.Val != nil && cfg.Data.Val.Path != "" {
		if o.valDS != nil {
			log.Println("A val dataset was passed directly; data.val.path will be ignored.")
		} else {
			ds, err := lake.Open(cfg.Data.Val.Path)
			if err != nil {
				return err
			}
			o.valDS = ds
		}
	}
	if o.validate && o.valDS == nil {
		return fmt.Errorf("validation dataset is not specified even though validate = true. Add a 'val' entry under data, pass WithValDataset or disable validation")
	}
	for _, stage := range cfg.Workflow {
		if stage.Phase == "val" && o.valDS == nil {
			return fmt.Errorf("workflow contains a 'val' phase but no validation dataset is specified")
		}
	}

	if err := model.validate(); err != nil {
		return err
	}

	dist := DistInfoFromEnv()
	rank := 0
	numGPUs := len(cfg.GPUIds)
	if cfg.Distributed {
		rank = dist.Rank
		numGPUs = dist.WorldSize
		model, err = wrapDDP(model, cfg, rank)
		if err != nil {
			return err
		}
	}

	device := cfg.TorchDevice()

	trainCfg := resolveLoaderConfig(cfg, cfg.Data.Train, "train", numGPUs)
	trainImages, trainMasks, err := resolveTensors(o.trainDS, cfg.Data.Train)
	if err != nil {
		return err
	}
	trainLoader, trainSD, err := BuildDataLoader(o.trainDS, trainImages, trainMasks, cfg.TrainPipeline, loaderType, trainCfg)
	if err != nil {
		return err
	}

	model.Classes = trainSD.Classes()
	log.Printf("training on %v samples, %v classes", trainSD.Len(), len(model.Classes))

	var valLoader *dutil.DataLoader
	var valSD *SegDataset
	if o.valDS != nil {
		valCfg := resolveLoaderConfig(cfg, cfg.Data.Val, "val", numGPUs)
		if valCfg.Shuffle {
			log.Println("The validation loader does not support shuffling. shuffle=false will be used instead.")
			valCfg.Shuffle = false
		}
		valImages, valMasks, err := resolveTensors(o.valDS, cfg.Data.Val)
		if err != nil {
			return err
		}
		valLoader, valSD, err = BuildDataLoader(o.valDS, valImages, valMasks, cfg.TestPipeline, loaderType, valCfg)
		if err != nil {
			return err
		}
	}

	opt, err := BuildOptimizer(model.VS, cfg.Optimizer)
	if err != nil {
		return err
	}

	var runner Runner
	switch cfg.Runner.Type {
	case EpochBased:
		runner = NewEpochBasedRunner(model, opt, device, cfg.WorkDir, cfg.Runner.MaxEpochs, cfg.Seed, rank)
	case IterBased:
		runner = NewIterBasedRunner(model, opt, device, cfg.WorkDir, cfg.Runner.MaxIters, cfg.Seed, rank)
	default:
		return fmt.Errorf("runner type should be one of ['%v', '%v']. Got %q", EpochBased, IterBased, cfg.Runner.Type)
	}

	runner.RegisterHook(&LrUpdaterHook{Cfg: cfg.LrConfig, BaseLR: cfg.Optimizer.LR}, PriorityVeryHigh)
	runner.RegisterHook(&OptimizerHook{GradClip: cfg.OptimizerConfig.GradClip}, PriorityAboveNormal)
	runner.RegisterHook(&CheckpointHook{Interval: cfg.CheckpointConfig.Interval, MaxKeep: cfg.CheckpointConfig.MaxKeep}, PriorityNormal)
	runner.RegisterHook(&SamplerSeedHook{}, PriorityNormal)
	runner.RegisterHook(&IterTimerHook{}, PriorityLow)
	runner.RegisterHook(&LoggerHook{Interval: cfg.LogConfig.Interval}, PriorityVeryLow)

	if o.validate {
		eval := EvalHook{
			Loader:   valLoader,
			Dataset:  valSD,
			Interval: cfg.Evaluation.Interval,
			Metrics:  cfg.Evaluation.Metric,
			Device:   device,
		}
		if cfg.Distributed {
			runner.RegisterHook(&DistEvalHook{EvalHook: eval}, PriorityLow)
		} else {
			runner.RegisterHook(&eval, PriorityLow)
		}
	}

	for _, ch := range o.hooks {
		runner.RegisterHook(ch.hook, ch.prio)
	}

	switch {
	case cfg.ResumeFrom != "":
		if err := runner.Resume(cfg.ResumeFrom); err != nil {
			return err
		}
	case cfg.AutoResume:
		latest, err := FindLatestCheckpoint(cfg.WorkDir)
		if err != nil {
			return err
		}
		if latest != "" {
			if err := runner.Resume(latest); err != nil {
				return err
			}
		}
	case cfg.LoadFrom != "":
		if err := runner.LoadCheckpoint(cfg.LoadFrom); err != nil {
			return err
		}
	}

	loaders, err := stageLoaders(cfg.Workflow, trainLoader, valLoader)
	if err != nil {
		return err
	}

	return runner.Run(loaders, cfg.Workflow)
}

// resolveLoaderConfig merges the shared data settings with per-dataset
// overrides.
func resolveLoaderConfig(cfg *Config, dsCfg *DatasetConfig, mode string, numGPUs int) LoaderConfig {
	lc := LoaderConfig{
		BatchSize:       cfg.Data.SamplesPerGPU * numGPUs,
		NumWorkers:      cfg.Data.WorkersPerGPU * numGPUs,
		Shuffle:         mode == "train",
		DropLast:        false,
		Distributed:     cfg.Distributed,
		NumGPUs:         numGPUs,
		Seed:            cfg.Seed,
		Mode:            mode,
		IgnoreIndex:     *cfg.IgnoreIndex,
		ReduceZeroLabel: cfg.ReduceZeroLabel,
		ToBGR:           *cfg.ToBGR,
	}

	if dsCfg == nil {
		return lc
	}
	ov := dsCfg.Dataloader
	if ov.BatchSize != nil {
		lc.BatchSize = *ov.BatchSize
	}
	if ov.NumWorkers != nil {
		lc.NumWorkers = *ov.NumWorkers
	}
	if ov.Shuffle != nil {
		lc.Shuffle = *ov.Shuffle
	}
	if ov.DropLast != nil {
		lc.DropLast = *ov.DropLast
	}
	if ov.PersistentWorkers != nil {
		lc.PersistentWorkers = *ov.PersistentWorkers
	}

	return lc
}

// resolveTensors maps the configured tensor roles to tensor names,
// falling back to htype lookup for unnamed roles.
func resolveTensors(ds *lake.Dataset, dsCfg *DatasetConfig) (images, masks string, err error) {
	if dsCfg != nil {
		images = dsCfg.Tensors[RoleImage]
		masks = dsCfg.Tensors[RoleMask]
	}
	if images == "" {
		images, err = lake.FindTensorWithHtype(ds, lake.HtypeImage, RoleImage)
		if err != nil {
			return "", "", err
		}
	}
	if masks == "" {
		masks, err = lake.FindTensorWithHtype(ds, lake.HtypeSegmentMask, RoleMask)
		if err != nil {
			return "", "", err
		}
	}
	return images, masks, nil
}

// stageLoaders maps workflow stages to the loaders they consume.
func stageLoaders(flow []FlowStage, trainLoader, valLoader *dutil.DataLoader) ([]*dutil.DataLoader, error) {
	loaders := make([]*dutil.DataLoader, len(flow))
	for i, stage := range flow {
		switch stage.Phase {
		case "train":
			loaders[i] = trainLoader
		case "val":
			if valLoader == nil {
				return nil, fmt.Errorf("workflow contains a 'val' phase but no validation loader was built")
			}
			loaders[i] = valLoader
		default:
			return nil, fmt.Errorf("workflow phase should be 'train' or 'val'. Got %q", stage.Phase)
		}
	}
	return loaders, nil
}
