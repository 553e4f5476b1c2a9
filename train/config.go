// Package train wires a tensor dataset store, transform pipeline, data
// loaders, optimizer, runner and hooks into a segmentation training loop.
package train

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"

	"github.com/sugarme/gotch"

	"github.com/sugarme/lakeseg/metric"
	"github.com/sugarme/lakeseg/pipeline"
)

// Runner types.
const (
	EpochBased = "EpochBasedRunner"
	IterBased  = "IterBasedRunner"
)

// Loader implementations.
const (
	LoaderAuto   = "auto"
	LoaderNative = "python"
	LoaderAccel  = "c++"
)

// Tensor roles used in dataset tensor maps.
const (
	RoleImage = "img"
	RoleMask  = "gt_semantic_seg"
)

// Config is the full training configuration.
type Config struct {
	WorkDir string `yaml:"work_dir"`
	Seed    int64  `yaml:"seed"`
	Device  string `yaml:"device"` // cpu|cuda
	GPUIds  []int  `yaml:"gpu_ids"`

	Distributed          bool `yaml:"distributed"`
	FindUnusedParameters bool `yaml:"find_unused_parameters"`

	IgnoreIndex     *int64 `yaml:"ignore_index"`
	ReduceZeroLabel bool   `yaml:"reduce_zero_label"`
	ToBGR           *bool  `yaml:"to_bgr"`

	DataloaderType string     `yaml:"dataloader_type"` // auto|python|cpp
	Data           DataConfig `yaml:"data"`

	TrainPipeline []pipeline.StepConfig `yaml:"train_pipeline"`
	TestPipeline  []pipeline.StepConfig `yaml:"test_pipeline"`

	Optimizer        OptimizerConfig     `yaml:"optimizer"`
	OptimizerConfig  OptimizerHookConfig `yaml:"optimizer_config"`
	LrConfig         LrConfig            `yaml:"lr_config"`
	Runner           RunnerConfig        `yaml:"runner"`
	CheckpointConfig CheckpointConfig    `yaml:"checkpoint_config"`
	LogConfig        LogConfig           `yaml:"log_config"`
	Evaluation       EvalConfig          `yaml:"evaluation"`
	Workflow         []FlowStage         `yaml:"workflow"`

	ResumeFrom string `yaml:"resume_from"`
	LoadFrom   string `yaml:"load_from"`
	AutoResume bool   `yaml:"auto_resume"`
}

// DataConfig describes datasets and shared loader settings.
type DataConfig struct {
	SamplesPerGPU int `yaml:"samples_per_gpu"`
	WorkersPerGPU int `yaml:"workers_per_gpu"`

	Train *DatasetConfig `yaml:"train"`
	Val   *DatasetConfig `yaml:"val"`
}

// DatasetConfig points at one stored dataset and its loader overrides.
type DatasetConfig struct {
	Path string `yaml:"path"`

	// Tensors maps roles (img, gt_semantic_seg) to tensor names. Empty
	// roles are resolved by htype lookup.
	Tensors map[string]string `yaml:"tensors"`

	Dataloader LoaderOverrides `yaml:"dataloader"`
}

// LoaderOverrides are per-dataset loader settings; nil fields fall back to
// the shared defaults.
type LoaderOverrides struct {
	BatchSize         *int  `yaml:"batch_size"`
	NumWorkers        *int  `yaml:"num_workers"`
	Shuffle           *bool `yaml:"shuffle"`
	PersistentWorkers *bool `yaml:"persistent_workers"`
	DropLast          *bool `yaml:"drop_last"`
}

// OptimizerConfig selects and parameterizes the optimizer.
type OptimizerConfig struct {
	Type        string  `yaml:"type"` // SGD|Adam
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
}

// OptimizerHookConfig parameterizes the backward/step hook.
type OptimizerHookConfig struct {
	GradClip *float64 `yaml:"grad_clip"`
}

// LrConfig selects the learning-rate schedule.
type LrConfig struct {
	Policy string  `yaml:"policy"` // fixed|step|poly
	Power  float64 `yaml:"power"`
	MinLR  float64 `yaml:"min_lr"`
	Step   []int   `yaml:"step"`
	Gamma  float64 `yaml:"gamma"`
}

// RunnerConfig selects the runner and its budget.
type RunnerConfig struct {
	Type      string `yaml:"type"`
	MaxEpochs int    `yaml:"max_epochs"`
	MaxIters  int    `yaml:"max_iters"`
}

// CheckpointConfig parameterizes periodic checkpointing.
type CheckpointConfig struct {
	Interval int `yaml:"interval"`
	MaxKeep  int `yaml:"max_keep_ckpts"`
}

// LogConfig parameterizes the logger hook.
type LogConfig struct {
	Interval int `yaml:"interval"`
}

// EvalConfig parameterizes evaluation runs.
type EvalConfig struct {
	Interval int        `yaml:"interval"`
	Metric   StringList `yaml:"metric"`
}

// StringList accepts either a single string or a list in yaml.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return err
	}
	*l = StringList(many)
	return nil
}

// FlowStage is one workflow entry: run phase for times epochs (or iters
// for iter-based runs).
type FlowStage struct {
	Phase string `yaml:"phase"` // train|val
	Times int    `yaml:"times"`
}

// LoadConfig reads a yaml config file, applies defaults and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %v failed: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %v failed: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = "./work_dir"
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if len(c.GPUIds) == 0 {
		c.GPUIds = []int{0}
	}
	if c.Data.SamplesPerGPU == 0 {
		c.Data.SamplesPerGPU = 256
	}
	if c.Data.WorkersPerGPU == 0 {
		c.Data.WorkersPerGPU = 1
	}
	if c.IgnoreIndex == nil {
		v := int64(255)
		c.IgnoreIndex = &v
	}
	if c.ToBGR == nil {
		v := true
		c.ToBGR = &v
	}
	if c.DataloaderType == "" {
		c.DataloaderType = LoaderAuto
	}
	if c.Runner.Type == "" {
		c.Runner.Type = EpochBased
	}
	if c.LrConfig.Policy == "" {
		c.LrConfig.Policy = "fixed"
	}
	if c.LrConfig.Gamma == 0 {
		c.LrConfig.Gamma = 0.1
	}
	if c.LrConfig.Power == 0 {
		c.LrConfig.Power = 1.0
	}
	if c.CheckpointConfig.Interval == 0 {
		c.CheckpointConfig.Interval = 1
	}
	if c.LogConfig.Interval == 0 {
		c.LogConfig.Interval = 50
	}
	if c.Evaluation.Interval == 0 {
		c.Evaluation.Interval = 1
	}
	if len(c.Evaluation.Metric) == 0 {
		c.Evaluation.Metric = StringList{metric.MIoU}
	}
	if len(c.Workflow) == 0 {
		c.Workflow = []FlowStage{{Phase: "train", Times: 1}}
	}
}

// Validate rejects configurations the training loop cannot honor.
func (c *Config) Validate() error {
	if c.Device != "cpu" && c.Device != "cuda" {
		return fmt.Errorf("device should be one of ['cpu', 'cuda']. Got %q", c.Device)
	}
	if _, err := normalizeLoaderType(c.DataloaderType); err != nil {
		return err
	}
	switch c.Runner.Type {
	case EpochBased:
		if c.Runner.MaxEpochs <= 0 {
			return fmt.Errorf("runner max_epochs must be positive for %v. Got %v", EpochBased, c.Runner.MaxEpochs)
		}
	case IterBased:
		if c.Runner.MaxIters <= 0 {
			return fmt.Errorf("runner max_iters must be positive for %v. Got %v", IterBased, c.Runner.MaxIters)
		}
	default:
		return fmt.Errorf("runner type should be one of ['%v', '%v']. Got %q", EpochBased, IterBased, c.Runner.Type)
	}
	for _, stage := range c.Workflow {
		if stage.Phase != "train" && stage.Phase != "val" {
			return fmt.Errorf("workflow phase should be 'train' or 'val'. Got %q", stage.Phase)
		}
		if stage.Times <= 0 {
			return fmt.Errorf("workflow times must be positive. Got %v", stage.Times)
		}
	}
	switch c.LrConfig.Policy {
	case "fixed", "poly":
	case "step":
		if len(c.LrConfig.Step) == 0 {
			return fmt.Errorf("lr_config policy 'step' needs at least one step milestone")
		}
	default:
		return fmt.Errorf("lr_config policy should be one of ['fixed', 'step', 'poly']. Got %q", c.LrConfig.Policy)
	}
	if err := metric.CheckMetrics(c.Evaluation.Metric); err != nil {
		return err
	}

	return nil
}

// TorchDevice returns the gotch device the config selects.
func (c *Config) TorchDevice() gotch.Device {
	if c.Device == "cuda" {
		return gotch.NewCuda().CudaIfAvailable()
	}
	return gotch.CPU
}

func normalizeLoaderType(typ string) (string, error) {
	switch typ {
	case LoaderAuto, LoaderNative, LoaderAccel:
		return typ, nil
	case "cpp":
		return LoaderAccel, nil
	default:
		return "", fmt.Errorf("`dataloader_type` should be one of ['auto', 'c++', 'python']. Got %q", typ)
	}
}
