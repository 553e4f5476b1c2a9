package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

func baseTestConfig(t *testing.T) *Config {
	cfg := &Config{
		WorkDir: t.TempDir(),
		Device:  "cpu",
		Runner:  RunnerConfig{Type: EpochBased, MaxEpochs: 1},
		Optimizer: OptimizerConfig{
			Type: "SGD",
			LR:   0.01,
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestTrainSegmentorRejectsDistributedNativeLoader(t *testing.T) {
	cfg := baseTestConfig(t)
	cfg.Distributed = true
	cfg.DataloaderType = LoaderNative

	err := TrainSegmentor(nil, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distributed training is not supported by the native data loader")
	assert.Contains(t, err.Error(), "c++")
}

func TestTrainSegmentorRequiresValDataset(t *testing.T) {
	cfg := baseTestConfig(t)
	ds := testLakeDataset(t, 4)

	err := TrainSegmentor(nil, cfg, WithTrainDataset(ds))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation dataset is not specified even though validate = true")
}

func TestTrainSegmentorRequiresTrainDataset(t *testing.T) {
	cfg := baseTestConfig(t)

	err := TrainSegmentor(nil, cfg, WithoutValidation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training dataset is not specified")
}

func TestTrainSegmentorRejectsValWorkflowWithoutValDataset(t *testing.T) {
	cfg := baseTestConfig(t)
	cfg.Workflow = []FlowStage{{Phase: "train", Times: 1}, {Phase: "val", Times: 1}}
	ds := testLakeDataset(t, 4)

	err := TrainSegmentor(nil, cfg, WithTrainDataset(ds), WithoutValidation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow contains a 'val' phase")
}

func TestTrainSegmentorPrefersDirectValDataset(t *testing.T) {
	// A directly-passed val dataset wins over data.val.path: the bogus
	// path is never opened and the next failure is the nil model.
	cfg := baseTestConfig(t)
	cfg.Data.Val = &DatasetConfig{Path: "/nonexistent/val"}
	ds := testLakeDataset(t, 4)

	err := TrainSegmentor(nil, cfg, WithTrainDataset(ds), WithValDataset(ds))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model must not be nil")
}

func TestTrainSegmentorValidatesModel(t *testing.T) {
	// Once the dataset checks pass, a missing model is the next error.
	cfg := baseTestConfig(t)
	ds := testLakeDataset(t, 4)

	err := TrainSegmentor(nil, cfg, WithTrainDataset(ds), WithoutValidation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model must not be nil")
}

type stubNet struct{}

func (stubNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor { return x }

func TestTrainSegmentorRequiresDDPWrapper(t *testing.T) {
	cfg := baseTestConfig(t)
	cfg.Distributed = true
	cfg.DataloaderType = LoaderAccel
	ds := testLakeDataset(t, 4)

	model := &Model{
		VS:   nn.NewVarStore(gotch.CPU),
		Net:  stubNet{},
		Loss: func(logit, target *ts.Tensor) *ts.Tensor { return logit },
	}

	// No wrapper registered: distributed setup must fail before any
	// tensor work.
	err := TrainSegmentor(model, cfg, WithTrainDataset(ds), WithoutValidation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no DDP wrapper is registered")
}
