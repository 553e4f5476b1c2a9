package train

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
work_dir: /tmp/seg
seed: 42
device: cpu
distributed: false
dataloader_type: auto
data:
  samples_per_gpu: 4
  workers_per_gpu: 2
  train:
    path: /data/train
    tensors:
      img: images
      gt_semantic_seg: masks
    dataloader:
      shuffle: true
  val:
    path: /data/val
train_pipeline:
  - type: RandomFlip
    prob: 0.5
  - type: Normalize
    mean: [123.675, 116.28, 103.53]
    std: [58.395, 57.12, 57.375]
optimizer:
  type: SGD
  lr: 0.01
  momentum: 0.9
  weight_decay: 0.0005
lr_config:
  policy: poly
  power: 0.9
  min_lr: 0.0001
runner:
  type: EpochBasedRunner
  max_epochs: 10
evaluation:
  interval: 1
  metric: mIoU
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/seg", cfg.WorkDir)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 4, cfg.Data.SamplesPerGPU)
	require.NotNil(t, cfg.Data.Train)
	assert.Equal(t, "images", cfg.Data.Train.Tensors[RoleImage])
	assert.Equal(t, "masks", cfg.Data.Train.Tensors[RoleMask])
	require.NotNil(t, cfg.Data.Train.Dataloader.Shuffle)
	assert.True(t, *cfg.Data.Train.Dataloader.Shuffle)
	assert.Len(t, cfg.TrainPipeline, 2)
	assert.Equal(t, "poly", cfg.LrConfig.Policy)
	assert.Equal(t, 0.9, cfg.LrConfig.Power)
	assert.Equal(t, EpochBased, cfg.Runner.Type)
	assert.Equal(t, []string{"mIoU"}, []string(cfg.Evaluation.Metric))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
runner:
  type: EpochBasedRunner
  max_epochs: 1
`))
	require.NoError(t, err)

	assert.Equal(t, "./work_dir", cfg.WorkDir)
	assert.Equal(t, "cpu", cfg.Device)
	assert.Equal(t, LoaderAuto, cfg.DataloaderType)
	assert.Equal(t, 256, cfg.Data.SamplesPerGPU)
	require.NotNil(t, cfg.IgnoreIndex)
	assert.Equal(t, int64(255), *cfg.IgnoreIndex)
	require.NotNil(t, cfg.ToBGR)
	assert.True(t, *cfg.ToBGR)
	assert.Equal(t, "fixed", cfg.LrConfig.Policy)
	assert.Equal(t, []string{"mIoU"}, []string(cfg.Evaluation.Metric))
	require.Len(t, cfg.Workflow, 1)
	assert.Equal(t, FlowStage{Phase: "train", Times: 1}, cfg.Workflow[0])
}

func TestStringListAcceptsList(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
runner:
  type: IterBasedRunner
  max_iters: 100
evaluation:
  metric: [mIoU, mDice]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"mIoU", "mDice"}, []string(cfg.Evaluation.Metric))
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad device",
			body: "device: tpu\nrunner: {type: EpochBasedRunner, max_epochs: 1}",
			want: "device should be one of",
		},
		{
			name: "bad loader type",
			body: "dataloader_type: rust\nrunner: {type: EpochBasedRunner, max_epochs: 1}",
			want: "`dataloader_type` should be one of",
		},
		{
			name: "bad runner type",
			body: "runner: {type: OnceRunner}",
			want: "runner type should be one of",
		},
		{
			name: "missing epochs",
			body: "runner: {type: EpochBasedRunner}",
			want: "max_epochs must be positive",
		},
		{
			name: "bad lr policy",
			body: "lr_config: {policy: cosine}\nrunner: {type: EpochBasedRunner, max_epochs: 1}",
			want: "lr_config policy should be one of",
		},
		{
			name: "step without milestones",
			body: "lr_config: {policy: step}\nrunner: {type: EpochBasedRunner, max_epochs: 1}",
			want: "needs at least one step milestone",
		},
		{
			name: "bad metric",
			body: "evaluation: {metric: mAP}\nrunner: {type: EpochBasedRunner, max_epochs: 1}",
			want: "not supported",
		},
		{
			name: "bad workflow phase",
			body: "workflow: [{phase: test, times: 1}]\nrunner: {type: EpochBasedRunner, max_epochs: 1}",
			want: "workflow phase should be",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNormalizeLoaderType(t *testing.T) {
	got, err := normalizeLoaderType("cpp")
	require.NoError(t, err)
	assert.Equal(t, LoaderAccel, got)

	for _, typ := range []string{LoaderAuto, LoaderNative, LoaderAccel} {
		got, err := normalizeLoaderType(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
}
