package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/gotch"
)

type namedHook struct {
	NopHook
	name string
}

func (h *namedHook) Name() string { return h.name }

func TestRegisterHookOrder(t *testing.T) {
	r := newBaseRunner(nil, nil, gotch.CPU, t.TempDir(), 0, 0)

	r.RegisterHook(&namedHook{name: "logger"}, PriorityVeryLow)
	r.RegisterHook(&namedHook{name: "lr"}, PriorityVeryHigh)
	r.RegisterHook(&namedHook{name: "checkpoint"}, PriorityNormal)
	r.RegisterHook(&namedHook{name: "optimizer"}, PriorityAboveNormal)
	r.RegisterHook(&namedHook{name: "sampler"}, PriorityNormal)

	assert.Equal(t, []string{"lr", "optimizer", "checkpoint", "sampler", "logger"}, r.Hooks())
}

func TestLrAtFixed(t *testing.T) {
	lr, err := lrAt(LrConfig{Policy: "fixed"}, 0.01, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.01, lr)
}

func TestLrAtStep(t *testing.T) {
	cfg := LrConfig{Policy: "step", Step: []int{8, 11}, Gamma: 0.1}

	lr, err := lrAt(cfg, 0.01, 3, 12)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, lr, 1e-12)

	lr, err = lrAt(cfg, 0.01, 8, 12)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, lr, 1e-12)

	lr, err = lrAt(cfg, 0.01, 11, 12)
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, lr, 1e-12)
}

func TestLrAtPoly(t *testing.T) {
	cfg := LrConfig{Policy: "poly", Power: 1.0, MinLR: 0.0}

	lr, err := lrAt(cfg, 0.01, 0, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, lr, 1e-12)

	lr, err = lrAt(cfg, 0.01, 5, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, lr, 1e-12)

	// min_lr floors the schedule
	cfg.MinLR = 0.004
	lr, err = lrAt(cfg, 0.01, 10, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.004, lr, 1e-12)
}

func TestLrAtUnknownPolicy(t *testing.T) {
	_, err := lrAt(LrConfig{Policy: "cosine"}, 0.01, 0, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported lr policy")
}

func TestAtInterval(t *testing.T) {
	// A budget equal to the interval fires exactly once, at the end.
	fires := 0
	for iter := 1; iter <= 100; iter++ {
		if atInterval(iter, 100) {
			fires++
		}
	}
	assert.Equal(t, 1, fires)

	var at []int
	for iter := 1; iter <= 100; iter++ {
		if atInterval(iter, 50) {
			at = append(at, iter)
		}
	}
	assert.Equal(t, []int{50, 100}, at)

	assert.False(t, atInterval(0, 50))
	assert.False(t, atInterval(50, 0))
}

func TestIterHookGuards(t *testing.T) {
	// Off-boundary counts are a no-op: no save or eval is attempted
	// (both would fail on the empty session).
	s := &Session{Mode: "train", Iter: 3}

	ckpt := &CheckpointHook{Interval: 4}
	require.NoError(t, ckpt.AfterIter(s))

	eval := &EvalHook{Interval: 4}
	require.NoError(t, eval.AfterIter(s))

	// Val-mode and epoch-based sessions never trigger the iter path.
	require.NoError(t, ckpt.AfterIter(&Session{Mode: "val", Iter: 4}))
	require.NoError(t, ckpt.AfterIter(&Session{Mode: "train", ByEpoch: true, Iter: 4}))
}

func TestCheckFlow(t *testing.T) {
	err := checkFlow(nil, nil)
	require.Error(t, err)

	err = checkFlow(nil, []FlowStage{{Phase: "train", Times: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loaders")
}
