// Package pipeline applies configurable per-sample transform steps to
// image/mask pairs before batching.
package pipeline

import (
	"fmt"

	ts "github.com/sugarme/gotch/tensor"
)

// Sample is one record flowing through the pipeline. Img is a HWC float32
// tensor; GtSegMap is a HW int64 class-index tensor, nil when the record
// carries no annotation.
type Sample struct {
	Img      *ts.Tensor
	GtSegMap *ts.Tensor

	Filename string
	ImgShape []int64 // current [h, w, c]
	OriShape []int64 // shape before any step ran
	Flipped  bool
}

// Drop releases the sample tensors.
func (s *Sample) Drop() {
	if s.Img != nil {
		s.Img.MustDrop()
		s.Img = nil
	}
	if s.GtSegMap != nil {
		s.GtSegMap.MustDrop()
		s.GtSegMap = nil
	}
}

// Step transforms a sample in place.
type Step interface {
	Name() string
	Apply(s *Sample) error
}

// Compose runs steps in order.
type Compose struct {
	steps []Step
}

// NewCompose creates a Compose over steps.
func NewCompose(steps ...Step) *Compose {
	return &Compose{steps: steps}
}

// Steps returns the step names in order.
func (c *Compose) Steps() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name()
	}
	return names
}

// Apply runs every step on s.
func (c *Compose) Apply(s *Sample) error {
	for _, step := range c.steps {
		if err := step.Apply(s); err != nil {
			return fmt.Errorf("pipeline step %v failed: %w", step.Name(), err)
		}
	}
	return nil
}

// StepConfig is one step description: a "type" key plus step parameters.
type StepConfig map[string]interface{}

// Step types handled by the data loading stage rather than the pipeline.
// Build skips them: samples arrive with image and annotation already
// loaded.
var loaderSteps = map[string]bool{
	"LoadImageFromFile": true,
	"LoadAnnotations":   true,
}

// Build constructs a Compose from step configs.
func Build(configs []StepConfig) (*Compose, error) {
	var steps []Step
	for _, cfg := range configs {
		typ, err := cfg.stringParam("type")
		if err != nil {
			return nil, err
		}
		if loaderSteps[typ] {
			continue
		}

		step, err := buildStep(typ, cfg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return NewCompose(steps...), nil
}

func buildStep(typ string, cfg StepConfig) (Step, error) {
	switch typ {
	case "Resize":
		return newResize(cfg)
	case "RandomFlip":
		return newRandomFlip(cfg)
	case "Normalize":
		return newNormalize(cfg)
	case "Pad":
		return newPad(cfg)
	case "FormatBundle", "DefaultFormatBundle":
		return &FormatBundle{}, nil
	default:
		return nil, fmt.Errorf("unsupported pipeline step type %q", typ)
	}
}

// parameter helpers

func (c StepConfig) stringParam(key string) (string, error) {
	v, ok := c[key]
	if !ok {
		return "", fmt.Errorf("pipeline step config missing %q: %v", key, map[string]interface{}(c))
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("pipeline step param %q must be a string. Got %T", key, v)
	}
	return s, nil
}

func (c StepConfig) stringOpt(key, def string) (string, error) {
	if _, ok := c[key]; !ok {
		return def, nil
	}
	return c.stringParam(key)
}

func (c StepConfig) boolOpt(key string, def bool) (bool, error) {
	v, ok := c[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("pipeline step param %q must be a bool. Got %T", key, v)
	}
	return b, nil
}

func (c StepConfig) floatOpt(key string, def float64) (float64, error) {
	v, ok := c[key]
	if !ok {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("pipeline step param %q: %w", key, err)
	}
	return f, nil
}

func (c StepConfig) intParam(key string) (int, error) {
	v, ok := c[key]
	if !ok {
		return 0, fmt.Errorf("pipeline step config missing %q", key)
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("pipeline step param %q: %w", key, err)
	}
	return int(f), nil
}

func (c StepConfig) floatsParam(key string, n int) ([]float64, error) {
	v, ok := c[key]
	if !ok {
		return nil, fmt.Errorf("pipeline step config missing %q", key)
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("pipeline step param %q must be a list. Got %T", key, v)
	}
	if n > 0 && len(raw) != n {
		return nil, fmt.Errorf("pipeline step param %q must have %v entries. Got %v", key, n, len(raw))
	}

	out := make([]float64, len(raw))
	for i, e := range raw {
		f, err := toFloat(e)
		if err != nil {
			return nil, fmt.Errorf("pipeline step param %q: %w", key, err)
		}
		out[i] = f
	}
	return out, nil
}

func (c StepConfig) intsParam(key string, n int) ([]int, error) {
	fs, err := c.floatsParam(key, n)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("expected a number. Got %T", v)
	}
}
