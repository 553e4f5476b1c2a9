package train

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
)

// BuildOptimizer creates the configured optimizer over vs.
func BuildOptimizer(vs *nn.VarStore, cfg OptimizerConfig) (*nn.Optimizer, error) {
	if cfg.LR <= 0 {
		return nil, fmt.Errorf("optimizer lr must be positive. Got %v", cfg.LR)
	}

	switch cfg.Type {
	case "SGD":
		return nn.NewSGDConfig(cfg.Momentum, 0, cfg.WeightDecay, false).Build(vs, cfg.LR)
	case "Adam":
		return nn.NewAdamConfig(0.9, 0.999, cfg.WeightDecay).Build(vs, cfg.LR)
	default:
		return nil, fmt.Errorf("unsupported optimizer type: %q. Expected 'SGD' or 'Adam'", cfg.Type)
	}
}
