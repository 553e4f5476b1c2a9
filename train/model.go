package train

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// LossFunc maps logits and targets to a scalar loss tensor.
type LossFunc func(logit, target *ts.Tensor) *ts.Tensor

// Model couples a segmentation network with its variable store. The
// network architecture itself is the caller's business; the training loop
// only needs forward passes, variables and a loss.
type Model struct {
	VS  *nn.VarStore
	Net ts.ModuleT

	// Classes is filled from the training dataset's mask tensor.
	Classes []string

	// Loss computes the training loss. Required.
	Loss LossFunc
}

func (m *Model) validate() error {
	if m == nil {
		return fmt.Errorf("model must not be nil")
	}
	if m.VS == nil {
		return fmt.Errorf("model variable store must not be nil")
	}
	if m.Net == nil {
		return fmt.Errorf("model network must not be nil")
	}
	if m.Loss == nil {
		return fmt.Errorf("model loss function must not be nil")
	}
	return nil
}
