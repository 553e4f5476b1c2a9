// Package lake gives read access to tensor dataset stores: named tensor
// columns carrying per-tensor metadata such as htype and class names.
package lake

import (
	"fmt"
	"strings"

	ts "github.com/sugarme/gotch/tensor"
)

// Known htypes.
const (
	HtypeImage       = "image"
	HtypeSegmentMask = "segment_mask"
)

// Info is per-tensor metadata.
type Info struct {
	Htype      string
	ClassNames []string
}

// SampleSource provides the stored samples of one tensor column.
type SampleSource interface {
	Len() int
	Sample(idx int) (*ts.Tensor, error)
}

// Tensor is a named tensor column.
type Tensor struct {
	name string
	info Info
	src  SampleSource
}

// NewTensor creates a tensor column over src.
func NewTensor(name string, info Info, src SampleSource) *Tensor {
	return &Tensor{name: name, info: info, src: src}
}

// Name returns the tensor name.
func (t *Tensor) Name() string { return t.name }

// Info returns the tensor metadata.
func (t *Tensor) Info() Info { return t.info }

// Len returns the number of stored samples.
func (t *Tensor) Len() int { return t.src.Len() }

// Sample loads the sample at idx.
func (t *Tensor) Sample(idx int) (*ts.Tensor, error) {
	if idx < 0 || idx >= t.src.Len() {
		return nil, fmt.Errorf("sample index %v out of range for tensor %q (%v samples)", idx, t.name, t.src.Len())
	}
	return t.src.Sample(idx)
}

// Dataset is a named collection of tensor columns with a shared sample
// count.
type Dataset struct {
	name    string
	tensors map[string]*Tensor
	order   []string
}

// NewDataset creates an empty dataset.
func NewDataset(name string) *Dataset {
	return &Dataset{
		name:    name,
		tensors: make(map[string]*Tensor),
	}
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.name }

// AddTensor attaches a tensor column. All columns must agree on sample
// count.
func (d *Dataset) AddTensor(t *Tensor) error {
	if _, ok := d.tensors[t.Name()]; ok {
		return fmt.Errorf("tensor %q already exists in dataset %q", t.Name(), d.name)
	}
	if len(d.order) > 0 {
		if n := d.tensors[d.order[0]].Len(); t.Len() != n {
			return fmt.Errorf("tensor %q has %v samples, dataset %q has %v", t.Name(), t.Len(), d.name, n)
		}
	}

	d.tensors[t.Name()] = t
	d.order = append(d.order, t.Name())

	return nil
}

// Tensor returns the named tensor column.
func (d *Dataset) Tensor(name string) (*Tensor, error) {
	t, ok := d.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found in dataset %q. Available: [%v]", name, d.name, strings.Join(d.order, ", "))
	}
	return t, nil
}

// Tensors returns the tensor names in attach order.
func (d *Dataset) Tensors() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// NumSamples returns the shared sample count, 0 for an empty dataset.
func (d *Dataset) NumSamples() int {
	if len(d.order) == 0 {
		return 0
	}
	return d.tensors[d.order[0]].Len()
}

// FindTensorWithHtype locates the single tensor carrying htype. role names
// what the caller wants it for and only decorates error messages.
func FindTensorWithHtype(d *Dataset, htype, role string) (string, error) {
	var matches []string
	for _, name := range d.order {
		if d.tensors[name].Info().Htype == htype {
			matches = append(matches, name)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no tensor with htype %q found in dataset %q for %q", htype, d.name, role)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("multiple tensors with htype %q in dataset %q: [%v]. Specify the %q tensor explicitly", htype, d.name, strings.Join(matches, ", "), role)
	}
}
