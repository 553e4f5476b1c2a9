package dutil

import (
	"reflect"
)

// Dataset is a random-access data source consumed by a DataLoader.
type Dataset interface {
	// Len returns the number of samples.
	Len() int

	// Item returns the sample at idx.
	Item(idx int) (interface{}, error)

	// DType returns the element type of a sample. DataLoader uses it to
	// build typed batch slices.
	DType() reflect.Type
}
