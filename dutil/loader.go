package dutil

import (
	"fmt"
	"reflect"
	"sync"
)

// DataLoader iterates a Dataset batch by batch following a BatchSampler.
// With NumWorkers > 0 it decodes upcoming batches on a pool of goroutines
// while the caller consumes the current one; batch order is preserved.
type DataLoader struct {
	dataset    Dataset
	sampler    *BatchSampler
	numWorkers int

	batches [][]int
	cur     int

	// one buffered channel per pending batch, filled by the worker pool
	results []chan batchResult
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

type batchResult struct {
	batch interface{}
	err   error
}

// NewDataLoader creates a DataLoader over ds driven by s.
func NewDataLoader(ds Dataset, s *BatchSampler) (*DataLoader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset must not be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("sampler must not be nil")
	}

	dl := &DataLoader{
		dataset: ds,
		sampler: s,
	}
	dl.Reset()

	return dl, nil
}

// SetNumWorkers sets the number of prefetch workers for subsequent passes.
func (dl *DataLoader) SetNumWorkers(n int) {
	if n < 0 {
		n = 0
	}
	dl.numWorkers = n
}

// Sampler returns the underlying batch sampler.
func (dl *DataLoader) Sampler() *BatchSampler {
	return dl.sampler
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	return len(dl.batches)
}

// HasNext reports whether the current pass has remaining batches.
func (dl *DataLoader) HasNext() bool {
	return dl.cur < len(dl.batches)
}

// Reset rewinds the loader and redraws the batch order from the sampler.
func (dl *DataLoader) Reset() {
	dl.shutdown()
	dl.batches = dl.sampler.BatchIndexes()
	dl.cur = 0
	dl.results = nil
	dl.started = false
}

// Next returns the next batch as a typed slice of dataset items, e.g.
// []*pipeline.Sample wrapped in an interface{}.
func (dl *DataLoader) Next() (interface{}, error) {
	if !dl.HasNext() {
		return nil, fmt.Errorf("no more batches. Call Reset() to start a new pass")
	}

	if dl.numWorkers > 0 {
		if !dl.started {
			dl.startWorkers()
		}
		res := <-dl.results[dl.cur]
		dl.cur++
		return res.batch, res.err
	}

	batch, err := dl.loadBatch(dl.batches[dl.cur])
	dl.cur++

	return batch, err
}

func (dl *DataLoader) loadBatch(indexes []int) (interface{}, error) {
	items := make([]interface{}, len(indexes))
	for i, idx := range indexes {
		item, err := dl.dataset.Item(idx)
		if err != nil {
			return nil, fmt.Errorf("loading sample %v failed: %w", idx, err)
		}
		items[i] = item
	}

	// Assemble a typed slice so callers can assert the concrete batch type.
	elemType := dl.dataset.DType()
	if len(items) > 0 {
		elemType = reflect.TypeOf(items[0])
	}
	batch := reflect.MakeSlice(reflect.SliceOf(elemType), 0, len(items))
	for _, item := range items {
		batch = reflect.Append(batch, reflect.ValueOf(item))
	}

	return batch.Interface(), nil
}

func (dl *DataLoader) startWorkers() {
	dl.results = make([]chan batchResult, len(dl.batches))
	for i := range dl.results {
		dl.results[i] = make(chan batchResult, 1)
	}
	dl.stop = make(chan struct{})

	jobs := make(chan int)
	for w := 0; w < dl.numWorkers; w++ {
		dl.wg.Add(1)
		go func() {
			defer dl.wg.Done()
			for i := range jobs {
				batch, err := dl.loadBatch(dl.batches[i])
				select {
				case dl.results[i] <- batchResult{batch: batch, err: err}:
				case <-dl.stop:
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range dl.batches {
			select {
			case jobs <- i:
			case <-dl.stop:
				return
			}
		}
	}()

	dl.started = true
}

func (dl *DataLoader) shutdown() {
	if !dl.started {
		return
	}
	close(dl.stop)
	// drain so blocked workers can observe stop
	for _, ch := range dl.results {
		select {
		case <-ch:
		default:
		}
	}
	dl.wg.Wait()
	dl.started = false
}
