package dutil

import (
	"fmt"
	"math/rand"
)

// BatchSampler yields batches of dataset indexes, optionally shuffled and
// optionally dropping the last incomplete batch.
type BatchSampler struct {
	n         int
	batchSize int
	dropLast  bool
	shuffle   bool
	seed      int64
}

// NewBatchSampler creates a BatchSampler over n samples.
func NewBatchSampler(n, batchSize int, dropLast, shuffle bool) (*BatchSampler, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dataset size must be positive. Got %v", n)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive. Got %v", batchSize)
	}

	return &BatchSampler{
		n:         n,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
	}, nil
}

// SetEpoch reseeds the shuffling order. Distributed runs call this once per
// epoch so every process draws the same permutation.
func (s *BatchSampler) SetEpoch(e int) {
	s.seed = int64(e)
}

// BatchSize returns the configured batch size.
func (s *BatchSampler) BatchSize() int {
	return s.batchSize
}

// Shuffle reports whether the sampler shuffles indexes.
func (s *BatchSampler) Shuffle() bool {
	return s.shuffle
}

// NumBatches returns the number of batches one pass yields.
func (s *BatchSampler) NumBatches() int {
	if s.dropLast {
		return s.n / s.batchSize
	}
	return (s.n + s.batchSize - 1) / s.batchSize
}

// BatchIndexes materializes the index batches for one pass.
func (s *BatchSampler) BatchIndexes() [][]int {
	indexes := make([]int, s.n)
	for i := 0; i < s.n; i++ {
		indexes[i] = i
	}

	if s.shuffle {
		r := rand.New(rand.NewSource(s.seed))
		r.Shuffle(s.n, func(i, j int) {
			indexes[i], indexes[j] = indexes[j], indexes[i]
		})
	}

	var batches [][]int
	for start := 0; start < s.n; start += s.batchSize {
		end := start + s.batchSize
		if end > s.n {
			if s.dropLast {
				break
			}
			end = s.n
		}
		batches = append(batches, indexes[start:end])
	}

	return batches
}
