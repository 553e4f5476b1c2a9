package train

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/sugarme/lakeseg/dutil"
	"github.com/sugarme/lakeseg/lake"
	"github.com/sugarme/lakeseg/pipeline"
)

// LoaderConfig is the resolved per-loader configuration.
type LoaderConfig struct {
	BatchSize         int
	NumWorkers        int
	Shuffle           bool
	DropLast          bool
	PersistentWorkers bool
	Distributed       bool
	NumGPUs           int
	Seed              int64
	Mode              string
	IgnoreIndex       int64
	ReduceZeroLabel   bool
	ToBGR             bool
}

// LoaderBackend builds a DataLoader over a SegDataset.
type LoaderBackend func(sd *SegDataset, cfg LoaderConfig) (*dutil.DataLoader, error)

var (
	backendMu sync.RWMutex
	backends  = map[string]LoaderBackend{
		LoaderNative: buildNativeLoader,
	}
)

// RegisterLoaderBackend registers an alternative loader implementation,
// e.g. the accelerated "c++" loader.
func RegisterLoaderBackend(name string, b LoaderBackend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[name] = b
}

func unregisterLoaderBackend(name string) {
	backendMu.Lock()
	defer backendMu.Unlock()
	delete(backends, name)
}

func loaderBackend(name string) (LoaderBackend, bool) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	b, ok := backends[name]
	return b, ok
}

// AcceleratedLoaderAvailable reports whether the accelerated loader
// backend has been registered.
func AcceleratedLoaderAvailable() bool {
	_, ok := loaderBackend(LoaderAccel)
	return ok
}

// ResolveLoaderType normalizes a configured loader type, resolving "auto"
// to the accelerated loader when available.
func ResolveLoaderType(typ string) (string, error) {
	norm, err := normalizeLoaderType(typ)
	if err != nil {
		return "", err
	}
	if norm == LoaderAuto {
		if AcceleratedLoaderAvailable() {
			return LoaderAccel, nil
		}
		return LoaderNative, nil
	}
	return norm, nil
}

// BuildDataLoader constructs a loader and its SegDataset view from a
// stored dataset. impl selects the backend; distributed runs require the
// accelerated loader.
func BuildDataLoader(ds *lake.Dataset, imagesTensor, masksTensor string, steps []pipeline.StepConfig, impl string, cfg LoaderConfig) (*dutil.DataLoader, *SegDataset, error) {
	impl, err := ResolveLoaderType(impl)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Distributed && impl == LoaderNative {
		return nil, nil, fmt.Errorf("distributed training is not supported by the native data loader. Set dataloader_type to 'c++' to use the accelerated loader instead")
	}

	pl, err := pipeline.Build(steps)
	if err != nil {
		return nil, nil, err
	}

	sd, err := NewSegDataset(SegDatasetConfig{
		Dataset:         ds,
		ImagesTensor:    imagesTensor,
		MasksTensor:     masksTensor,
		Pipeline:        pl,
		Mode:            cfg.Mode,
		ToBGR:           cfg.ToBGR,
		IgnoreIndex:     cfg.IgnoreIndex,
		ReduceZeroLabel: cfg.ReduceZeroLabel,
		NumGPUs:         cfg.NumGPUs,
	})
	if err != nil {
		return nil, nil, err
	}

	backend, ok := loaderBackend(impl)
	if !ok {
		return nil, nil, fmt.Errorf("loader backend %q is not registered. Registered: %v", impl, registeredBackends())
	}

	loader, err := backend(sd, cfg)
	if err != nil {
		return nil, nil, err
	}

	return loader, sd, nil
}

func buildNativeLoader(sd *SegDataset, cfg LoaderConfig) (*dutil.DataLoader, error) {
	if cfg.PersistentWorkers {
		log.Println("Persistent workers are not supported by the native loader. persistent_workers=false will be used instead.")
	}

	s, err := dutil.NewBatchSampler(sd.Len(), cfg.BatchSize, cfg.DropLast, cfg.Shuffle)
	if err != nil {
		return nil, err
	}
	s.SetEpoch(int(cfg.Seed))

	dl, err := dutil.NewDataLoader(sd, s)
	if err != nil {
		return nil, err
	}
	dl.SetNumWorkers(cfg.NumWorkers)
	dl.Reset()

	return dl, nil
}

func registeredBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
