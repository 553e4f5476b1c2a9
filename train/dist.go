package train

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// DDPWrapper wraps a model for distributed data-parallel training. The
// communication layer lives outside this module; launchers register a
// wrapper before calling TrainSegmentor with distributed enabled.
type DDPWrapper func(m *Model, cfg *Config, rank int) (*Model, error)

var (
	ddpMu      sync.RWMutex
	ddpWrapper DDPWrapper
)

// RegisterDDP installs the distributed model wrapper.
func RegisterDDP(w DDPWrapper) {
	ddpMu.Lock()
	defer ddpMu.Unlock()
	ddpWrapper = w
}

func ddpAvailable() bool {
	ddpMu.RLock()
	defer ddpMu.RUnlock()
	return ddpWrapper != nil
}

func wrapDDP(m *Model, cfg *Config, rank int) (*Model, error) {
	ddpMu.RLock()
	w := ddpWrapper
	ddpMu.RUnlock()
	if w == nil {
		return nil, fmt.Errorf("distributed training requested but no DDP wrapper is registered. Call train.RegisterDDP first")
	}
	return w(m, cfg, rank)
}

// DistInfo is the process-group identity read from the launcher
// environment.
type DistInfo struct {
	Rank      int
	LocalRank int
	WorldSize int
}

// DistInfoFromEnv reads RANK, LOCAL_RANK and WORLD_SIZE. Missing
// variables default to a single-process setup.
func DistInfoFromEnv() DistInfo {
	return DistInfo{
		Rank:      envInt("RANK", 0),
		LocalRank: envInt("LOCAL_RANK", 0),
		WorldSize: envInt("WORLD_SIZE", 1),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
