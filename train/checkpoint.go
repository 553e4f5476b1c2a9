package train

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Checkpoint weight files are named epoch_<n>.gt or iter_<n>.gt with a
// .json sidecar carrying loop state.
const checkpointExt = ".gt"

type checkpointMeta struct {
	Epoch int `json:"epoch"`
	Iter  int `json:"iter"`
}

// FindLatestCheckpoint returns the newest checkpoint weight file in
// workDir, judged by epoch/iter number in the file name. It returns ""
// when the directory holds none.
func FindLatestCheckpoint(workDir string) (string, error) {
	entries, err := ioutil.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("scanning %v for checkpoints failed: %w", workDir, err)
	}

	best := -1
	var latest string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := checkpointNumber(e.Name())
		if !ok {
			continue
		}
		if n > best {
			best = n
			latest = filepath.Join(workDir, e.Name())
		}
	}

	return latest, nil
}

func checkpointNumber(name string) (int, bool) {
	if !strings.HasSuffix(name, checkpointExt) {
		return 0, false
	}
	base := strings.TrimSuffix(name, checkpointExt)

	var numStr string
	switch {
	case strings.HasPrefix(base, "epoch_"):
		numStr = strings.TrimPrefix(base, "epoch_")
	case strings.HasPrefix(base, "iter_"):
		numStr = strings.TrimPrefix(base, "iter_")
	default:
		return 0, false
	}

	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false
	}
	return n, true
}

func metaPath(weightPath string) string {
	return strings.TrimSuffix(weightPath, checkpointExt) + ".json"
}

func writeCheckpointMeta(weightPath string, meta checkpointMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(metaPath(weightPath), data, 0o644)
}

func readCheckpointMeta(weightPath string) (checkpointMeta, error) {
	var meta checkpointMeta
	data, err := ioutil.ReadFile(metaPath(weightPath))
	if err != nil {
		return meta, fmt.Errorf("reading checkpoint meta for %v failed: %w", weightPath, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parsing checkpoint meta for %v failed: %w", weightPath, err)
	}
	return meta, nil
}
