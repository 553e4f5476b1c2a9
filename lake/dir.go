package lake

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ts "github.com/sugarme/gotch/tensor"
)

// Layout of a directory-backed store:
//
//	<root>/image/<name>.{png,jpg,tif,bmp}
//	<root>/mask/<name>.png          (optional)
//	<root>/<other>/<name>.png       (optional, extra mask tensors, e.g. pred/)
//	<root>/classes.txt              (one class name per line)
//
// Image and mask files pair up by base name.
const (
	imageDirName   = "image"
	maskDirName    = "mask"
	classNamesFile = "classes.txt"
)

// DirOptions tunes OpenDir.
type DirOptions struct {
	// MaxSide caps the longer side of decoded samples. 0 keeps original
	// resolution.
	MaxSide int
}

// Open opens a store at path. Only directory-backed stores are supported.
func Open(path string) (*Dataset, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %v failed: %w", path, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("dataset path %v is not a directory", path)
	}

	return OpenDir(path, DirOptions{})
}

// OpenDir opens a directory-backed store rooted at path.
func OpenDir(path string, opts DirOptions) (*Dataset, error) {
	imgDir := filepath.Join(path, imageDirName)
	files, err := listFiles(imgDir)
	if err != nil {
		return nil, fmt.Errorf("reading %v failed: %w", imgDir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no image files found in %v", imgDir)
	}

	ds := NewDataset(filepath.Base(path))

	imgSrc := &fileSource{
		dir:     imgDir,
		files:   files,
		maxSide: opts.MaxSide,
		load:    loadImageTensor,
	}
	if err := ds.AddTensor(NewTensor("images", Info{Htype: HtypeImage}, imgSrc)); err != nil {
		return nil, err
	}

	var classes []string
	maskDir := filepath.Join(path, maskDirName)
	if _, err := os.Stat(maskDir); err == nil {
		maskFiles, err := pairMaskFiles(maskDir, files)
		if err != nil {
			return nil, err
		}
		classes, err = readClassNames(filepath.Join(path, classNamesFile))
		if err != nil {
			return nil, err
		}
		maskSrc := &fileSource{
			dir:     maskDir,
			files:   maskFiles,
			maxSide: opts.MaxSide,
			load:    loadMaskTensor,
		}
		info := Info{Htype: HtypeSegmentMask, ClassNames: classes}
		if err := ds.AddTensor(NewTensor("masks", info, maskSrc)); err != nil {
			return nil, err
		}
	}

	// Any other subdirectory whose files pair with the images becomes an
	// additional mask-valued tensor named after the directory, e.g.
	// pred/ holding predicted masks to evaluate. Directories that do not
	// pair up are skipped.
	entries, err := ioutil.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %v failed: %w", path, err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == imageDirName || e.Name() == maskDirName {
			continue
		}
		extraFiles, err := pairMaskFiles(filepath.Join(path, e.Name()), files)
		if err != nil {
			continue
		}
		extraSrc := &fileSource{
			dir:     filepath.Join(path, e.Name()),
			files:   extraFiles,
			maxSide: opts.MaxSide,
			load:    loadMaskTensor,
		}
		info := Info{Htype: HtypeSegmentMask, ClassNames: classes}
		if err := ds.AddTensor(NewTensor(e.Name(), info, extraSrc)); err != nil {
			return nil, err
		}
	}

	return ds, nil
}

type fileSource struct {
	dir     string
	files   []string
	maxSide int
	load    func(path string, maxSide int) (*ts.Tensor, error)
}

func (s *fileSource) Len() int { return len(s.files) }

func (s *fileSource) Sample(idx int) (*ts.Tensor, error) {
	return s.load(filepath.Join(s.dir, s.files[idx]), s.maxSide)
}

func listFiles(dir string) ([]string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	return files, nil
}

// pairMaskFiles finds, for every image file, the mask file sharing its base
// name.
func pairMaskFiles(maskDir string, imageFiles []string) ([]string, error) {
	available, err := listFiles(maskDir)
	if err != nil {
		return nil, fmt.Errorf("reading %v failed: %w", maskDir, err)
	}

	byBase := make(map[string]string, len(available))
	for _, f := range available {
		base := strings.TrimSuffix(f, filepath.Ext(f))
		byBase[base] = f
	}

	masks := make([]string, len(imageFiles))
	for i, f := range imageFiles {
		base := strings.TrimSuffix(f, filepath.Ext(f))
		m, ok := byBase[base]
		if !ok {
			return nil, fmt.Errorf("no mask found for image %v in %v", f, maskDir)
		}
		masks[i] = m
	}

	return masks, nil
}

func readClassNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading class names failed: %w", err)
	}
	defer f.Close()

	var classes []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" {
			continue
		}
		classes = append(classes, name)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no class names found in %v", path)
	}

	return classes, nil
}

// FuncSource adapts a closure into a SampleSource. Handy for in-memory or
// synthesized tensors.
type FuncSource struct {
	N  int
	Fn func(idx int) (*ts.Tensor, error)
}

func (s *FuncSource) Len() int { return s.N }

func (s *FuncSource) Sample(idx int) (*ts.Tensor, error) {
	if s.Fn == nil {
		return nil, fmt.Errorf("source has no sample function")
	}
	return s.Fn(idx)
}
