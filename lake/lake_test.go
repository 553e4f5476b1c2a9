package lake_test

import (
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sugarme/lakeseg/lake"
)

func funcTensor(name, htype string, n int, classes ...string) *lake.Tensor {
	info := lake.Info{Htype: htype, ClassNames: classes}
	return lake.NewTensor(name, info, &lake.FuncSource{N: n})
}

func TestDatasetTensors(t *testing.T) {
	ds := lake.NewDataset("test")
	if err := ds.AddTensor(funcTensor("images", lake.HtypeImage, 5)); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddTensor(funcTensor("masks", lake.HtypeSegmentMask, 5, "bg", "cell")); err != nil {
		t.Fatal(err)
	}

	if got := ds.NumSamples(); got != 5 {
		t.Errorf("want 5 samples, got %v", got)
	}

	mt, err := ds.Tensor("masks")
	if err != nil {
		t.Fatal(err)
	}
	if got := mt.Info().ClassNames; len(got) != 2 || got[1] != "cell" {
		t.Errorf("unexpected class names: %v", got)
	}

	if _, err := ds.Tensor("nope"); err == nil {
		t.Error("want error for unknown tensor")
	}
}

func TestAddTensorMismatch(t *testing.T) {
	ds := lake.NewDataset("test")
	if err := ds.AddTensor(funcTensor("images", lake.HtypeImage, 5)); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddTensor(funcTensor("masks", lake.HtypeSegmentMask, 4)); err == nil {
		t.Error("want error for sample count mismatch")
	}
	if err := ds.AddTensor(funcTensor("images", lake.HtypeImage, 5)); err == nil {
		t.Error("want error for duplicate tensor name")
	}
}

func TestFindTensorWithHtype(t *testing.T) {
	ds := lake.NewDataset("test")
	if err := ds.AddTensor(funcTensor("images", lake.HtypeImage, 3)); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddTensor(funcTensor("masks", lake.HtypeSegmentMask, 3)); err != nil {
		t.Fatal(err)
	}

	name, err := lake.FindTensorWithHtype(ds, lake.HtypeSegmentMask, "gt_semantic_seg")
	if err != nil {
		t.Fatal(err)
	}
	if name != "masks" {
		t.Errorf("want masks, got %v", name)
	}

	if _, err := lake.FindTensorWithHtype(ds, "bbox", "gt_bboxes"); err == nil {
		t.Error("want error when htype is absent")
	}

	if err := ds.AddTensor(funcTensor("masks2", lake.HtypeSegmentMask, 3)); err != nil {
		t.Fatal(err)
	}
	_, err = lake.FindTensorWithHtype(ds, lake.HtypeSegmentMask, "gt_semantic_seg")
	if err == nil {
		t.Fatal("want error when htype is ambiguous")
	}
	if !strings.Contains(err.Error(), "masks2") {
		t.Errorf("error should list candidates: %v", err)
	}
}

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestOpenDir(t *testing.T) {
	root, err := ioutil.TempDir("", "lakeseg-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	for _, d := range []string{"image", "mask"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writePNG(t, filepath.Join(root, "image", "a.png"), 8, 8, color.RGBA{R: 200, A: 255})
	writePNG(t, filepath.Join(root, "image", "b.png"), 8, 8, color.RGBA{G: 200, A: 255})
	writePNG(t, filepath.Join(root, "mask", "a.png"), 8, 8, color.Gray{Y: 1})
	writePNG(t, filepath.Join(root, "mask", "b.png"), 8, 8, color.Gray{Y: 0})
	classes := []byte("background\ncell\n")
	if err := ioutil.WriteFile(filepath.Join(root, "classes.txt"), classes, 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := lake.Open(root)
	if err != nil {
		t.Fatal(err)
	}

	if got := ds.NumSamples(); got != 2 {
		t.Errorf("want 2 samples, got %v", got)
	}

	mt, err := ds.Tensor("masks")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"background", "cell"}
	got := mt.Info().ClassNames
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("want classes %v, got %v", want, got)
	}
}

func TestOpenDirExtraMaskTensors(t *testing.T) {
	root, err := ioutil.TempDir("", "lakeseg-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	for _, d := range []string{"image", "mask", "pred", "notes"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"a.png", "b.png"} {
		writePNG(t, filepath.Join(root, "image", name), 8, 8, color.RGBA{R: 200, A: 255})
		writePNG(t, filepath.Join(root, "mask", name), 8, 8, color.Gray{Y: 1})
		writePNG(t, filepath.Join(root, "pred", name), 8, 8, color.Gray{Y: 1})
	}
	// notes/ does not pair with the images and must be ignored.
	writePNG(t, filepath.Join(root, "notes", "scratch.png"), 8, 8, color.Gray{Y: 0})
	classes := []byte("background\ncell\n")
	if err := ioutil.WriteFile(filepath.Join(root, "classes.txt"), classes, 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := lake.Open(root)
	if err != nil {
		t.Fatal(err)
	}

	pt, err := ds.Tensor("pred")
	if err != nil {
		t.Fatal(err)
	}
	if got := pt.Info().Htype; got != lake.HtypeSegmentMask {
		t.Errorf("want htype %v, got %v", lake.HtypeSegmentMask, got)
	}
	if got := pt.Info().ClassNames; len(got) != 2 || got[1] != "cell" {
		t.Errorf("unexpected class names: %v", got)
	}
	if pt.Len() != 2 {
		t.Errorf("want 2 prediction samples, got %v", pt.Len())
	}

	if _, err := ds.Tensor("notes"); err == nil {
		t.Error("unpaired directory should not become a tensor")
	}
}

func TestOpenDirMissingMask(t *testing.T) {
	root, err := ioutil.TempDir("", "lakeseg-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	for _, d := range []string{"image", "mask"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writePNG(t, filepath.Join(root, "image", "a.png"), 4, 4, color.RGBA{A: 255})
	classes := []byte("background\n")
	if err := ioutil.WriteFile(filepath.Join(root, "classes.txt"), classes, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := lake.Open(root); err == nil {
		t.Error("want error when a mask file is missing")
	}
}
