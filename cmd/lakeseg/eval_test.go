package main

import (
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func writeGrayPNG(t *testing.T, path string, w, h int, y uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			img.SetGray(px, py, color.Gray{Y: y})
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

func TestRunEvalDirectoryStore(t *testing.T) {
	root, err := ioutil.TempDir("", "lakeseg-eval")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	for _, d := range []string{"image", "mask", "pred"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"a.png", "b.png"} {
		writeGrayPNG(t, filepath.Join(root, "image", name), 4, 4, 128)
		writeGrayPNG(t, filepath.Join(root, "mask", name), 4, 4, 1)
		writeGrayPNG(t, filepath.Join(root, "pred", name), 4, 4, 1)
	}
	classes := []byte("background\nlesion\n")
	if err := ioutil.WriteFile(filepath.Join(root, "classes.txt"), classes, 0o644); err != nil {
		t.Fatal(err)
	}

	// Predictions match the ground truth exactly, so eval must succeed.
	if err := runEval(root); err != nil {
		t.Fatalf("eval failed: %v", err)
	}
}
