package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writePNG writes a width x height RGB image whose red channel encodes x and
// green channel encodes y.
func writePNG(t *testing.T, path string, width, height int, base uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 8), B: base, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
}

// createSRDataset creates n 16x12 HR images under root/HR.
func createSRDataset(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		writePNG(t, filepath.Join(root, "HR", fmt.Sprintf("%04d.png", i+1)), 16, 12, uint8(i*10))
	}
	return root
}

func TestNewSRFolder(t *testing.T) {
	root := createSRDataset(t, 3)
	os.WriteFile(filepath.Join(root, "HR", "notes.txt"), []byte("x"), 0644)

	d, err := NewSRFolder(Options{Root: root, Scales: []int{2}})
	if err != nil {
		t.Fatalf("NewSRFolder failed: %v", err)
	}
	if d.Len() != 3 {
		t.Errorf("expected 3 images, got %d", d.Len())
	}
	if names := d.Names(); names[0] != "0001" || names[2] != "0003" {
		t.Errorf("unexpected names %v", names)
	}

	if _, err := NewSRFolder(Options{Root: t.TempDir(), Scales: []int{2}}); err == nil {
		t.Error("expected error for an empty directory")
	}
	if _, err := NewSRFolder(Options{Root: root}); err == nil {
		t.Error("expected error without scales")
	}
	if _, err := NewSRFolder(Options{Root: root, Scales: []int{4}, Train: true, PatchSize: 2}); err == nil {
		t.Error("expected error for a patch smaller than the scale")
	}
}

func TestSRFolderEvaluationSample(t *testing.T) {
	root := createSRDataset(t, 2)
	d, err := NewSRFolder(Options{Root: root, Scales: []int{2, 3}, CacheSize: 8})
	if err != nil {
		t.Fatalf("NewSRFolder failed: %v", err)
	}

	lr, hr, name, err := d.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if name != "0002" {
		t.Errorf("expected name 0002, got %q", name)
	}
	if lr.Shape[0] != 3 || lr.Shape[1] != 6 || lr.Shape[2] != 8 {
		t.Errorf("expected LR [3 6 8], got %v", lr.Shape)
	}
	if hr.Shape[1] != 12 || hr.Shape[2] != 16 {
		t.Errorf("expected HR [3 12 16], got %v", hr.Shape)
	}
	// Red of LR pixel (0,0) is the mean of x = 0, 1 -> (0 + 8) / 2.
	if lr.Data[0] != 4 {
		t.Errorf("expected box-downsampled value 4, got %v", lr.Data[0])
	}

	d.SetScale(1)
	lr, hr, _, _ = d.Get(0)
	if lr.Shape[1] != 4 || lr.Shape[2] != 5 {
		t.Errorf("expected x3 LR [3 4 5], got %v", lr.Shape)
	}
	// HR is cropped to a multiple of the scale.
	if hr.Shape[1] != 12 || hr.Shape[2] != 15 {
		t.Errorf("expected cropped HR [3 12 15], got %v", hr.Shape)
	}

	d.Get(0)
	if d.CacheStats().Hits == 0 {
		t.Error("expected cache hits on repeated access")
	}
	if _, _, _, err := d.Get(2); err == nil {
		t.Error("expected error for an out of range index")
	}
}

func TestSRFolderUsesStoredLR(t *testing.T) {
	root := createSRDataset(t, 1)
	writePNG(t, filepath.Join(root, "LR_bicubic", "X2", "0001x2.png"), 8, 6, 200)

	d, err := NewSRFolder(Options{Root: root, Scales: []int{2}})
	if err != nil {
		t.Fatalf("NewSRFolder failed: %v", err)
	}
	lr, _, _, err := d.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Blue channel of the stored file is 200; the HR image has 0.
	if blue := lr.Data[2*6*8]; blue != 200 {
		t.Errorf("expected the stored LR image, blue = %v", blue)
	}
}

func TestSRFolderTrainingPatches(t *testing.T) {
	root := createSRDataset(t, 2)
	opts := Options{Root: root, Scales: []int{2}, Train: true, PatchSize: 8, Repeat: 3, Augment: true, Seed: 5}
	d, err := NewSRFolder(opts)
	if err != nil {
		t.Fatalf("NewSRFolder failed: %v", err)
	}
	if d.Len() != 6 {
		t.Errorf("expected 6 samples with repeat 3, got %d", d.Len())
	}

	lr, hr, _, err := d.Get(5)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if lr.Shape[1] != 4 || lr.Shape[2] != 4 || hr.Shape[1] != 8 || hr.Shape[2] != 8 {
		t.Fatalf("unexpected patch shapes %v %v", lr.Shape, hr.Shape)
	}

	// The same seed reproduces the same patches.
	other, _ := NewSRFolder(opts)
	d.Reseed(9)
	other.Reseed(9)
	for i := 0; i < 4; i++ {
		a, _, _, _ := d.Get(i)
		b, _, _, _ := other.Get(i)
		for j := range a.Data {
			if a.Data[j] != b.Data[j] {
				t.Fatalf("sample %d differs after reseeding", i)
			}
		}
	}
}

func TestSRFolderNoiseIsReproducible(t *testing.T) {
	root := createSRDataset(t, 1)
	d, err := NewSRFolder(Options{Root: root, Scales: []int{2}, Noise: 10, CacheSize: 4})
	if err != nil {
		t.Fatalf("NewSRFolder failed: %v", err)
	}
	d.Reseed(0)
	a, _, _, _ := d.Get(0)
	d.Reseed(0)
	b, _, _, _ := d.Get(0)
	clean, _ := d.cache.Get(lrKey(2, 0))

	noisy := false
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatal("noise differs after reseeding")
		}
		if a.Data[i] != clean.Data[i] {
			noisy = true
		}
	}
	if !noisy {
		t.Error("noise was not applied")
	}
}

func TestSRFolderLROnly(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "input.png"), 5, 4, 0)
	d, err := NewSRFolder(Options{Root: root, Scales: []int{2}, LROnly: true})
	if err != nil {
		t.Fatalf("NewSRFolder failed: %v", err)
	}
	lr, hr, name, err := d.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hr != nil || name != "input" || lr.Shape[2] != 5 {
		t.Errorf("unexpected LR-only sample: %v %v %q", lr.Shape, hr, name)
	}
}

func TestSRFolderPreload(t *testing.T) {
	root := createSRDataset(t, 3)
	d, err := NewSRFolder(Options{Root: root, Scales: []int{2}, CacheSize: 10, Workers: 2})
	if err != nil {
		t.Fatalf("NewSRFolder failed: %v", err)
	}
	if d.CacheStats().Size != 3 {
		t.Errorf("expected 3 preloaded images, got %d", d.CacheStats().Size)
	}
}

func TestIsBenchmark(t *testing.T) {
	for _, name := range []string{"Set5", "Set14", "B100", "Urban100"} {
		if !IsBenchmark(name) {
			t.Errorf("%s should be a benchmark", name)
		}
	}
	if IsBenchmark("DIV2K") {
		t.Error("DIV2K is not a benchmark")
	}
}
