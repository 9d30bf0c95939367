package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"denoiseg/internal/models"
)

// writeGray16 writes a 16 bit PNG whose pixels are given by pattern
func writeGray16(t *testing.T, path string, width, height int, pattern func(x, y int) uint16) {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: pattern(x, y)})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func quietLoader() (*Loader, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLoader(log.New(&buf, "", 0)), &buf
}

// TestLoadImage verifies the axis order and native value scale
func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.png")
	writeGray16(t, path, 5, 3, func(x, y int) uint16 { return uint16(y*100 + x) })

	l, _ := quietLoader()
	img, err := l.LoadImage(path)
	if err != nil {
		t.Fatalf("Failed to load image: %v", err)
	}
	if img.NumDims() != 2 || img.Shape[0] != 5 || img.Shape[1] != 3 {
		t.Fatalf("Expected shape [5 3], got %v", img.Shape)
	}
	if img.At(4, 2) != 204 {
		t.Errorf("Expected value 204 at (4,2), got %f", img.At(4, 2))
	}
}

// TestLoadStack verifies that a directory of slices becomes a 3D array
func TestLoadStack(t *testing.T) {
	dir := t.TempDir()
	stack := filepath.Join(dir, "stack")
	if err := os.Mkdir(stack, 0755); err != nil {
		t.Fatal(err)
	}
	// Numeric order differs from lexical order
	for _, z := range []int{2, 10, 1} {
		z := z
		writeGray16(t, filepath.Join(stack, "slice_"+strconv.Itoa(z)+".png"), 4, 4, func(x, y int) uint16 { return uint16(z) })
	}

	l, _ := quietLoader()
	img, err := l.LoadImage(stack)
	if err != nil {
		t.Fatalf("Failed to load stack: %v", err)
	}
	if img.NumDims() != 3 || img.Shape[2] != 3 {
		t.Fatalf("Expected shape [4 4 3], got %v", img.Shape)
	}
	for z, expected := range []float32{1, 2, 10} {
		if img.At(0, 0, z) != expected {
			t.Errorf("Expected slice %d to hold %f, got %f", z, expected, img.At(0, 0, z))
		}
	}
}

// TestLoadPairedDirectory verifies matching by name and per-file skipping
func TestLoadPairedDirectory(t *testing.T) {
	dir := t.TempDir()
	rawDir := filepath.Join(dir, "raw")
	labelDir := filepath.Join(dir, "labels")
	for _, d := range []string{rawDir, labelDir} {
		if err := os.Mkdir(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	writeGray16(t, filepath.Join(rawDir, "a.png"), 8, 8, func(x, y int) uint16 { return 10 })
	writeGray16(t, filepath.Join(rawDir, "b.png"), 8, 8, func(x, y int) uint16 { return 20 })
	writeGray16(t, filepath.Join(rawDir, "c.png"), 8, 8, func(x, y int) uint16 { return 30 })
	if err := os.WriteFile(filepath.Join(rawDir, "broken.png"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rawDir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	writeGray16(t, filepath.Join(labelDir, "a.png"), 8, 8, func(x, y int) uint16 {
		if x > 3 {
			return 300
		}
		return 0
	})
	// Labeling of the wrong size is ignored
	writeGray16(t, filepath.Join(labelDir, "c.png"), 4, 4, func(x, y int) uint16 { return 1 })

	l, logs := quietLoader()
	pairs, err := l.LoadPairedDirectory(rawDir, labelDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("Expected 3 pairs, got %d", len(pairs))
	}

	if pairs[0].Name != "a.png" || pairs[0].Labeling == nil {
		t.Fatalf("Expected a.png to be labeled")
	}
	if pairs[0].Labeling.At(5, 0) != 300 || pairs[0].Labeling.At(0, 0) != 0 {
		t.Errorf("Expected labels 300 and 0, got %d and %d", pairs[0].Labeling.At(5, 0), pairs[0].Labeling.At(0, 0))
	}
	if pairs[1].Labeling != nil {
		t.Error("Expected b.png to be unlabeled")
	}
	if pairs[2].Labeling != nil {
		t.Error("Expected mismatched labeling of c.png to be ignored")
	}

	if !strings.Contains(logs.String(), "broken.png") {
		t.Errorf("Expected a warning about broken.png, got %q", logs.String())
	}
}

// TestLoadDirectoryMissing verifies the error for a missing directory
func TestLoadDirectoryMissing(t *testing.T) {
	l, _ := quietLoader()
	if _, err := l.LoadDirectory(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing directory, got nil")
	}
}

// TestWritePreview verifies that previews stretch the value range
func TestWritePreview(t *testing.T) {
	a := models.NewArray(4, 4, 2)
	for i := range a.Data {
		a.Data[i] = float32(i) - 3
	}
	path := filepath.Join(t.TempDir(), "previews", "p.png")
	if err := WritePreview(a, path); err != nil {
		t.Fatalf("Failed to write preview: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	img, err := png.Decode(file)
	if err != nil {
		t.Fatalf("Failed to decode preview: %v", err)
	}

	lo := color.Gray16Model.Convert(img.At(0, 0)).(color.Gray16).Y
	hi := color.Gray16Model.Convert(img.At(3, 3)).(color.Gray16).Y
	if lo != 0 || hi != 65535 {
		t.Errorf("Expected range [0, 65535], got [%d, %d]", lo, hi)
	}
}

// TestWriteImageRoundTrip verifies that written images load back unchanged
func TestWriteImageRoundTrip(t *testing.T) {
	a := models.NewArray(6, 2)
	for i := range a.Data {
		a.Data[i] = float32(i * 1000)
	}
	path := filepath.Join(t.TempDir(), "out.png")
	if err := WriteImage(a, path); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}

	l, _ := quietLoader()
	b, err := l.LoadImage(path)
	if err != nil {
		t.Fatalf("Failed to load image: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("Expected %f at %d, got %f", a.Data[i], i, b.Data[i])
		}
	}
}

// TestExtractNumber verifies slice ordering keys
func TestExtractNumber(t *testing.T) {
	cases := map[string]int{
		"slice_012.png": 12,
		"t1_z3.tif":     13,
		"plain.png":     0,
	}
	for name, expected := range cases {
		if got := extractNumber(name); got != expected {
			t.Errorf("extractNumber(%q): expected %d, got %d", name, expected, got)
		}
	}
}
