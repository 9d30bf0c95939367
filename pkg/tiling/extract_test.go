package tiling

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"denoiseg/internal/models"
)

// createTestImage returns an image whose value encodes its flat index
func createTestImage(shape ...int) *models.Array {
	img := models.NewArray(shape...)
	for i := range img.Data {
		img.Data[i] = float32(i)
	}
	return img
}

func quietExtractor() (*Extractor, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewExtractor(log.New(&buf, "", 0)), &buf
}

// TestExtractCoverage verifies floor(N/P) tiles per axis and dropped remainders
func TestExtractCoverage(t *testing.T) {
	ex, _ := quietExtractor()
	img := createTestImage(70, 45)

	tiles, err := ex.Extract(img, nil, []int{16, 16})
	if err != nil {
		t.Fatalf("Failed to extract tiles: %v", err)
	}

	// floor(70/16) * floor(45/16) = 4 * 2
	if len(tiles) != 8 {
		t.Fatalf("Expected 8 tiles, got %d", len(tiles))
	}

	// The first axis advances fastest: tile 1 starts at x=16, tile 4 at y=16
	if tiles[1].Input.At(0, 0) != img.At(16, 0) {
		t.Errorf("Expected tile 1 to start at (16,0), got value %f", tiles[1].Input.At(0, 0))
	}
	if tiles[4].Input.At(0, 0) != img.At(0, 16) {
		t.Errorf("Expected tile 4 to start at (0,16), got value %f", tiles[4].Input.At(0, 0))
	}

	// The last tile ends at (63, 31)
	last := tiles[7].Input
	if last.At(15, 15) != img.At(63, 31) {
		t.Errorf("Expected last tile to end at (63,31), got value %f", last.At(15, 15))
	}

	for i, tile := range tiles {
		if tile.Target != nil || tile.Labeled {
			t.Errorf("Expected unlabeled tile %d", i)
		}
	}
}

// TestExtractWithTarget verifies that target tiles carry the channel axis
func TestExtractWithTarget(t *testing.T) {
	ex, _ := quietExtractor()
	img := createTestImage(8, 8)
	target := createTestImage(8, 8, 3)

	tiles, err := ex.Extract(img, target, []int{4, 4})
	if err != nil {
		t.Fatalf("Failed to extract tiles: %v", err)
	}
	if len(tiles) != 4 {
		t.Fatalf("Expected 4 tiles, got %d", len(tiles))
	}

	tile := tiles[3]
	if !tile.Labeled {
		t.Error("Expected labeled tile")
	}
	if len(tile.Target.Shape) != 3 || tile.Target.Shape[2] != 3 {
		t.Fatalf("Expected target shape [4 4 3], got %v", tile.Target.Shape)
	}
	for c := 0; c < 3; c++ {
		if tile.Target.At(1, 2, c) != target.At(5, 6, c) {
			t.Errorf("Expected channel %d to match source at (5,6)", c)
		}
	}
}

// TestExtractRecursesExtraAxes verifies slicing over axes beyond the training dimensions
func TestExtractRecursesExtraAxes(t *testing.T) {
	ex, _ := quietExtractor()

	// X, Y, Z, T, C: 3 * 2 * 2 extra planes, each holding 2x2 tiles
	img := createTestImage(8, 8, 3, 2, 2)
	target := createTestImage(8, 8, 3, 2, 2, 3)

	tiles, err := ex.Extract(img, target, []int{4, 4})
	if err != nil {
		t.Fatalf("Failed to extract tiles: %v", err)
	}
	if len(tiles) != 4*3*2*2 {
		t.Fatalf("Expected %d tiles, got %d", 4*3*2*2, len(tiles))
	}

	// The last axis is the innermost loop: tile 4 comes from (z=0, t=0, c=1)
	if tiles[4].Input.At(0, 0) != img.At(0, 0, 0, 0, 1) {
		t.Errorf("Expected tile 4 to come from plane (0,0,1)")
	}
	if tiles[4].Target.At(0, 0, 2) != target.At(0, 0, 0, 0, 1, 2) {
		t.Errorf("Expected target tile 4 to come from plane (0,0,1)")
	}

	// Plane z=1 starts after 2*2 planes of 4 tiles
	if tiles[16].Input.At(3, 3) != img.At(3, 3, 1, 0, 0) {
		t.Errorf("Expected tile 16 to come from plane (1,0,0)")
	}
}

// TestExtract3D verifies tiling in three training dimensions
func TestExtract3D(t *testing.T) {
	ex, _ := quietExtractor()
	img := createTestImage(10, 10, 9)

	tiles, err := ex.Extract(img, nil, []int{5, 5, 4})
	if err != nil {
		t.Fatalf("Failed to extract tiles: %v", err)
	}
	if len(tiles) != 2*2*2 {
		t.Fatalf("Expected 8 tiles, got %d", len(tiles))
	}
	if tiles[7].Input.At(4, 4, 3) != img.At(9, 9, 7) {
		t.Errorf("Expected last tile to end at (9,9,7)")
	}
}

// TestExtractTooBig verifies that an oversized patch yields no tiles and a warning
func TestExtractTooBig(t *testing.T) {
	ex, buf := quietExtractor()
	img := createTestImage(10, 10)

	tiles, err := ex.Extract(img, nil, []int{16, 16})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(tiles) != 0 {
		t.Errorf("Expected no tiles, got %d", len(tiles))
	}
	if !strings.Contains(buf.String(), "Warning") {
		t.Errorf("Expected a warning, got %q", buf.String())
	}
}

// TestExtractMismatchedTarget verifies shape validation
func TestExtractMismatchedTarget(t *testing.T) {
	ex, _ := quietExtractor()
	if _, err := ex.Extract(createTestImage(8, 8), createTestImage(8, 6, 3), []int{4, 4}); err == nil {
		t.Error("Expected error for mismatched target, got nil")
	}
	if _, err := ex.Extract(createTestImage(8), nil, []int{4, 4}); err == nil {
		t.Error("Expected error for image with too few dimensions, got nil")
	}
}

// TestSuperpatchSize verifies the tile sizing rule
func TestSuperpatchSize(t *testing.T) {
	cases := []struct {
		shape     []int
		trainDims int
		patch     int
		expected  int
	}{
		{[]int{32, 32}, 2, 32, 32},
		{[]int{322, 322}, 2, 32, 64},
		{[]int{100, 40, 5}, 2, 64, 40},
		{[]int{100, 80, 5}, 3, 64, 5},
	}

	for _, c := range cases {
		got := SuperpatchSize(models.NewArray(c.shape...), c.trainDims, c.patch)
		if got != c.expected {
			t.Errorf("SuperpatchSize(%v, %d, %d): expected %d, got %d",
				c.shape, c.trainDims, c.patch, c.expected, got)
		}
	}
}

func BenchmarkExtract(b *testing.B) {
	ex, _ := quietExtractor()
	img := createTestImage(512, 512)
	target := createTestImage(512, 512, 3)
	patch := CubicShape(2, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ex.Extract(img, target, patch); err != nil {
			b.Fatal(err)
		}
	}
}
