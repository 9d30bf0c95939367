package blindspot

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"denoiseg/internal/models"
)

func createPatch(shape ...int) *models.Array {
	patch := models.NewArray(append(append([]int{}, shape...), 1)...)
	for i := range patch.Data {
		patch.Data[i] = float32(i + 1)
	}
	return patch
}

// TestSamplerGeometry verifies the blind spot count and box size
func TestSamplerGeometry(t *testing.T) {
	cases := []struct {
		shape     []int
		percPix   float64
		numPixels int
		boxSize   int
	}{
		{[]int{64, 64}, 1.6, 65, 8},
		{[]int{32, 32}, 1.6, 16, 8},
		{[]int{32, 32, 32}, 1.6, 524, 8},
		{[]int{100, 100}, 4, 400, 5},
	}

	for _, c := range cases {
		s, err := NewSampler(c.shape, c.percPix, 5)
		if err != nil {
			t.Fatalf("Failed to create sampler for %v: %v", c.shape, err)
		}
		if s.NumPixels() != c.numPixels {
			t.Errorf("%v: expected %d blind spots, got %d", c.shape, c.numPixels, s.NumPixels())
		}
		if s.BoxSize() != c.boxSize {
			t.Errorf("%v: expected box size %d, got %d", c.shape, c.boxSize, s.BoxSize())
		}
	}
}

// TestSamplerRejectsTinyPatch verifies that a patch without blind spots is refused
func TestSamplerRejectsTinyPatch(t *testing.T) {
	if _, err := NewSampler([]int{4, 4}, 1.6, 5); err == nil {
		t.Error("Expected error for a patch yielding no blind spots, got nil")
	}
	if _, err := NewSampler(nil, 1.6, 5); err == nil {
		t.Error("Expected error for an empty shape, got nil")
	}
}

// TestStratifiedCoords verifies one in-bounds coordinate per box
func TestStratifiedCoords(t *testing.T) {
	s, err := NewSampler([]int{64, 64}, 1.6, 5)
	if err != nil {
		t.Fatalf("Failed to create sampler: %v", err)
	}
	rng := rand.New(rand.NewSource(7))

	coords := s.StratifiedCoords(rng)

	// 64 is a multiple of the box size 8, so every box contributes
	if len(coords) != 64 {
		t.Fatalf("Expected 64 coordinates, got %d", len(coords))
	}
	if math.Abs(float64(len(coords)-s.NumPixels())) > float64(64/s.BoxSize()) {
		t.Errorf("Expected about %d coordinates, got %d", s.NumPixels(), len(coords))
	}

	seen := make(map[[2]int]bool)
	for _, c := range coords {
		if c[0] < 0 || c[0] >= 64 || c[1] < 0 || c[1] >= 64 {
			t.Fatalf("Coordinate %v outside the patch", c)
		}
		box := [2]int{c[0] / 8, c[1] / 8}
		if seen[box] {
			t.Errorf("Box %v holds more than one coordinate", box)
		}
		seen[box] = true
	}
}

// TestStratifiedCoordsPartialBoxes verifies that out-of-range draws are dropped
func TestStratifiedCoordsPartialBoxes(t *testing.T) {
	s, err := NewSampler([]int{30, 30}, 1.6, 5)
	if err != nil {
		t.Fatalf("Failed to create sampler: %v", err)
	}
	rng := rand.New(rand.NewSource(3))

	boxes := (30 + s.BoxSize() - 1) / s.BoxSize()
	for i := 0; i < 20; i++ {
		coords := s.StratifiedCoords(rng)
		if len(coords) > boxes*boxes {
			t.Fatalf("Expected at most %d coordinates, got %d", boxes*boxes, len(coords))
		}
		for _, c := range coords {
			if c[0] >= 30 || c[1] >= 30 {
				t.Fatalf("Coordinate %v outside the patch", c)
			}
		}
	}
}

// TestManipulateTargets verifies the masked-target consistency
func TestManipulateTargets(t *testing.T) {
	s, err := NewSampler([]int{32, 32}, 1.6, 2)
	if err != nil {
		t.Fatalf("Failed to create sampler: %v", err)
	}
	rng := rand.New(rand.NewSource(11))

	patch := createPatch(32, 32)
	original := patch.Clone()
	target := s.NewTarget()

	coords, err := s.Manipulate(patch, target, rng)
	if err != nil {
		t.Fatalf("Failed to manipulate patch: %v", err)
	}
	if len(coords) == 0 {
		t.Fatal("Expected blind spots, got none")
	}

	masked := make(map[[2]int]bool)
	for _, c := range coords {
		masked[[2]int{c[0], c[1]}] = true

		if target.At(c[0], c[1], 0) != original.At(c[0], c[1], 0) {
			t.Errorf("Expected original value %f at %v, got %f",
				original.At(c[0], c[1], 0), c, target.At(c[0], c[1], 0))
		}
		if target.At(c[0], c[1], 1) != 1 {
			t.Errorf("Expected indicator 1 at %v", c)
		}

		// The replacement comes from within the radius
		v := int(patch.At(c[0], c[1], 0)) - 1
		x, y := v%32, v/32
		if abs(x-c[0]) > 4 || abs(y-c[1]) > 4 {
			t.Errorf("Replacement at %v came from (%d,%d), too far away", c, x, y)
		}
	}

	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if masked[[2]int{x, y}] {
				continue
			}
			if target.At(x, y, 1) != 0 || target.At(x, y, 0) != 0 {
				t.Fatalf("Expected untouched target at (%d,%d)", x, y)
			}
			if patch.At(x, y, 0) != original.At(x, y, 0) {
				t.Fatalf("Expected unmasked input at (%d,%d) to be unchanged", x, y)
			}
		}
	}
}

// TestManipulateShiftsWindowAtBorder verifies replacements near the patch edge
func TestManipulateShiftsWindowAtBorder(t *testing.T) {
	s, err := NewSampler([]int{20, 20}, 5, 5)
	if err != nil {
		t.Fatalf("Failed to create sampler: %v", err)
	}
	rng := rand.New(rand.NewSource(5))
	patch := createPatch(20, 20)

	for i := 0; i < 200; i++ {
		v := s.neighborValue(patch, []int{19, 0}, rng)
		idx := int(v) - 1
		x, y := idx%20, idx/20
		if x < 9 || x > 19 || y < 0 || y > 10 {
			t.Fatalf("Expected replacement inside the shifted window, got (%d,%d)", x, y)
		}
	}
}

// TestManipulateWindowWiderThanPatch verifies that a narrow patch clamps the window
func TestManipulateWindowWiderThanPatch(t *testing.T) {
	s, err := NewSampler([]int{8, 8}, 20, 10)
	if err != nil {
		t.Fatalf("Failed to create sampler: %v", err)
	}
	rng := rand.New(rand.NewSource(9))
	patch := createPatch(8, 8)

	for i := 0; i < 100; i++ {
		v := s.neighborValue(patch, []int{3, 4}, rng)
		if v < 1 || v > 64 {
			t.Fatalf("Expected replacement from the patch, got %f", v)
		}
	}
}

// TestManipulate3D verifies masking of volumetric patches
func TestManipulate3D(t *testing.T) {
	s, err := NewSampler([]int{16, 16, 16}, 1.6, 3)
	if err != nil {
		t.Fatalf("Failed to create sampler: %v", err)
	}
	patch := createPatch(16, 16, 16)
	target := s.NewTarget()

	coords, err := s.Manipulate(patch, target, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to manipulate patch: %v", err)
	}

	var indicators int
	for _, v := range target.Data[16*16*16:] {
		if v == 1 {
			indicators++
		}
	}
	if indicators != len(coords) {
		t.Errorf("Expected %d indicators, got %d", len(coords), indicators)
	}
}

// TestManipulateRejectsShapes verifies shape validation
func TestManipulateRejectsShapes(t *testing.T) {
	s, _ := NewSampler([]int{32, 32}, 1.6, 5)
	rng := rand.New(rand.NewSource(1))

	if _, err := s.Manipulate(createPatch(16, 32), s.NewTarget(), rng); err == nil {
		t.Error("Expected error for a wrong patch shape, got nil")
	}
	if _, err := s.Manipulate(createPatch(32, 32), models.NewArray(32, 32, 1), rng); err == nil {
		t.Error("Expected error for a target without indicator channel, got nil")
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func BenchmarkManipulate(b *testing.B) {
	s, err := NewSampler([]int{64, 64}, 1.6, 5)
	if err != nil {
		b.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	patch := createPatch(64, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Manipulate(patch, s.NewTarget(), rng); err != nil {
			b.Fatal(err)
		}
	}
}
