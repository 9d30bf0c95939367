package dataset

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"denoiseg/internal/models"
	"denoiseg/pkg/config"
)

func createHandler(t *testing.T, patch int) (*Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	h, err := NewHandler(Options{
		TrainDimensions:    2,
		PatchShape:         patch,
		BoundaryMode:       config.BoundaryThick,
		ValidationFraction: 0.05,
		Seed:               1,
		Logger:             log.New(&buf, "", 0),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return h, &buf
}

func createImage(w, h int, value float32) *models.Array {
	img := models.NewArray(w, h)
	for i := range img.Data {
		img.Data[i] = value + float32(i%7)
	}
	return img
}

func createLabeling(w, h int) *models.Labeling {
	l := models.NewLabeling(w, h)
	for y := h / 4; y < h/2; y++ {
		for x := w / 4; x < w/2; x++ {
			l.Set(1, x, y)
		}
	}
	return l
}

// TestAddTrainingData verifies superpatch tiling of labeled and unlabeled images
func TestAddTrainingData(t *testing.T) {
	h, _ := createHandler(t, 16)

	// 100x100 with patch 16 gives 32x32 tiles, 3x3 per image
	if err := h.AddTrainingData(createImage(100, 100, 0), createLabeling(100, 100)); err != nil {
		t.Fatalf("Failed to add labeled data: %v", err)
	}
	if err := h.AddTrainingData(createImage(100, 100, 0), nil); err != nil {
		t.Fatalf("Failed to add unlabeled data: %v", err)
	}
	if h.NumLabeled() != 9 || h.NumUnlabeled() != 9 {
		t.Fatalf("Expected 9 labeled and 9 unlabeled tiles, got %d and %d", h.NumLabeled(), h.NumUnlabeled())
	}

	h.Finalize()
	pool := h.TrainingData()
	if len(pool) != 18 {
		t.Fatalf("Expected 18 training pairs, got %d", len(pool))
	}

	labeled := 0
	for _, p := range pool {
		if p.Input.Shape[0] != 32 || p.Input.Shape[1] != 32 {
			t.Fatalf("Expected 32x32 tiles, got %v", p.Input.Shape)
		}
		if p.Target == nil || p.Target.Shape[2] != models.NumSegmentClasses {
			t.Fatalf("Expected a 3 channel target on every pair")
		}
		if p.Labeled {
			labeled++
			continue
		}
		for _, v := range p.Target.Data {
			if v != 0 {
				t.Fatal("Expected an all-zero target on unlabeled pairs")
			}
		}
	}
	if labeled != 9 {
		t.Errorf("Expected 9 labeled pairs, got %d", labeled)
	}
}

// TestAddTrainingAndValidationData verifies the per-image validation split
func TestAddTrainingAndValidationData(t *testing.T) {
	h, _ := createHandler(t, 8)

	// 160x160 with patch 8 gives 16x16 tiles, 100 per image, 5 to validation
	if err := h.AddTrainingAndValidationData(createImage(160, 160, 0), createLabeling(160, 160)); err != nil {
		t.Fatalf("Failed to add data: %v", err)
	}
	if err := h.AddTrainingAndValidationData(createImage(160, 160, 0), nil); err != nil {
		t.Fatalf("Failed to add unlabeled data: %v", err)
	}

	if len(h.ValidationData()) != 5 {
		t.Errorf("Expected 5 validation tiles, got %d", len(h.ValidationData()))
	}
	if h.NumLabeled() != 95 || h.NumUnlabeled() != 100 {
		t.Errorf("Expected 95 labeled and 100 unlabeled tiles, got %d and %d", h.NumLabeled(), h.NumUnlabeled())
	}
}

// TestAddValidationDataWithoutLabeling verifies that unlabeled validation data is ignored
func TestAddValidationDataWithoutLabeling(t *testing.T) {
	h, logs := createHandler(t, 16)
	if err := h.AddValidationData(createImage(64, 64, 0), nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(h.ValidationData()) != 0 {
		t.Errorf("Expected no validation tiles, got %d", len(h.ValidationData()))
	}
	if !strings.Contains(logs.String(), "Warning") {
		t.Error("Expected a warning")
	}

	if err := h.AddValidationData(createImage(64, 64, 0), createLabeling(64, 64)); err != nil {
		t.Fatalf("Failed to add validation data: %v", err)
	}
	if len(h.ValidationData()) != 4 {
		t.Errorf("Expected 4 validation tiles, got %d", len(h.ValidationData()))
	}
}

// TestSmallImageSkipped verifies that images smaller than the patch yield no tiles
func TestSmallImageSkipped(t *testing.T) {
	h, logs := createHandler(t, 32)
	if err := h.AddTrainingData(createImage(20, 40, 0), nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if h.NumUnlabeled() != 0 {
		t.Errorf("Expected no tiles, got %d", h.NumUnlabeled())
	}
	if !strings.Contains(logs.String(), "smaller than the patch") {
		t.Errorf("Expected a warning, got %q", logs.String())
	}
}

// TestMismatchedLabeling verifies shape validation
func TestMismatchedLabeling(t *testing.T) {
	h, _ := createHandler(t, 16)
	if err := h.AddTrainingData(createImage(64, 64, 0), createLabeling(64, 32)); err == nil {
		t.Error("Expected error for mismatched labeling, got nil")
	}
}

// TestSmallValidationWarning verifies the warning for tiny validation sets
func TestSmallValidationWarning(t *testing.T) {
	h, logs := createHandler(t, 16)
	for i := 0; i < 5; i++ {
		if err := h.AddTrainingData(createImage(128, 128, 0), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.AddValidationData(createImage(32, 32, 0), createLabeling(32, 32)); err != nil {
		t.Fatal(err)
	}
	h.Finalize()
	if !strings.Contains(logs.String(), "small number of validation tiles") {
		t.Errorf("Expected a small validation warning, got %q", logs.String())
	}
}

// TestAddFiles verifies directory import with identical training and validation folders
func TestAddFiles(t *testing.T) {
	dir := t.TempDir()
	rawDir := filepath.Join(dir, "raw")
	labelDir := filepath.Join(dir, "labels")
	for _, d := range []string{rawDir, labelDir} {
		if err := os.Mkdir(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	for _, name := range []string{"a.png", "b.png"} {
		writePNG(t, filepath.Join(rawDir, name), 64, 64, func(x, y int) uint16 { return uint16(x + y) })
	}
	writePNG(t, filepath.Join(labelDir, "a.png"), 64, 64, func(x, y int) uint16 {
		if x > 10 && x < 30 {
			return 2
		}
		return 0
	})

	h, _ := createHandler(t, 16)
	if err := h.AddTrainingFiles(rawDir, labelDir); err != nil {
		t.Fatalf("Failed to add files: %v", err)
	}
	if h.NumLabeled() != 4 || h.NumUnlabeled() != 4 {
		t.Errorf("Expected 4 labeled and 4 unlabeled tiles, got %d and %d", h.NumLabeled(), h.NumUnlabeled())
	}

	if err := h.AddTrainingFiles(filepath.Join(dir, "missing"), labelDir); err == nil {
		t.Error("Expected error for a missing directory, got nil")
	}
}

// TestCancelStopsImport verifies that a cancelled handler imports nothing more
func TestCancelStopsImport(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 32, 32, func(x, y int) uint16 { return 1 })

	h, _ := createHandler(t, 16)
	h.Cancel()
	if err := h.AddTrainingFiles(dir, ""); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if h.NumUnlabeled() != 0 {
		t.Errorf("Expected no tiles after cancel, got %d", h.NumUnlabeled())
	}
}

// TestNormalization verifies mean and standard deviation handling
func TestNormalization(t *testing.T) {
	a := models.NewArray(2, 2)
	copy(a.Data, []float32{1, 2, 3, 4})
	b := models.NewArray(2, 2)
	copy(b.Data, []float32{5, 6, 7, 8})
	pairs := []models.TrainingPair{{Input: a}, {Input: b}}

	norm, err := ComputeNormalization(pairs)
	if err != nil {
		t.Fatalf("Failed to compute normalization: %v", err)
	}
	if norm.Mean != 4.5 {
		t.Errorf("Expected mean 4.5, got %f", norm.Mean)
	}
	// Sample standard deviation of 1..8
	if math.Abs(norm.StdDev-math.Sqrt(6)) > 1e-9 {
		t.Errorf("Expected stdDev %f, got %f", math.Sqrt(6), norm.StdDev)
	}

	normalized := norm.Apply(pairs)
	if pairs[0].Input.Data[0] != 1 {
		t.Error("Expected the original pairs to be unchanged")
	}
	var sum float64
	for _, p := range normalized {
		for _, v := range p.Input.Data {
			sum += float64(v)
		}
	}
	if math.Abs(sum) > 1e-5 {
		t.Errorf("Expected normalized data to have zero mean, got sum %f", sum)
	}

	back := norm.Denormalize(normalized[1].Input)
	for i := range back.Data {
		if math.Abs(float64(back.Data[i]-b.Data[i])) > 1e-5 {
			t.Errorf("Expected %f after round trip, got %f", b.Data[i], back.Data[i])
		}
	}
}

// TestNormalizationConstant verifies the fallback for constant data
func TestNormalizationConstant(t *testing.T) {
	a := models.NewArray(3, 3)
	for i := range a.Data {
		a.Data[i] = 5
	}
	norm, err := ComputeNormalization([]models.TrainingPair{{Input: a}})
	if err != nil {
		t.Fatal(err)
	}
	if norm.StdDev != 1 || norm.Mean != 5 {
		t.Errorf("Expected mean 5 and stdDev 1, got %f and %f", norm.Mean, norm.StdDev)
	}

	if _, err := ComputeNormalization(nil); err == nil {
		t.Error("Expected error without data, got nil")
	}
}

func writePNG(t *testing.T, path string, width, height int, pattern func(x, y int) uint16) {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: pattern(x, y)})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatal(err)
	}
}
