// Package tiling cuts raw images and their one-hot targets into equally
// sized, non-overlapping tiles and expands tile pools by lossless
// geometric augmentation.
package tiling

import (
	"fmt"
	"log"

	"denoiseg/internal/models"
)

// Extractor walks a non-overlapping grid over the first len(patch) axes of
// an image. Axes beyond the training dimensions are sliced one index at a
// time, so a 2D extractor applied to an XYZT stack yields XY tiles from
// every (z, t) plane.
type Extractor struct {
	logger *log.Logger
}

// NewExtractor creates an extractor. A nil logger uses log.Default().
func NewExtractor(logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{logger: logger}
}

// SuperpatchSize returns the tile edge length used for img: the smallest
// extent among the first trainDims axes, capped at twice the patch shape.
// The batch assembler later crops randomized patchShape windows out of
// these larger tiles.
func SuperpatchSize(img *models.Array, trainDims, patchShape int) int {
	size := img.Shape[0]
	for i := 1; i < img.NumDims() && i < trainDims; i++ {
		if img.Shape[i] < size {
			size = img.Shape[i]
		}
	}
	if 2*patchShape < size {
		size = 2 * patchShape
	}
	return size
}

// CubicShape returns a shape of dims axes of the same extent
func CubicShape(dims, size int) []int {
	shape := make([]int, dims)
	for i := range shape {
		shape[i] = size
	}
	return shape
}

// Extract tiles img and, if target is not nil, the co-registered one-hot
// target whose trailing axis is the channel axis. Pairs cut from an
// unlabeled image have a nil Target. A patch larger than the image yields
// no tiles and a warning.
func (e *Extractor) Extract(img, target *models.Array, patch []int) ([]models.TrainingPair, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("patch shape must have at least one axis")
	}
	if img.NumDims() < len(patch) {
		return nil, fmt.Errorf("image has %d dimensions, need at least %d", img.NumDims(), len(patch))
	}
	if target != nil {
		if target.NumDims() != img.NumDims()+1 {
			return nil, fmt.Errorf("target has %d dimensions, expected %d", target.NumDims(), img.NumDims()+1)
		}
		for i := range img.Shape {
			if img.Shape[i] != target.Shape[i] {
				return nil, fmt.Errorf("target shape %v does not match image shape %v", target.Shape, img.Shape)
			}
		}
	}

	var res []models.TrainingPair
	if err := e.extractSliced(img, target, patch, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// extractSliced recurses over every axis past the training dimensions
func (e *Extractor) extractSliced(img, target *models.Array, patch []int, res *[]models.TrainingPair) error {
	axis := len(patch)
	if img.NumDims() == axis {
		return e.extractGrid(img, target, patch, res)
	}

	for i := 0; i < img.Shape[axis]; i++ {
		imgSlice, err := img.HyperSlice(axis, i)
		if err != nil {
			return err
		}
		var targetSlice *models.Array
		if target != nil {
			if targetSlice, err = target.HyperSlice(axis, i); err != nil {
				return err
			}
		}
		if err := e.extractSliced(imgSlice, targetSlice, patch, res); err != nil {
			return err
		}
	}
	return nil
}

// extractGrid cuts tiles out of an image with exactly len(patch) axes
func (e *Extractor) extractGrid(img, target *models.Array, patch []int, res *[]models.TrainingPair) error {
	if shapeTooBig(img, patch) {
		e.logger.Printf("Warning: tile shape %v exceeds image shape %v, no tiles extracted", patch, img.Shape)
		return nil
	}

	counts := make([]int, len(patch))
	total := 1
	for d := range patch {
		counts[d] = img.Shape[d] / patch[d]
		total *= counts[d]
	}

	var targetSize []int
	if target != nil {
		targetSize = append(append([]int{}, patch...), target.Shape[len(patch)])
	}

	grid := make([]int, len(patch))
	min := make([]int, len(patch))
	for n := 0; n < total; n++ {
		for d := range grid {
			min[d] = grid[d] * patch[d]
		}

		tile, err := img.Crop(min, patch)
		if err != nil {
			return err
		}
		pair := models.TrainingPair{Input: tile}
		if target != nil {
			targetMin := append(append([]int{}, min...), 0)
			if pair.Target, err = target.Crop(targetMin, targetSize); err != nil {
				return err
			}
			pair.Labeled = true
		}
		*res = append(*res, pair)

		// First axis advances fastest
		for d := range grid {
			grid[d]++
			if grid[d] < counts[d] {
				break
			}
			grid[d] = 0
		}
	}
	return nil
}

func shapeTooBig(img *models.Array, patch []int) bool {
	for i, p := range patch {
		if p > img.Shape[i] {
			return true
		}
	}
	return false
}
