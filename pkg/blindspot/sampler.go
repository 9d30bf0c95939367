// Package blindspot builds the self-supervised denoising targets: it picks
// spatially stratified pixels of a patch, hides their values behind a
// random neighbor and records the hidden originals.
package blindspot

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"denoiseg/internal/models"
)

// DefaultPercPix is the default percentage of pixels masked per patch
const DefaultPercPix = 1.6

// Sampler masks patches of one fixed spatial shape
type Sampler struct {
	shape     []int
	numPixels int
	boxSize   int
	radius    int
}

// NewSampler prepares a sampler for patches of the given spatial shape.
// percPix is the percentage of pixels to mask, radius the half-width of
// the window the replacement values are drawn from.
func NewSampler(shape []int, percPix float64, radius int) (*Sampler, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("patch shape must have at least one axis")
	}
	if radius < 0 {
		return nil, fmt.Errorf("neighborhood radius must not be negative, got %d", radius)
	}

	vol := models.Volume(shape)
	numPixels := int(float64(vol) / 100 * percPix)
	if numPixels <= 0 {
		return nil, fmt.Errorf("patch of shape %v with %.2f%% masked pixels yields no blind spots", shape, percPix)
	}

	s := &Sampler{
		shape:     append([]int{}, shape...),
		numPixels: numPixels,
		boxSize:   int(math.Floor(math.Sqrt(float64(vol)/float64(numPixels)) + 0.5)),
		radius:    radius,
	}
	if s.boxSize < 1 {
		s.boxSize = 1
	}
	return s, nil
}

// NumPixels returns the nominal number of blind spots per patch
func (s *Sampler) NumPixels() int { return s.numPixels }

// BoxSize returns the edge length of the stratification boxes
func (s *Sampler) BoxSize() int { return s.boxSize }

// Shape returns the spatial patch shape
func (s *Sampler) Shape() []int { return s.shape }

// StratifiedCoords draws one coordinate per stratification box. Boxes on
// the far edge of the grid may stick out of the patch; coordinates that
// land outside are dropped.
func (s *Sampler) StratifiedCoords(rng *rand.Rand) [][]int {
	counts := make([]int, len(s.shape))
	total := 1
	for d, extent := range s.shape {
		counts[d] = (extent + s.boxSize - 1) / s.boxSize
		total *= counts[d]
	}

	offset := distuv.Uniform{Min: 0, Max: float64(s.boxSize), Src: rng}
	coords := make([][]int, 0, total)
	box := make([]int, len(s.shape))
	for n := 0; n < total; n++ {
		coord := make([]int, len(s.shape))
		inside := true
		for d := range coord {
			coord[d] = box[d]*s.boxSize + int(offset.Rand())
			if coord[d] >= s.shape[d] {
				inside = false
			}
		}
		if inside {
			coords = append(coords, coord)
		}

		for d := range box {
			box[d]++
			if box[d] < counts[d] {
				break
			}
			box[d] = 0
		}
	}
	return coords
}

// Manipulate masks patch in place and fills target. patch has the spatial
// shape plus a trailing channel axis of extent 1, target the same spatial
// shape with 2 channels: the hidden original value in channel 0 and a 1
// in channel 1 wherever a pixel was masked. Every original is read before
// any replacement is written, so a replacement never sees another
// blind spot's substitute. The masked coordinates are returned.
func (s *Sampler) Manipulate(patch, target *models.Array, rng *rand.Rand) ([][]int, error) {
	if err := s.checkShapes(patch, target); err != nil {
		return nil, err
	}

	coords := s.StratifiedCoords(rng)
	originals := make([]float32, len(coords))
	replacements := make([]float32, len(coords))
	pos := make([]int, len(s.shape)+1)
	for k, c := range coords {
		copy(pos, c)
		originals[k] = patch.At(pos...)
		replacements[k] = s.neighborValue(patch, c, rng)
	}

	for k, c := range coords {
		copy(pos, c)
		pos[len(s.shape)] = 0
		target.Set(originals[k], pos...)
		patch.Set(replacements[k], pos...)
		pos[len(s.shape)] = 1
		target.Set(1, pos...)
	}
	return coords, nil
}

// NewTarget allocates an empty denoising target for the sampler's shape
func (s *Sampler) NewTarget() *models.Array {
	return models.NewArray(append(append([]int{}, s.shape...), 2)...)
}

func (s *Sampler) checkShapes(patch, target *models.Array) error {
	n := len(s.shape)
	if patch.NumDims() != n+1 || patch.Shape[n] != 1 {
		return fmt.Errorf("patch shape %v, expected %v plus one channel", patch.Shape, s.shape)
	}
	if target.NumDims() != n+1 || target.Shape[n] != 2 {
		return fmt.Errorf("target shape %v, expected %v plus two channels", target.Shape, s.shape)
	}
	for d := 0; d < n; d++ {
		if patch.Shape[d] != s.shape[d] || target.Shape[d] != s.shape[d] {
			return fmt.Errorf("patch shape %v and target shape %v do not match %v", patch.Shape, target.Shape, s.shape)
		}
	}
	return nil
}

// neighborValue draws a pixel from the window of width 2*radius+1 around
// coord. A window crossing the patch border is shifted back inside; it is
// only shrunk when the patch itself is narrower than the window. The
// center pixel is a valid draw.
func (s *Sampler) neighborValue(patch *models.Array, coord []int, rng *rand.Rand) float32 {
	width := 2*s.radius + 1
	pos := make([]int, len(coord)+1)
	for d, c := range coord {
		start := c - s.radius
		if start < 0 {
			start = 0
		}
		end := start + width
		if end > s.shape[d] {
			start -= end - s.shape[d]
			end = s.shape[d]
		}
		if start < 0 {
			start = 0
		}
		pos[d] = start + rng.Intn(end-start)
	}
	return patch.At(pos...)
}
