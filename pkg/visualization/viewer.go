// Package visualization renders image volumes and predicted class maps as
// JPEG slices for visual inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/floats"

	"denoiseg/internal/models"
)

// overlayAlpha is the opacity of class colors drawn over the image
const overlayAlpha = 0.4

var classColors = map[int32]colorful.Color{
	models.Foreground: {R: 40.0 / 255, G: 220.0 / 255, B: 60.0 / 255},
	models.Border:     {R: 230.0 / 255, G: 40.0 / 255, B: 40.0 / 255},
}

// Viewer extracts slices of a 2D image or 3D stack. Intensities are
// stretched from the volume's value range to the full gray scale.
type Viewer struct {
	volume *models.Array

	// classes is drawn over the slices when set
	classes *models.Labeling

	width  int
	height int
	depth  int

	lo, hi float64
}

// NewViewer creates a viewer for a 2D or 3D array
func NewViewer(volume *models.Array) (*Viewer, error) {
	nd := volume.NumDims()
	if nd != 2 && nd != 3 {
		return nil, fmt.Errorf("viewer needs 2 or 3 dimensions, got shape %v", volume.Shape)
	}
	if volume.Len() == 0 {
		return nil, fmt.Errorf("empty volume")
	}

	v := &Viewer{volume: volume, width: volume.Shape[0], height: volume.Shape[1], depth: 1}
	if nd == 3 {
		v.depth = volume.Shape[2]
	}

	values := make([]float64, volume.Len())
	for i, x := range volume.Data {
		values[i] = float64(x)
	}
	v.lo, v.hi = floats.Min(values), floats.Max(values)
	return v, nil
}

// WithClasses overlays a class map of the same shape as the volume
func (v *Viewer) WithClasses(classes *models.Labeling) error {
	if err := classes.Matches(v.volume); err != nil {
		return err
	}
	v.classes = classes
	return nil
}

// ExtractSlice extracts a 2D slice perpendicular to axis x, y or z
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var cols, rows int
	var index func(c, r int) int
	switch axis {
	case "x", "X":
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		cols, rows = v.depth, v.height
		index = func(z, y int) int { return z*v.width*v.height + y*v.width + position }
	case "y", "Y":
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		cols, rows = v.width, v.depth
		index = func(x, z int) int { return z*v.width*v.height + position*v.width + x }
	case "z", "Z":
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		cols, rows = v.width, v.height
		index = func(x, y int) int { return position*v.width*v.height + y*v.width + x }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.SetRGBA(c, r, v.pixel(index(c, r)))
		}
	}
	return img, nil
}

// pixel returns the gray value at i blended with its class color
func (v *Viewer) pixel(i int) color.RGBA {
	gray := 0.0
	if v.hi > v.lo {
		gray = (float64(v.volume.Data[i]) - v.lo) / (v.hi - v.lo)
	}
	px := colorful.Color{R: gray, G: gray, B: gray}
	if v.classes != nil {
		if tint, ok := classColors[v.classes.Data[i]]; ok {
			px = px.BlendRgb(tint, overlayAlpha)
		}
	}
	r, g, b := px.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
