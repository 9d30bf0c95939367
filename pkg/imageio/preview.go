package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"denoiseg/internal/models"
)

// PreviewImage renders the first XY plane of a as a 16 bit gray image,
// stretching the value range of that plane to the full gray scale
func PreviewImage(a *models.Array) (image.Image, error) {
	if a.NumDims() < 2 {
		return nil, fmt.Errorf("preview needs at least 2 dimensions, got shape %v", a.Shape)
	}
	width, height := a.Shape[0], a.Shape[1]

	plane := make([]float64, width*height)
	for i := range plane {
		plane[i] = float64(a.Data[i])
	}
	lo, hi := floats.Min(plane), floats.Max(plane)
	scale := 0.0
	if hi > lo {
		scale = 65535.0 / (hi - lo)
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			value := uint16((plane[y*width+x] - lo) * scale)
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// WritePreview saves the first XY plane of a as a PNG file
func WritePreview(a *models.Array, filename string) error {
	img, err := PreviewImage(a)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// WriteImage saves a 2D array as a 16 bit PNG without rescaling. Values
// are clamped to [0, 65535].
func WriteImage(a *models.Array, filename string) error {
	if a.NumDims() != 2 {
		return fmt.Errorf("expected a 2D array, got shape %v", a.Shape)
	}
	width, height := a.Shape[0], a.Shape[1]
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := a.At(x, y)
			if v < 0 {
				v = 0
			}
			if v > 65535 {
				v = 65535
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}
