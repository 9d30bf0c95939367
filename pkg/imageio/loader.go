// Package imageio loads raw images and instance labelings from disk and
// writes preview images.
//
// A plain image file (PNG, JPEG, TIFF, BMP) is read as a 2D array. A
// directory of such files is read as a 3D stack, its slices ordered by the
// number embedded in their file names.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"denoiseg/internal/models"
)

// Pair is a raw image loaded from disk together with its labeling, if any
type Pair struct {
	// Name is the file or directory name the pair was matched by
	Name string

	Image *models.Array

	// Labeling is nil when no labeling with the same name exists
	Labeling *models.Labeling
}

// Loader reads images and labelings. Unreadable entries are skipped with a
// warning.
type Loader struct {
	logger *log.Logger
}

// NewLoader creates a loader. A nil logger uses log.Default().
func NewLoader(logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{logger: logger}
}

var supportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
}

// IsImageFile reports whether name has a supported image extension
func IsImageFile(name string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(name))]
}

// LoadDirectory loads every image in dir. Labelings are not looked up.
func (l *Loader) LoadDirectory(dir string) ([]Pair, error) {
	return l.LoadPairedDirectory(dir, "")
}

// LoadPairedDirectory loads every image in rawDir and pairs it with the
// labeling of the same name in labelDir. An empty labelDir loads images
// only. Entries that fail to load are skipped with a warning; a labeling
// that fails to load or does not match its image leaves the image
// unlabeled.
func (l *Loader) LoadPairedDirectory(rawDir, labelDir string) ([]Pair, error) {
	names, err := listEntries(rawDir)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for _, name := range names {
		img, err := l.LoadImage(filepath.Join(rawDir, name))
		if err != nil {
			l.logger.Printf("Warning: skipping %s: %v", name, err)
			continue
		}
		pair := Pair{Name: name, Image: img}

		if labelDir != "" {
			pair.Labeling = l.findLabeling(img, labelDir, name)
		}
		pairs = append(pairs, pair)
	}

	l.logger.Printf("Loaded %d images from %s", len(pairs), rawDir)
	return pairs, nil
}

func (l *Loader) findLabeling(img *models.Array, labelDir, name string) *models.Labeling {
	path := filepath.Join(labelDir, name)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	labeling, err := l.LoadLabeling(path)
	if err != nil {
		l.logger.Printf("Warning: ignoring labeling %s: %v", name, err)
		return nil
	}
	if err := labeling.Matches(img); err != nil {
		l.logger.Printf("Warning: ignoring labeling %s: %v", name, err)
		return nil
	}
	return labeling
}

// LoadImage reads a single image file or a directory of slices as float
// intensities
func (l *Loader) LoadImage(path string) (*models.Array, error) {
	planes, err := l.readPlanes(path)
	if err != nil {
		return nil, err
	}

	shape := planeShape(planes)
	arr := models.NewArray(shape...)
	vol := shape[0] * shape[1]
	for z, img := range planes {
		b := img.Bounds()
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				arr.Data[z*vol+y*shape[0]+x] = intensity(img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	}
	return arr, nil
}

// LoadLabeling reads a single image file or a directory of slices as
// integer labels
func (l *Loader) LoadLabeling(path string) (*models.Labeling, error) {
	planes, err := l.readPlanes(path)
	if err != nil {
		return nil, err
	}

	shape := planeShape(planes)
	lab := models.NewLabeling(shape...)
	vol := shape[0] * shape[1]
	for z, img := range planes {
		b := img.Bounds()
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				lab.Data[z*vol+y*shape[0]+x] = label(img, b.Min.X+x, b.Min.Y+y)
			}
		}
	}
	return lab, nil
}

// readPlanes decodes a file or every image of a directory, checking that
// all planes share one size
func (l *Loader) readPlanes(path string) ([]image.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		img, err := decode(path)
		if err != nil {
			return nil, err
		}
		return []image.Image{img}, nil
	}

	names, err := listImages(path)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no images found in %s", path)
	}

	// Slices are ordered by the number in their name
	sort.SliceStable(names, func(i, j int) bool {
		return extractNumber(names[i]) < extractNumber(names[j])
	})

	planes := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := decode(filepath.Join(path, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load slice %s: %v", name, err)
		}
		if len(planes) > 0 && img.Bounds().Size() != planes[0].Bounds().Size() {
			return nil, fmt.Errorf("slice %s has size %v, expected %v", name, img.Bounds().Size(), planes[0].Bounds().Size())
		}
		planes = append(planes, img)
	}
	return planes, nil
}

func planeShape(planes []image.Image) []int {
	size := planes[0].Bounds().Size()
	if len(planes) == 1 {
		return []int{size.X, size.Y}
	}
	return []int{size.X, size.Y, len(planes)}
}

func decode(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// intensity returns the gray value of c on the native scale of its image
// type, 0-255 for 8 bit and 0-65535 for 16 bit images
func intensity(c color.Color) float32 {
	switch v := c.(type) {
	case color.Gray:
		return float32(v.Y)
	case color.Gray16:
		return float32(v.Y)
	}
	g := color.Gray16Model.Convert(c).(color.Gray16)
	return float32(g.Y)
}

// label returns the instance id stored at (x, y). Gray and paletted
// images store the id directly, color images pack it into RGB.
func label(img image.Image, x, y int) int32 {
	switch v := img.(type) {
	case *image.Gray:
		return int32(v.GrayAt(x, y).Y)
	case *image.Gray16:
		return int32(v.Gray16At(x, y).Y)
	case *image.Paletted:
		return int32(v.ColorIndexAt(x, y))
	}
	r, g, b, _ := img.At(x, y).RGBA()
	return int32(r>>8)<<16 | int32(g>>8)<<8 | int32(b>>8)
}

// listEntries returns the sorted image files and sub-directories of dir
func listEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || IsImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// listImages returns the image files of dir
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// extractNumber concatenates the digits of a file name, 0 if it has none
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
