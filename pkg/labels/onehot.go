// Package labels converts integer instance labelings into the one-hot
// background/foreground/border targets used for segmentation training.
package labels

import (
	"fmt"

	"denoiseg/internal/models"
	"denoiseg/pkg/config"
)

// Encoder converts labelings into one-hot targets
type Encoder struct {
	mode string
}

// NewEncoder creates an encoder for the given boundary mode
// (config.BoundaryThick or config.BoundaryInner)
func NewEncoder(mode string) (*Encoder, error) {
	if mode == "" {
		mode = config.BoundaryThick
	}
	if mode != config.BoundaryThick && mode != config.BoundaryInner {
		return nil, fmt.Errorf("unknown boundary mode %q", mode)
	}
	return &Encoder{mode: mode}, nil
}

// Boundaries marks every pixel that touches a differently labeled
// face-connected neighbor. In inner mode background pixels are never
// marked.
func (e *Encoder) Boundaries(l *models.Labeling) []bool {
	n := len(l.Data)
	border := make([]bool, n)
	if n == 0 {
		return border
	}

	step := make([]int, len(l.Shape))
	s := 1
	for d, extent := range l.Shape {
		step[d] = s
		s *= extent
	}

	pos := make([]int, len(l.Shape))
	for i := 0; i < n; i++ {
		v := l.Data[i]
		if e.mode == config.BoundaryThick || v != 0 {
			for d := range l.Shape {
				if pos[d] > 0 && l.Data[i-step[d]] != v {
					border[i] = true
					break
				}
				if pos[d] < l.Shape[d]-1 && l.Data[i+step[d]] != v {
					border[i] = true
					break
				}
			}
		}

		for d := range pos {
			pos[d]++
			if pos[d] < l.Shape[d] {
				break
			}
			pos[d] = 0
		}
	}
	return border
}

// OneHot converts l into an array of shape l.Shape+[3]. Channel 0 holds
// background, channel 1 foreground and channel 2 border; exactly one
// channel is 1 per pixel and border wins over the other two.
func (e *Encoder) OneHot(l *models.Labeling) *models.Array {
	shape := append(append([]int{}, l.Shape...), models.NumSegmentClasses)
	out := models.NewArray(shape...)

	vol := len(l.Data)
	border := e.Boundaries(l)
	for i, v := range l.Data {
		switch {
		case border[i]:
			out.Data[models.Border*vol+i] = 1
		case v != 0:
			out.Data[models.Foreground*vol+i] = 1
		default:
			out.Data[models.Background*vol+i] = 1
		}
	}
	return out
}

// Empty returns the all-zero target used for tiles without labeling
func Empty(spatial []int) *models.Array {
	shape := append(append([]int{}, spatial...), models.NumSegmentClasses)
	return models.NewArray(shape...)
}
