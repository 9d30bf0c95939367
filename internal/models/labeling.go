package models

import (
	"fmt"
)

// Labeling is an n-dimensional instance labeling co-registered with an
// image. 0 marks unlabeled background, every other value is an instance id.
type Labeling struct {
	// Shape holds the extent of every axis, identical to the raw image
	Shape []int

	// Data holds the labels in first-axis-fastest order
	Data []int32
}

// NewLabeling allocates an all-background labeling
func NewLabeling(shape ...int) *Labeling {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Labeling{
		Shape: s,
		Data:  make([]int32, Volume(s)),
	}
}

// Index converts a position into a flat data index
func (l *Labeling) Index(pos []int) int {
	idx := 0
	step := 1
	for i, p := range pos {
		idx += p * step
		step *= l.Shape[i]
	}
	return idx
}

// At returns the label at pos
func (l *Labeling) At(pos ...int) int32 {
	return l.Data[l.Index(pos)]
}

// Set stores label v at pos
func (l *Labeling) Set(v int32, pos ...int) {
	l.Data[l.Index(pos)] = v
}

// Matches reports whether the labeling has the same shape as img
func (l *Labeling) Matches(img *Array) error {
	if !sameShape(l.Shape, img.Shape) {
		return fmt.Errorf("labeling shape %v does not match image shape %v", l.Shape, img.Shape)
	}
	return nil
}
