package models

import (
	"fmt"
)

// Array is a dense n-dimensional array of float32 values.
// Axes are ordered spatial-first (X, Y[, Z], ...) and the data is stored
// with the first axis varying fastest, so for a 3D array the element at
// (x, y, z) lives at z*width*height + y*width + x.
type Array struct {
	// Shape holds the extent of every axis
	Shape []int

	// Data holds Volume(Shape) values in first-axis-fastest order
	Data []float32
}

// NewArray allocates a zero-filled array with the given shape
func NewArray(shape ...int) *Array {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Array{
		Shape: s,
		Data:  make([]float32, Volume(s)),
	}
}

// NewArrayFrom wraps existing data. The data length must match the shape.
func NewArrayFrom(data []float32, shape ...int) (*Array, error) {
	if len(data) != Volume(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Array{Shape: s, Data: data}, nil
}

// Volume returns the number of elements spanned by shape
func Volume(shape []int) int {
	v := 1
	for _, d := range shape {
		v *= d
	}
	return v
}

// NumDims returns the number of axes
func (a *Array) NumDims() int { return len(a.Shape) }

// Len returns the number of elements
func (a *Array) Len() int { return len(a.Data) }

// Strides returns the element distance between neighbors along each axis
func (a *Array) Strides() []int {
	return strides(a.Shape)
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	step := 1
	for i, d := range shape {
		s[i] = step
		step *= d
	}
	return s
}

// Index converts a position into a flat data index
func (a *Array) Index(pos []int) int {
	idx := 0
	step := 1
	for i, p := range pos {
		idx += p * step
		step *= a.Shape[i]
	}
	return idx
}

// At returns the value at pos
func (a *Array) At(pos ...int) float32 {
	return a.Data[a.Index(pos)]
}

// Set stores v at pos
func (a *Array) Set(v float32, pos ...int) {
	a.Data[a.Index(pos)] = v
}

// Clone returns a deep copy
func (a *Array) Clone() *Array {
	out := NewArray(a.Shape...)
	copy(out.Data, a.Data)
	return out
}

// SameShape reports whether both arrays have identical shapes
func (a *Array) SameShape(b *Array) bool {
	return sameShape(a.Shape, b.Shape)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HyperSlice returns a copy of the (n-1)-dimensional slice obtained by
// fixing axis to index.
func (a *Array) HyperSlice(axis, index int) (*Array, error) {
	if axis < 0 || axis >= len(a.Shape) {
		return nil, fmt.Errorf("axis %d out of range for %d dimensions", axis, len(a.Shape))
	}
	if index < 0 || index >= a.Shape[axis] {
		return nil, fmt.Errorf("index %d exceeds extent %d of axis %d", index, a.Shape[axis], axis)
	}

	outShape := make([]int, 0, len(a.Shape)-1)
	outShape = append(outShape, a.Shape[:axis]...)
	outShape = append(outShape, a.Shape[axis+1:]...)
	out := NewArray(outShape...)

	// Everything below axis is a contiguous run, everything above it repeats
	inner := Volume(a.Shape[:axis])
	outer := Volume(a.Shape[axis+1:])
	for o := 0; o < outer; o++ {
		src := (o*a.Shape[axis] + index) * inner
		copy(out.Data[o*inner:(o+1)*inner], a.Data[src:src+inner])
	}
	return out, nil
}

// Crop copies the interval [min, min+size) into a new zero-origin array.
func (a *Array) Crop(min, size []int) (*Array, error) {
	if len(min) != len(a.Shape) || len(size) != len(a.Shape) {
		return nil, fmt.Errorf("interval rank %d/%d does not match array rank %d", len(min), len(size), len(a.Shape))
	}
	for i := range a.Shape {
		if min[i] < 0 || size[i] <= 0 || min[i]+size[i] > a.Shape[i] {
			return nil, fmt.Errorf("interval [%d, %d) outside axis %d of extent %d", min[i], min[i]+size[i], i, a.Shape[i])
		}
	}

	out := NewArray(size...)
	if len(size) == 0 {
		out.Data[0] = a.Data[0]
		return out, nil
	}

	// Copy row by row along the first axis
	rowLen := size[0]
	rows := Volume(size[1:])
	srcStrides := a.Strides()
	pos := make([]int, len(size))
	for r := 0; r < rows; r++ {
		// Decode row index into positions for axes 1..n-1
		rem := r
		for d := 1; d < len(size); d++ {
			pos[d] = rem % size[d]
			rem /= size[d]
		}
		src := min[0]
		for d := 1; d < len(size); d++ {
			src += (min[d] + pos[d]) * srcStrides[d]
		}
		copy(out.Data[r*rowLen:(r+1)*rowLen], a.Data[src:src+rowLen])
	}
	return out, nil
}

// Rotate90 rotates the array by 90 degrees in the plane spanned by axes
// from and to. The extents of the two axes are swapped.
func (a *Array) Rotate90(from, to int) *Array {
	outShape := make([]int, len(a.Shape))
	copy(outShape, a.Shape)
	outShape[from], outShape[to] = a.Shape[to], a.Shape[from]
	out := NewArray(outShape...)

	src := make([]int, len(a.Shape))
	forEachPosition(outShape, func(i int, pos []int) {
		copy(src, pos)
		src[from] = pos[to]
		src[to] = outShape[from] - 1 - pos[from]
		out.Data[i] = a.Data[a.Index(src)]
	})
	return out
}

// InvertAxis mirrors the array along axis
func (a *Array) InvertAxis(axis int) *Array {
	out := NewArray(a.Shape...)
	src := make([]int, len(a.Shape))
	forEachPosition(a.Shape, func(i int, pos []int) {
		copy(src, pos)
		src[axis] = a.Shape[axis] - 1 - pos[axis]
		out.Data[i] = a.Data[a.Index(src)]
	})
	return out
}

// forEachPosition visits every position of shape in storage order
func forEachPosition(shape []int, fn func(i int, pos []int)) {
	n := Volume(shape)
	pos := make([]int, len(shape))
	for i := 0; i < n; i++ {
		fn(i, pos)
		for d := range pos {
			pos[d]++
			if pos[d] < shape[d] {
				break
			}
			pos[d] = 0
		}
	}
}

// StackBatch combines samples of shape spatial+[C] into one array of shape
// spatial+[B, C], where B is the number of samples.
func StackBatch(samples []*Array) (*Array, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to stack")
	}
	first := samples[0]
	if first.NumDims() < 1 {
		return nil, fmt.Errorf("samples need a trailing channel axis")
	}
	for i, s := range samples[1:] {
		if !first.SameShape(s) {
			return nil, fmt.Errorf("sample %d has shape %v, expected %v", i+1, s.Shape, first.Shape)
		}
	}

	nd := first.NumDims()
	spatial := first.Shape[:nd-1]
	channels := first.Shape[nd-1]
	vol := Volume(spatial)
	batch := len(samples)

	outShape := make([]int, 0, nd+1)
	outShape = append(outShape, spatial...)
	outShape = append(outShape, batch, channels)
	out := NewArray(outShape...)

	for b, s := range samples {
		for c := 0; c < channels; c++ {
			dst := (c*batch + b) * vol
			copy(out.Data[dst:dst+vol], s.Data[c*vol:(c+1)*vol])
		}
	}
	return out, nil
}

// Sample extracts sample b from a batch of shape spatial+[B, C]
func Sample(batch *Array, b int) (*Array, error) {
	nd := batch.NumDims()
	if nd < 2 {
		return nil, fmt.Errorf("batch needs batch and channel axes, got shape %v", batch.Shape)
	}
	n := batch.Shape[nd-2]
	if b < 0 || b >= n {
		return nil, fmt.Errorf("sample %d out of range for batch of %d", b, n)
	}
	spatial := batch.Shape[:nd-2]
	channels := batch.Shape[nd-1]
	vol := Volume(spatial)

	outShape := make([]int, 0, nd-1)
	outShape = append(outShape, spatial...)
	outShape = append(outShape, channels)
	out := NewArray(outShape...)
	for c := 0; c < channels; c++ {
		src := (c*n + b) * vol
		copy(out.Data[c*vol:(c+1)*vol], batch.Data[src:src+vol])
	}
	return out, nil
}

// WithChannelAxis returns a view with a trailing axis of extent 1. The data
// slice is shared.
func (a *Array) WithChannelAxis() *Array {
	shape := make([]int, len(a.Shape), len(a.Shape)+1)
	copy(shape, a.Shape)
	return &Array{Shape: append(shape, 1), Data: a.Data}
}

// Channel returns a copy of channel c of an array whose last axis is the
// channel axis.
func (a *Array) Channel(c int) (*Array, error) {
	return a.HyperSlice(len(a.Shape)-1, c)
}
