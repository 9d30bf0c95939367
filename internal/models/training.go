package models

// NumSegmentClasses is the channel count of a one-hot segmentation target:
// background, foreground and border.
const NumSegmentClasses = 3

// Segmentation channel indices
const (
	Background = iota
	Foreground
	Border
)

// TrainingPair couples an input tile with its segmentation target.
// Input has the spatial tile shape, Target the same shape plus a trailing
// channel axis of extent NumSegmentClasses. Pairs are replaced, never
// mutated, when the data is normalized.
type TrainingPair struct {
	Input  *Array
	Target *Array

	// Labeled is false for tiles cut from images without a labeling. Their
	// target is all zeros and contributes no segmentation loss.
	Labeled bool
}

// ProcessedBatch is what a single training or validation step consumes.
// All three arrays are laid out as spatial+[batch, channel].
type ProcessedBatch struct {
	// Input holds the blind-spot manipulated raw crops, one channel
	Input *Array

	// DenoiseTarget holds the original values in channel 0 and the mask
	// indicator in channel 1
	DenoiseTarget *Array

	// SegmentTarget holds the one-hot segmentation crops, three channels
	SegmentTarget *Array

	// Size is the number of samples in the batch
	Size int
}

// WeightTensor is a named parameter tensor of a network snapshot
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Clone returns a deep copy
func (w WeightTensor) Clone() WeightTensor {
	shape := make([]int, len(w.Shape))
	copy(shape, w.Shape)
	data := make([]float32, len(w.Data))
	copy(data, w.Data)
	return WeightTensor{Name: w.Name, Shape: shape, Data: data}
}

// Checkpoint is a snapshot of all trainable weights of a network
type Checkpoint struct {
	Tensors []WeightTensor
}

// Clone returns a deep copy
func (c *Checkpoint) Clone() *Checkpoint {
	out := &Checkpoint{Tensors: make([]WeightTensor, len(c.Tensors))}
	for i, t := range c.Tensors {
		out.Tensors[i] = t.Clone()
	}
	return out
}

// Tensor returns the tensor with the given name
func (c *Checkpoint) Tensor(name string) (WeightTensor, bool) {
	for _, t := range c.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return WeightTensor{}, false
}
