// Package prediction runs a trained network on raw images
package prediction

import (
	"context"
	"fmt"

	"denoiseg/internal/models"
	"denoiseg/pkg/archive"
	"denoiseg/pkg/dataset"
	"denoiseg/pkg/training"
)

// Output is the prediction for one image
type Output struct {
	// Denoised has the image shape, in raw intensities
	Denoised *models.Array

	// Segmentation has the image shape plus a trailing axis with the
	// background, foreground and border scores
	Segmentation *models.Array
}

// Predictor normalizes images, runs the network and denormalizes the
// denoised channel
type Predictor struct {
	exec training.NetworkExecutor
	norm dataset.Normalization
}

// NewPredictor uses an initialized executor
func NewPredictor(exec training.NetworkExecutor, norm dataset.Normalization) *Predictor {
	return &Predictor{exec: exec, norm: norm}
}

// Load initializes exec with the weights of an archived model
func Load(ctx context.Context, m *archive.Model, exec training.NetworkExecutor) (*Predictor, error) {
	if err := exec.Initialize(ctx, m.Checkpoint); err != nil {
		exec.Dispose()
		return nil, fmt.Errorf("failed to load model weights: %w", err)
	}
	return NewPredictor(exec, m.Normalization), nil
}

// Close releases the executor
func (p *Predictor) Close() error {
	return p.exec.Dispose()
}

// Predict runs the network on one image
func (p *Predictor) Predict(ctx context.Context, img *models.Array) (*Output, error) {
	normalized := p.norm.Normalize(img)
	shape := append(append([]int{}, img.Shape...), 1, 1)
	input := &models.Array{Shape: shape, Data: normalized.Data}

	out, err := p.exec.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	sample, err := models.Sample(out, 0)
	if err != nil {
		return nil, err
	}
	if channels := sample.Shape[len(sample.Shape)-1]; channels != 1+models.NumSegmentClasses {
		return nil, fmt.Errorf("expected %d output channels, got %d", 1+models.NumSegmentClasses, channels)
	}

	denoised, err := sample.Channel(0)
	if err != nil {
		return nil, err
	}

	origin := make([]int, len(sample.Shape))
	origin[len(origin)-1] = 1
	size := append(append([]int{}, img.Shape...), models.NumSegmentClasses)
	segmentation, err := sample.Crop(origin, size)
	if err != nil {
		return nil, err
	}

	return &Output{
		Denoised:     p.norm.Denormalize(denoised),
		Segmentation: segmentation,
	}, nil
}

// Classes returns the highest scoring class of every pixel
func (o *Output) Classes() *models.Labeling {
	spatial := o.Denoised.Shape
	l := models.NewLabeling(spatial...)
	vol := len(l.Data)
	for i := 0; i < vol; i++ {
		best := 0
		for c := 1; c < models.NumSegmentClasses; c++ {
			if o.Segmentation.Data[c*vol+i] > o.Segmentation.Data[best*vol+i] {
				best = c
			}
		}
		l.Data[i] = int32(best)
	}
	return l
}
