package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"denoiseg/internal/models"
)

// Normalization maps raw intensities to zero mean and unit variance
type Normalization struct {
	Mean   float64
	StdDev float64
}

// ComputeNormalization returns the mean and sample standard deviation of
// all input values of pairs. A constant input gets a standard deviation
// of 1.
func ComputeNormalization(pairs []models.TrainingPair) (Normalization, error) {
	n := 0
	for _, p := range pairs {
		n += p.Input.Len()
	}
	if n == 0 {
		return Normalization{}, fmt.Errorf("no data to compute normalization from")
	}

	values := make([]float64, 0, n)
	for _, p := range pairs {
		for _, v := range p.Input.Data {
			values = append(values, float64(v))
		}
	}

	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 || n == 1 {
		std = 1
	}
	return Normalization{Mean: mean, StdDev: std}, nil
}

// Normalize returns (a - Mean) / StdDev as a new array
func (n Normalization) Normalize(a *models.Array) *models.Array {
	out := models.NewArray(a.Shape...)
	mean, std := float32(n.Mean), float32(n.StdDev)
	for i, v := range a.Data {
		out.Data[i] = (v - mean) / std
	}
	return out
}

// Denormalize returns a * StdDev + Mean as a new array
func (n Normalization) Denormalize(a *models.Array) *models.Array {
	out := models.NewArray(a.Shape...)
	mean, std := float32(n.Mean), float32(n.StdDev)
	for i, v := range a.Data {
		out.Data[i] = v*std + mean
	}
	return out
}

// Apply returns new pairs whose inputs are normalized. Targets are shared.
func (n Normalization) Apply(pairs []models.TrainingPair) []models.TrainingPair {
	out := make([]models.TrainingPair, len(pairs))
	for i, p := range pairs {
		out[i] = models.TrainingPair{
			Input:   n.Normalize(p.Input),
			Target:  p.Target,
			Labeled: p.Labeled,
		}
	}
	return out
}
