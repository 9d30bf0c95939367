// Package training drives the joint denoising and segmentation training
// loop: it prepares the tile pools, feeds batches to a NetworkExecutor,
// validates every epoch, keeps the latest and best checkpoints and lowers
// the learning rate when validation stalls.
package training

import (
	"context"

	"denoiseg/internal/models"
)

// Losses are the loss values of one step or of a validation pass
type Losses struct {
	Total   float64
	Denoise float64
	Segment float64
}

// StepResult is returned by a training step
type StepResult struct {
	Losses

	// LearningRate is the rate the executor used, 0 if it does not report one
	LearningRate float64
}

// ValidationResult is returned by a validation step
type ValidationResult struct {
	Losses

	// Output is the network output for the batch, laid out like the batch
	// input with the denoised channel first followed by the three
	// segmentation channels. Executors may leave it nil.
	Output *models.Array
}

// NetworkExecutor runs the network. It is used by one training run at a
// time; resources acquired in Initialize are released by Dispose.
type NetworkExecutor interface {
	// Initialize allocates the network, with fresh weights when from is nil
	Initialize(ctx context.Context, from *models.Checkpoint) error

	// TrainStep runs one optimization step on batch
	TrainStep(ctx context.Context, batch *models.ProcessedBatch, learningRate float64) (StepResult, error)

	// ValidationStep evaluates batch without updating weights
	ValidationStep(ctx context.Context, batch *models.ProcessedBatch) (ValidationResult, error)

	// Predict runs the network on input of shape spatial+[B, 1]
	Predict(ctx context.Context, input *models.Array) (*models.Array, error)

	// Checkpoint snapshots the current weights
	Checkpoint() (*models.Checkpoint, error)

	// Restore replaces the current weights
	Restore(c *models.Checkpoint) error

	// Dispose releases everything Initialize acquired
	Dispose() error
}
