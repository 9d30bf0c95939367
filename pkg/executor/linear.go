// Package executor provides a CPU network executor. The model is
// pixel-wise linear: every output is a linear function of the pixel
// value and the mean of its face neighbors. Output channel 0 is the
// denoised value, channels 1 to 3 are softmax scores of background,
// foreground and border.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"denoiseg/internal/models"
	"denoiseg/pkg/config"
	"denoiseg/pkg/training"
)

const (
	// value, neighbor mean, bias
	numFeatures = 3

	// denoised value followed by the segmentation classes
	numOutputs = 1 + models.NumSegmentClasses

	// WeightsTensor names the weight matrix in checkpoints
	WeightsTensor = "weights"
)

var errNotInitialized = errors.New("executor is not initialized")

// Options configures a Linear executor
type Options struct {
	// DenoiseWeight is w in w*denoise + (1-w)*segment
	DenoiseWeight float64

	// MaxBatchPixels bounds the pixels of one batch, 0 is unbounded
	MaxBatchPixels int

	// Seed seeds fresh weights
	Seed uint64
}

// OptionsFromConfig reads the executor section of the application config
func OptionsFromConfig(cfg *config.Config, seed uint64) Options {
	return Options{
		DenoiseWeight:  cfg.Executor.DenoiseWeight,
		MaxBatchPixels: cfg.Executor.MaxBatchPixels,
		Seed:           seed,
	}
}

// Linear is a training.NetworkExecutor holding a numOutputs x numFeatures
// weight matrix. It is not safe for concurrent use.
type Linear struct {
	opts    Options
	weights *mat.Dense
}

var _ training.NetworkExecutor = (*Linear)(nil)

// NewLinear creates an executor. Weights are allocated by Initialize.
func NewLinear(opts Options) *Linear {
	return &Linear{opts: opts}
}

// Initialize allocates the weights, drawn from N(0, 0.1²) when from is nil
func (l *Linear) Initialize(ctx context.Context, from *models.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.weights = mat.NewDense(numOutputs, numFeatures, nil)
	if from != nil {
		return l.Restore(from)
	}

	dist := distuv.Normal{Mu: 0, Sigma: 0.1, Src: rand.New(rand.NewSource(l.opts.Seed))}
	for r := 0; r < numOutputs; r++ {
		for c := 0; c < numFeatures; c++ {
			l.weights.Set(r, c, dist.Rand())
		}
	}
	roundWeights(l.weights)
	return nil
}

// roundWeights keeps every weight representable as float32 so checkpoints
// restore exactly
func roundWeights(w *mat.Dense) {
	w.Apply(func(_, _ int, v float64) float64 { return float64(float32(v)) }, w)
}

// TrainStep runs one gradient descent step
func (l *Linear) TrainStep(ctx context.Context, batch *models.ProcessedBatch, learningRate float64) (training.StepResult, error) {
	if err := l.ready(ctx); err != nil {
		return training.StepResult{}, err
	}
	x, err := l.features(batch.Input)
	if err != nil {
		return training.StepResult{}, err
	}

	y := l.forward(x)
	losses, grad, err := l.loss(y, batch)
	if err != nil {
		return training.StepResult{}, err
	}

	var dw mat.Dense
	dw.Mul(grad.T(), x)
	dw.Scale(learningRate, &dw)
	l.weights.Sub(l.weights, &dw)
	roundWeights(l.weights)

	return training.StepResult{Losses: losses, LearningRate: learningRate}, nil
}

// ValidationStep computes the losses and the output of batch
func (l *Linear) ValidationStep(ctx context.Context, batch *models.ProcessedBatch) (training.ValidationResult, error) {
	if err := l.ready(ctx); err != nil {
		return training.ValidationResult{}, err
	}
	x, err := l.features(batch.Input)
	if err != nil {
		return training.ValidationResult{}, err
	}

	y := l.forward(x)
	losses, _, err := l.loss(y, batch)
	if err != nil {
		return training.ValidationResult{}, err
	}
	return training.ValidationResult{Losses: losses, Output: output(y, batch.Input.Shape)}, nil
}

// Predict returns the output for input of shape spatial+[B, 1]
func (l *Linear) Predict(ctx context.Context, input *models.Array) (*models.Array, error) {
	if err := l.ready(ctx); err != nil {
		return nil, err
	}
	x, err := l.features(input)
	if err != nil {
		return nil, err
	}
	return output(l.forward(x), input.Shape), nil
}

// Checkpoint copies the weights
func (l *Linear) Checkpoint() (*models.Checkpoint, error) {
	if l.weights == nil {
		return nil, errNotInitialized
	}
	data := make([]float32, 0, numOutputs*numFeatures)
	for r := 0; r < numOutputs; r++ {
		for c := 0; c < numFeatures; c++ {
			data = append(data, float32(l.weights.At(r, c)))
		}
	}
	return &models.Checkpoint{Tensors: []models.WeightTensor{
		{Name: WeightsTensor, Shape: []int{numOutputs, numFeatures}, Data: data},
	}}, nil
}

// Restore replaces the weights with those of c
func (l *Linear) Restore(c *models.Checkpoint) error {
	if l.weights == nil {
		return errNotInitialized
	}
	t, ok := c.Tensor(WeightsTensor)
	if !ok {
		return fmt.Errorf("checkpoint has no %q tensor", WeightsTensor)
	}
	if len(t.Shape) != 2 || t.Shape[0] != numOutputs || t.Shape[1] != numFeatures || len(t.Data) != numOutputs*numFeatures {
		return fmt.Errorf("weights of shape %v do not fit [%d %d]", t.Shape, numOutputs, numFeatures)
	}
	for r := 0; r < numOutputs; r++ {
		for col := 0; col < numFeatures; col++ {
			l.weights.Set(r, col, float64(t.Data[r*numFeatures+col]))
		}
	}
	return nil
}

// Dispose drops the weights
func (l *Linear) Dispose() error {
	l.weights = nil
	return nil
}

func (l *Linear) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.weights == nil {
		return errNotInitialized
	}
	return nil
}

// features builds one row [value, neighbor mean, 1] per pixel of an
// input of shape spatial+[B, 1]. Row n is pixel n of the flat data.
func (l *Linear) features(input *models.Array) (*mat.Dense, error) {
	nd := input.NumDims()
	if nd < 3 || input.Shape[nd-1] != 1 {
		return nil, fmt.Errorf("expected input of shape spatial+[B, 1], got %v", input.Shape)
	}
	n := input.Len()
	if l.opts.MaxBatchPixels > 0 && n > l.opts.MaxBatchPixels {
		return nil, fmt.Errorf("batch of %d pixels exceeds the limit of %d: %w", n, l.opts.MaxBatchPixels, training.ErrOutOfMemory)
	}

	spatial := input.Shape[:nd-2]
	vol := models.Volume(spatial)
	strides := make([]int, len(spatial))
	stride := 1
	for d, s := range spatial {
		strides[d] = stride
		stride *= s
	}

	x := mat.NewDense(n, numFeatures, nil)
	for p := 0; p < n; p++ {
		i := p % vol
		var sum float64
		count := 0
		for d, s := range spatial {
			pos := (i / strides[d]) % s
			if pos > 0 {
				sum += float64(input.Data[p-strides[d]])
				count++
			}
			if pos < s-1 {
				sum += float64(input.Data[p+strides[d]])
				count++
			}
		}
		mean := 0.0
		if count > 0 {
			mean = sum / float64(count)
		}
		x.Set(p, 0, float64(input.Data[p]))
		x.Set(p, 1, mean)
		x.Set(p, 2, 1)
	}
	return x, nil
}

// forward returns the N x numOutputs raw outputs
func (l *Linear) forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(x, l.weights.T())
	return &y
}

// loss computes the masked squared error of channel 0, the cross entropy
// of the labeled pixels and the gradient of the weighted total with
// respect to the raw outputs
func (l *Linear) loss(y *mat.Dense, batch *models.ProcessedBatch) (training.Losses, *mat.Dense, error) {
	n, _ := y.Dims()
	if batch.DenoiseTarget.Len() != 2*n || batch.SegmentTarget.Len() != models.NumSegmentClasses*n {
		return training.Losses{}, nil, fmt.Errorf("targets of shapes %v and %v do not fit %d pixels",
			batch.DenoiseTarget.Shape, batch.SegmentTarget.Shape, n)
	}
	alpha := l.opts.DenoiseWeight
	denoiseTarget := batch.DenoiseTarget.Data
	segmentTarget := batch.SegmentTarget.Data

	masked, labeled := 0, 0
	for p := 0; p < n; p++ {
		if denoiseTarget[n+p] > 0 {
			masked++
		}
		if isLabeled(segmentTarget, n, p) {
			labeled++
		}
	}

	grad := mat.NewDense(n, numOutputs, nil)
	var squared, entropy float64
	logits := make([]float64, models.NumSegmentClasses)
	for p := 0; p < n; p++ {
		if denoiseTarget[n+p] > 0 {
			diff := y.At(p, 0) - float64(denoiseTarget[p])
			squared += diff * diff
			grad.Set(p, 0, alpha*2*diff/float64(masked))
		}

		if !isLabeled(segmentTarget, n, p) {
			continue
		}
		for c := range logits {
			logits[c] = y.At(p, 1+c)
		}
		lse := floats.LogSumExp(logits)
		for c := range logits {
			t := float64(segmentTarget[c*n+p])
			entropy -= t * (logits[c] - lse)
			grad.Set(p, 1+c, (1-alpha)*(math.Exp(logits[c]-lse)-t)/float64(labeled))
		}
	}

	var losses training.Losses
	if masked > 0 {
		losses.Denoise = squared / float64(masked)
	}
	if labeled > 0 {
		losses.Segment = entropy / float64(labeled)
	}
	losses.Total = alpha*losses.Denoise + (1-alpha)*losses.Segment
	return losses, grad, nil
}

// isLabeled reports whether pixel p has a one-hot segmentation target.
// Pixels of unlabeled tiles are all zero.
func isLabeled(target []float32, n, p int) bool {
	var sum float32
	for c := 0; c < models.NumSegmentClasses; c++ {
		sum += target[c*n+p]
	}
	return sum > 0.5
}

// output lays y out as spatial+[B, numOutputs] with softmax scores in
// the segmentation channels
func output(y *mat.Dense, inputShape []int) *models.Array {
	nd := len(inputShape)
	shape := append(append([]int{}, inputShape[:nd-1]...), numOutputs)
	out := models.NewArray(shape...)

	n, _ := y.Dims()
	logits := make([]float64, models.NumSegmentClasses)
	for p := 0; p < n; p++ {
		out.Data[p] = float32(y.At(p, 0))
		for c := range logits {
			logits[c] = y.At(p, 1+c)
		}
		lse := floats.LogSumExp(logits)
		for c := range logits {
			out.Data[(1+c)*n+p] = float32(math.Exp(logits[c] - lse))
		}
	}
	return out
}
