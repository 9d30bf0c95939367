package training

// PlateauReducer lowers the learning rate when the validation loss has
// stopped improving
type PlateauReducer struct {
	Factor    float64 // Factor by which the learning rate is reduced
	Patience  int     // Epochs without improvement before a reduction
	Threshold float64 // Minimal decrease counted as improvement
	MinLR     float64 // Lower bound of the learning rate

	bestMetric  float64
	badEpochs   int
	initialized bool
}

// NewPlateauReducer creates a reducer, replacing unusable values with
// factor 0.1, patience 10 and threshold 1e-4
func NewPlateauReducer(factor float64, patience int, threshold, minLR float64) *PlateauReducer {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if minLR < 0 {
		minLR = 0
	}

	return &PlateauReducer{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		MinLR:     minLR,
	}
}

// Step records the validation metric of an epoch and returns the learning
// rate for the next one
func (p *PlateauReducer) Step(metric, lr float64) float64 {
	if !p.initialized {
		p.bestMetric = metric
		p.initialized = true
		return lr
	}

	if metric < p.bestMetric-p.Threshold {
		p.bestMetric = metric
		p.badEpochs = 0
		return lr
	}

	p.badEpochs++
	if p.badEpochs < p.Patience {
		return lr
	}
	p.badEpochs = 0

	reduced := lr * p.Factor
	if reduced < p.MinLR {
		reduced = p.MinLR
	}
	return reduced
}

// BadEpochs returns the number of epochs since the last improvement or
// reduction
func (p *PlateauReducer) BadEpochs() int { return p.badEpochs }
