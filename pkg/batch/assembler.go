package batch

import (
	"fmt"
	"log"
	"runtime"
	"sync"

	"golang.org/x/exp/rand"

	"denoiseg/internal/models"
	"denoiseg/pkg/blindspot"
)

// Options configures an Assembler
type Options struct {
	// BatchSize is the number of samples per batch
	BatchSize int

	// PatchShape is the spatial shape of every sample, cropped out of the
	// larger pool tiles
	PatchShape []int

	// PercPix is the percentage of blind spots per sample
	PercPix float64

	// NeighborhoodRadius is the half-width of the replacement window
	NeighborhoodRadius int

	// NumWorkers bounds the goroutines preparing samples, 0 uses all CPUs
	NumWorkers int

	// Seed seeds crop origins, blind spots and shuffling
	Seed uint64

	// Logger receives diagnostics, nil uses log.Default()
	Logger *log.Logger
}

// Assembler crops, masks and stacks batches out of a pool. Batch is not
// safe for concurrent use; samples inside one batch are prepared in
// parallel.
type Assembler struct {
	pool       *Pool
	batchSize  int
	patch      []int
	sampler    *blindspot.Sampler
	rng        *rand.Rand
	numWorkers int
}

// NewAssembler prepares an assembler over pool. Every tile must be at
// least as large as the patch shape; tiles may differ in size, each crop
// origin is drawn from the range of its own tile.
func NewAssembler(pool *Pool, opts Options) (*Assembler, error) {
	if pool.Len() == 0 {
		return nil, fmt.Errorf("pool is empty")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}

	for i := 0; i < pool.Len(); i++ {
		tile := pool.At(i).Input
		if tile.NumDims() != len(opts.PatchShape) {
			return nil, fmt.Errorf("tile %d has %d dimensions, patch shape has %d", i, tile.NumDims(), len(opts.PatchShape))
		}
		for d, p := range opts.PatchShape {
			if tile.Shape[d] < p {
				return nil, fmt.Errorf("patch shape %v exceeds shape %v of tile %d", opts.PatchShape, tile.Shape, i)
			}
		}
	}

	sampler, err := blindspot.NewSampler(opts.PatchShape, opts.PercPix, opts.NeighborhoodRadius)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("%d blind-spots will be generated per training patch of size %v", sampler.NumPixels(), opts.PatchShape)

	workers := opts.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Assembler{
		pool:       pool,
		batchSize:  opts.BatchSize,
		patch:      append([]int{}, opts.PatchShape...),
		sampler:    sampler,
		rng:        rand.New(rand.NewSource(opts.Seed)),
		numWorkers: workers,
	}, nil
}

// Size returns the number of pairs in the pool
func (a *Assembler) Size() int { return a.pool.Len() }

// BatchSize returns the configured batch size
func (a *Assembler) BatchSize() int { return a.batchSize }

// NumBatches returns ceil(Size / BatchSize)
func (a *Assembler) NumBatches() int {
	return (a.pool.Len() + a.batchSize - 1) / a.batchSize
}

// OnEpochEnd reshuffles the pool
func (a *Assembler) OnEpochEnd() {
	a.pool.Shuffle(a.rng)
}

// sampleJob is everything a worker needs to prepare one sample
type sampleJob struct {
	pair   models.TrainingPair
	origin []int
	seed   uint64
}

// Batch assembles batch i: BatchSize samples starting at pool position
// i*BatchSize, clipped to the end of the pool. Every sample is a random
// crop of its tile with blind spots injected into the raw channel.
func (a *Assembler) Batch(i int) (*models.ProcessedBatch, error) {
	start := i * a.batchSize
	if i < 0 || start >= a.pool.Len() {
		return nil, fmt.Errorf("batch %d out of range for %d batches", i, a.NumBatches())
	}
	n := a.batchSize
	if start+n > a.pool.Len() {
		n = a.pool.Len() - start
	}

	// Workers only see per-sample seeds drawn here
	jobs := make([]sampleJob, n)
	for j := range jobs {
		pair := a.pool.At(start + j)
		origin := make([]int, len(a.patch))
		for d := range origin {
			origin[d] = a.rng.Intn(pair.Input.Shape[d] - a.patch[d] + 1)
		}
		jobs[j] = sampleJob{pair: pair, origin: origin, seed: a.rng.Uint64()}
	}

	inputs := make([]*models.Array, n)
	denoise := make([]*models.Array, n)
	segment := make([]*models.Array, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	perWorker := (n + a.numWorkers - 1) / a.numWorkers
	for w := 0; w < a.numWorkers; w++ {
		from := w * perWorker
		to := from + perWorker
		if to > n {
			to = n
		}
		if from >= n {
			break
		}

		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			for j := from; j < to; j++ {
				inputs[j], denoise[j], segment[j], errs[j] = a.prepare(jobs[j])
			}
		}(from, to)
	}
	wg.Wait()

	for j, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to prepare sample %d of batch %d: %v", j, i, err)
		}
	}

	b := &models.ProcessedBatch{Size: n}
	var err error
	if b.Input, err = models.StackBatch(inputs); err != nil {
		return nil, err
	}
	if b.DenoiseTarget, err = models.StackBatch(denoise); err != nil {
		return nil, err
	}
	if b.SegmentTarget, err = models.StackBatch(segment); err != nil {
		return nil, err
	}
	return b, nil
}

// prepare crops one sample and injects its blind spots
func (a *Assembler) prepare(job sampleJob) (input, denoise, segment *models.Array, err error) {
	crop, err := job.pair.Input.Crop(job.origin, a.patch)
	if err != nil {
		return nil, nil, nil, err
	}
	input = crop.WithChannelAxis()

	segShape := append(append([]int{}, a.patch...), models.NumSegmentClasses)
	if job.pair.Target != nil {
		segOrigin := append(append([]int{}, job.origin...), 0)
		if segment, err = job.pair.Target.Crop(segOrigin, segShape); err != nil {
			return nil, nil, nil, err
		}
	} else {
		segment = models.NewArray(segShape...)
	}

	denoise = a.sampler.NewTarget()
	rng := rand.New(rand.NewSource(job.seed))
	if _, err = a.sampler.Manipulate(input, denoise, rng); err != nil {
		return nil, nil, nil, err
	}
	return input, denoise, segment, nil
}
