package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"denoiseg/internal/models"
	"denoiseg/pkg/batch"
	"denoiseg/pkg/config"
	"denoiseg/pkg/dataset"
	"denoiseg/pkg/tiling"
)

// ErrBusy is returned when a controller is asked to start a second run
var ErrBusy = errors.New("a training run is already active")

// PlateauConfig configures learning rate reduction
type PlateauConfig struct {
	Factor          float64
	Patience        int
	Threshold       float64
	MinLearningRate float64
}

// Config is the immutable set of values a run is started with
type Config struct {
	NumEpochs          int
	StepsPerEpoch      int
	BatchSize          int
	PatchShape         int
	NeighborhoodRadius int
	TrainDimensions    int
	LearningRate       float64
	NetworkDepth       int
	PercPix            float64
	Augment            bool
	NumWorkers         int
	Seed               uint64
	Plateau            PlateauConfig
}

// ConfigFrom converts the application config, seeding with seed
func ConfigFrom(cfg *config.Config, seed uint64) Config {
	t := cfg.Training
	return Config{
		NumEpochs:          t.NumEpochs,
		StepsPerEpoch:      t.StepsPerEpoch,
		BatchSize:          t.BatchSize,
		PatchShape:         t.PatchShape,
		NeighborhoodRadius: t.NeighborhoodRadius,
		TrainDimensions:    t.TrainDimensions,
		LearningRate:       t.LearningRate,
		NetworkDepth:       t.NetworkDepth,
		PercPix:            t.PercPix,
		Augment:            t.Augment,
		NumWorkers:         cfg.Processing.NumCores,
		Seed:               seed,
		Plateau: PlateauConfig{
			Factor:          cfg.Plateau.Factor,
			Patience:        cfg.Plateau.Patience,
			Threshold:       cfg.Plateau.Threshold,
			MinLearningRate: cfg.Plateau.MinLearningRate,
		},
	}
}

func (c Config) validate() error {
	switch {
	case c.NumEpochs <= 0:
		return fmt.Errorf("number of epochs must be positive, got %d", c.NumEpochs)
	case c.StepsPerEpoch <= 0:
		return fmt.Errorf("steps per epoch must be positive, got %d", c.StepsPerEpoch)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.PatchShape <= 0:
		return fmt.Errorf("patch shape must be positive, got %d", c.PatchShape)
	case c.TrainDimensions <= 0:
		return fmt.Errorf("train dimensions must be positive, got %d", c.TrainDimensions)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	return nil
}

// Preview is the first validation sample of the last epoch with the
// network output for it
type Preview struct {
	Input  *models.Array
	Output *models.Array
}

// Result is what a finished run reports
type Result struct {
	State         State
	TrainingState TrainingState
	Normalization dataset.Normalization

	// Latest is the checkpoint of the last validated epoch
	Latest *models.Checkpoint

	// Best is the checkpoint with the lowest validation loss
	Best *models.Checkpoint

	Preview *Preview
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger, the default is log.Default()
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithObserver registers an observer for progress events
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithResume initializes the network from a checkpoint instead of fresh
// weights
func WithResume(from *models.Checkpoint) Option {
	return func(c *Controller) { c.resume = from }
}

// WithStore persists checkpoints after every validation
func WithStore(store CheckpointStore) Option {
	return func(c *Controller) { c.store = store }
}

// Controller runs trainings of a NetworkExecutor. It runs at most one
// training at a time.
type Controller struct {
	cfg       Config
	exec      NetworkExecutor
	logger    *log.Logger
	observers observers
	resume    *models.Checkpoint
	store     CheckpointStore

	// mu orders run activation against Stop
	mu     sync.Mutex
	active bool
	stop   atomic.Bool
}

// NewController creates a controller driving exec
func NewController(cfg Config, exec NetworkExecutor, opts ...Option) *Controller {
	c := &Controller{cfg: cfg, exec: exec}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// Stop asks the active run to finish after the current step. The epoch's
// validation and checkpoint still run before the run is done. Without an
// active run Stop does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.stop.Store(true)
	}
}

// activate marks a run as active and clears earlier stop requests
func (c *Controller) activate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.active = true
	c.stop.Store(false)
	return true
}

func (c *Controller) deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

// Train runs a training on the calling goroutine. Cancelling ctx ends
// the run in StateCancelled with a nil error.
func (c *Controller) Train(ctx context.Context, training, validation []models.TrainingPair) (*Result, error) {
	if !c.activate() {
		return nil, ErrBusy
	}
	defer c.deactivate()
	return c.run(ctx, training, validation)
}

// Run is a training started in the background
type Run struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
	err    error
}

// Start runs a training on its own goroutine
func (c *Controller) Start(ctx context.Context, training, validation []models.TrainingPair) (*Run, error) {
	if !c.activate() {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Run{ctrl: c, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		defer c.deactivate()
		defer cancel()
		r.result, r.err = c.run(ctx, training, validation)
	}()
	return r, nil
}

// Done is closed when the run has finished and released its resources
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel cancels the run at the next step boundary
func (r *Run) Cancel() { r.cancel() }

// Stop finishes the run after the current epoch's validation
func (r *Run) Stop() { r.ctrl.Stop() }

// Wait blocks until the run has finished
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// session is the state of one run
type session struct {
	state     TrainingState
	norm      dataset.Normalization
	train     *batch.Assembler
	valid     []*models.ProcessedBatch
	slots     *checkpointSlots
	reducer   *PlateauReducer
	preview   *Preview
	batchNext int
}

func (s *session) result() *Result {
	return &Result{
		State:         s.state.State,
		TrainingState: s.state,
		Normalization: s.norm,
		Latest:        s.slots.latest,
		Best:          s.slots.best,
		Preview:       s.preview,
	}
}

func (c *Controller) run(ctx context.Context, training, validation []models.TrainingPair) (res *Result, err error) {
	s := &session{
		state: newTrainingState(c.cfg),
		slots: newCheckpointSlots(),
		reducer: NewPlateauReducer(c.cfg.Plateau.Factor, c.cfg.Plateau.Patience,
			c.cfg.Plateau.Threshold, c.cfg.Plateau.MinLearningRate),
	}

	// Panics end the run as failed
	held := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if held {
			c.disposeAfterPanic()
		}
		s.state.State = StateFailed
		res = s.result()
		err = &Error{Kind: KindExecutor, Op: "run", Err: fmt.Errorf("panic: %v", r)}
		c.logger.Printf("Warning: training halted: %v", err)
	}()

	s.state.State = StatePreparing
	if err := c.prepare(ctx, s, training, validation); err != nil {
		if ctx.Err() != nil {
			return c.cancelled(s), nil
		}
		s.state.State = StateFailed
		return s.result(), err
	}

	// Executor resources are held from here until Dispose
	held = true
	if err := c.exec.Initialize(ctx, c.resume); err != nil {
		held = false
		if disposeErr := c.exec.Dispose(); disposeErr != nil {
			c.logger.Printf("Warning: failed to release executor: %v", disposeErr)
		}
		if ctx.Err() != nil {
			return c.cancelled(s), nil
		}
		s.state.State = StateFailed
		return s.result(), classify("initialize", err)
	}

	err = c.loop(ctx, s)
	held = false
	if disposeErr := c.exec.Dispose(); disposeErr != nil {
		if err == nil && s.state.State == StateDone {
			s.state.State = StateFailed
			err = classify("dispose", disposeErr)
		} else {
			c.logger.Printf("Warning: failed to release executor: %v", disposeErr)
		}
	}

	if s.state.State == StateCancelled {
		c.observers.cancel()
		return s.result(), nil
	}
	if err != nil {
		s.state.State = StateFailed
		var te *Error
		if errors.As(err, &te) && te.Hint != "" {
			c.logger.Print(te.Hint)
		}
		return s.result(), err
	}
	return s.result(), nil
}

// prepare normalizes and augments the data and assembles the validation
// batches. Nothing here touches the executor. Cancellation is checked
// between phases.
func (c *Controller) prepare(ctx context.Context, s *session, training, validation []models.TrainingPair) error {
	if err := c.cfg.validate(); err != nil {
		return &Error{Kind: KindConfiguration, Op: "prepare", Err: err}
	}
	if len(training) == 0 {
		return configurationError("prepare", "no training data")
	}
	if len(validation) == 0 {
		return configurationError("prepare", "no validation data")
	}

	c.logger.Println("Step 1: Normalizing..")
	norm, err := dataset.ComputeNormalization(training)
	if err != nil {
		return configurationError("prepare", "%v", err)
	}
	s.norm = norm
	s.state.Normalization = norm
	c.logger.Printf("mean: %g", norm.Mean)
	c.logger.Printf("stdDev: %g", norm.StdDev)
	training = norm.Apply(training)
	validation = norm.Apply(validation)
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.cfg.Augment {
		c.logger.Println("Step 2: Augment tiles..")
		training = tiling.Augment(training)
		validation = tiling.Augment(validation)
	} else {
		c.logger.Println("Step 2: Augmentation disabled")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.cfg.BatchSize > len(training) {
		return configurationError("prepare",
			"Not enough training data: batch size %d exceeds the %d training tiles, reduce the batch size or add data",
			c.cfg.BatchSize, len(training))
	}

	c.logger.Println("Step 3: Prepare training batches..")
	patch := tiling.CubicShape(c.cfg.TrainDimensions, c.cfg.PatchShape)
	s.train, err = batch.NewAssembler(batch.NewPool(training), batch.Options{
		BatchSize:          c.cfg.BatchSize,
		PatchShape:         patch,
		PercPix:            c.cfg.PercPix,
		NeighborhoodRadius: c.cfg.NeighborhoodRadius,
		NumWorkers:         c.cfg.NumWorkers,
		Seed:               c.cfg.Seed,
		Logger:             c.logger,
	})
	if err != nil {
		return configurationError("prepare", "training batches: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	validationBatchSize := c.cfg.BatchSize
	if len(validation) < validationBatchSize {
		validationBatchSize = len(validation)
	}
	validAssembler, err := batch.NewAssembler(batch.NewPool(validation), batch.Options{
		BatchSize:          validationBatchSize,
		PatchShape:         patch,
		PercPix:            c.cfg.PercPix,
		NeighborhoodRadius: c.cfg.NeighborhoodRadius,
		NumWorkers:         c.cfg.NumWorkers,
		Seed:               c.cfg.Seed + 1,
		Logger:             c.logger,
	})
	if err != nil {
		return configurationError("prepare", "validation batches: %v", err)
	}
	for i := 0; i < validAssembler.NumBatches(); i++ {
		b, err := validAssembler.Batch(i)
		if err != nil {
			return configurationError("prepare", "validation batch %d: %v", i, err)
		}
		s.valid = append(s.valid, b)
	}
	return ctx.Err()
}

// loop runs the epochs. It returns with s.state.State set to Done or
// Cancelled, or with an error.
func (c *Controller) loop(ctx context.Context, s *session) error {
	c.logger.Println("Step 4: Training..")
	s.state.State = StateTraining

	for epoch := 0; epoch < c.cfg.NumEpochs; epoch++ {
		s.state.Epoch = epoch

		for step := 0; step < c.cfg.StepsPerEpoch; step++ {
			if ctx.Err() != nil {
				s.state.State = StateCancelled
				return nil
			}
			if c.stop.Load() {
				s.state.StopRequested = true
				break
			}
			if err := c.trainStep(ctx, s, epoch, step); err != nil {
				if ctx.Err() != nil {
					s.state.State = StateCancelled
					return nil
				}
				return err
			}
		}
		s.train.OnEpochEnd()

		if ctx.Err() != nil {
			s.state.State = StateCancelled
			return nil
		}
		if err := c.validate(ctx, s); err != nil {
			if ctx.Err() != nil {
				s.state.State = StateCancelled
				return nil
			}
			return err
		}
		if err := c.endEpoch(s); err != nil {
			return err
		}

		if s.state.StopRequested || c.stop.Load() {
			s.state.StopRequested = true
			break
		}
		s.state.State = StateTraining
	}

	s.state.State = StateDone
	c.logger.Printf("Training finished after %d steps", s.state.StepsFinished)
	return nil
}

func (c *Controller) trainStep(ctx context.Context, s *session, epoch, step int) error {
	next, wrapped := nextBatchIndex(s.batchNext, s.train.BatchSize(), s.train.Size())
	if wrapped {
		s.train.OnEpochEnd()
	}
	s.batchNext = next
	b, err := s.train.Batch(s.batchNext)
	if err != nil {
		return &Error{Kind: KindInternal, Op: "assemble batch", Err: err}
	}
	s.batchNext++

	res, err := c.exec.TrainStep(ctx, b, s.state.LearningRate)
	if err != nil {
		return classify("train step", err)
	}

	s.state.Step = step
	s.state.StepsFinished = epoch*c.cfg.StepsPerEpoch + step + 1
	s.state.Losses = res.Losses
	if res.LearningRate > 0 {
		s.state.LearningRate = res.LearningRate
	}
	c.observers.stepDone(s.state)
	return nil
}

// nextBatchIndex restarts at batch 0 when batch index would reach past
// the last pool entry
func nextBatchIndex(index, batchSize, poolSize int) (int, bool) {
	if index*batchSize+batchSize > poolSize-1 {
		return 0, true
	}
	return index, false
}

// validate runs every validation batch and averages the losses
func (c *Controller) validate(ctx context.Context, s *session) error {
	s.state.State = StateValidating

	total := make([]float64, 0, len(s.valid))
	denoise := make([]float64, 0, len(s.valid))
	segment := make([]float64, 0, len(s.valid))
	for i, b := range s.valid {
		res, err := c.exec.ValidationStep(ctx, b)
		if err != nil {
			return classify("validation step", err)
		}
		total = append(total, res.Total)
		denoise = append(denoise, res.Denoise)
		segment = append(segment, res.Segment)

		if i == 0 && res.Output != nil {
			if err := c.capturePreview(s, b, res.Output); err != nil {
				c.logger.Printf("Warning: no validation preview: %v", err)
			}
		}
	}

	s.state.ValidationLosses = Losses{
		Total:   stat.Mean(total, nil),
		Denoise: stat.Mean(denoise, nil),
		Segment: stat.Mean(segment, nil),
	}
	return nil
}

func (c *Controller) capturePreview(s *session, b *models.ProcessedBatch, output *models.Array) error {
	in, err := models.Sample(b.Input, 0)
	if err != nil {
		return err
	}
	out, err := models.Sample(output, 0)
	if err != nil {
		return err
	}
	s.preview = &Preview{Input: in, Output: out}
	c.observers.validationPreview(in, out)
	return nil
}

// endEpoch saves the checkpoints, tracks the best loss and steps the
// learning rate reducer
func (c *Controller) endEpoch(s *session) error {
	ck, err := c.exec.Checkpoint()
	if err != nil {
		return classify("checkpoint", err)
	}

	loss := s.state.ValidationLosses.Total
	improved := s.slots.update(ck, loss)
	if improved {
		s.state.BestValidationLoss = loss
	}

	if c.store != nil {
		if err := c.store.Save(SlotLatest, ck, s.state, s.preview); err != nil {
			c.logger.Printf("Warning: failed to save latest checkpoint: %v", err)
		}
		if improved {
			if err := c.store.Save(SlotBest, s.slots.best, s.state, s.preview); err != nil {
				c.logger.Printf("Warning: failed to save best checkpoint: %v", err)
			}
		}
	}

	lr := s.reducer.Step(loss, s.state.LearningRate)
	if lr != s.state.LearningRate {
		c.logger.Printf("Reducing learning rate to %g", lr)
		s.state.LearningRate = lr
	}

	c.observers.epochDone(s.state)
	return nil
}

// disposeAfterPanic releases the executor of a run that panicked
func (c *Controller) disposeAfterPanic() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("Warning: failed to release executor: %v", r)
		}
	}()
	if err := c.exec.Dispose(); err != nil {
		c.logger.Printf("Warning: failed to release executor: %v", err)
	}
}

func (c *Controller) cancelled(s *session) *Result {
	s.state.State = StateCancelled
	c.observers.cancel()
	return s.result()
}
