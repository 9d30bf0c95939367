// Package dataset collects training and validation tiles from raw images
// and their labelings, and normalizes them.
package dataset

import (
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"denoiseg/internal/models"
	"denoiseg/pkg/config"
	"denoiseg/pkg/imageio"
	"denoiseg/pkg/labels"
	"denoiseg/pkg/tiling"
)

// Options configures a Handler
type Options struct {
	TrainDimensions int
	PatchShape      int

	// BoundaryMode selects the border definition of the one-hot targets
	BoundaryMode string

	// ValidationFraction is the share of every labeled image's tiles moved
	// to validation by AddTrainingAndValidationData
	ValidationFraction float64

	Seed   uint64
	Logger *log.Logger
}

// OptionsFromConfig derives handler options from the application config
func OptionsFromConfig(cfg *config.Config, seed uint64, logger *log.Logger) Options {
	return Options{
		TrainDimensions:    cfg.Training.TrainDimensions,
		PatchShape:         cfg.Training.PatchShape,
		BoundaryMode:       cfg.Labels.BoundaryMode,
		ValidationFraction: cfg.Training.ValidationFraction,
		Seed:               seed,
		Logger:             logger,
	}
}

// Handler accumulates tiles until Finalize assembles the training pool.
// Labeled and unlabeled training tiles are kept apart; unlabeled tiles
// receive an all-zero segmentation target when the pool is finalized.
type Handler struct {
	opts      Options
	logger    *log.Logger
	extractor *tiling.Extractor
	encoder   *labels.Encoder
	loader    *imageio.Loader
	rng       *rand.Rand
	cancelled atomic.Bool

	trainingLabeled   []models.TrainingPair
	trainingUnlabeled []*models.Array
	validation        []models.TrainingPair
	training          []models.TrainingPair
}

// NewHandler creates an empty handler
func NewHandler(opts Options) (*Handler, error) {
	if opts.TrainDimensions <= 0 {
		return nil, fmt.Errorf("train dimensions must be positive, got %d", opts.TrainDimensions)
	}
	if opts.PatchShape <= 0 {
		return nil, fmt.Errorf("patch shape must be positive, got %d", opts.PatchShape)
	}
	encoder, err := labels.NewEncoder(opts.BoundaryMode)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		opts:      opts,
		logger:    logger,
		extractor: tiling.NewExtractor(logger),
		encoder:   encoder,
		loader:    imageio.NewLoader(logger),
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Cancel stops any directory import in progress after the current image
func (h *Handler) Cancel() {
	h.cancelled.Store(true)
}

// AddTrainingData tiles raw and adds the tiles to the training data.
// A nil labeling adds unlabeled tiles.
func (h *Handler) AddTrainingData(raw *models.Array, labeling *models.Labeling) error {
	if labeling == nil {
		tiles, err := h.tiles(raw, nil)
		if err != nil {
			return err
		}
		for _, tile := range tiles {
			h.trainingUnlabeled = append(h.trainingUnlabeled, tile.Input)
		}
		return nil
	}

	tiles, err := h.tiles(raw, labeling)
	if err != nil {
		return err
	}
	h.trainingLabeled = append(h.trainingLabeled, tiles...)
	return nil
}

// AddTrainingAndValidationData tiles raw like AddTrainingData, but moves
// the first ValidationFraction of a labeled image's tiles to validation
func (h *Handler) AddTrainingAndValidationData(raw *models.Array, labeling *models.Labeling) error {
	h.logger.Printf("Training and validation image raw dimensions: %v", raw.Shape)
	if labeling == nil {
		return h.AddTrainingData(raw, nil)
	}

	tiles, err := h.tiles(raw, labeling)
	if err != nil {
		return err
	}
	numValidation := int(float64(len(tiles)) * h.opts.ValidationFraction)
	h.validation = append(h.validation, tiles[:numValidation]...)
	h.trainingLabeled = append(h.trainingLabeled, tiles[numValidation:]...)
	return nil
}

// AddValidationData tiles raw into validation data. Validation images
// without labeling are ignored with a warning.
func (h *Handler) AddValidationData(raw *models.Array, labeling *models.Labeling) error {
	if labeling == nil {
		h.logger.Printf("Warning: validation data without labeling is ignored")
		return nil
	}
	tiles, err := h.tiles(raw, labeling)
	if err != nil {
		return err
	}
	h.validation = append(h.validation, tiles...)
	return nil
}

// AddTrainingFiles loads rawDir, pairs it with labelDir and adds every
// image as training data
func (h *Handler) AddTrainingFiles(rawDir, labelDir string) error {
	h.logger.Printf("Tile training data..")
	return h.addFiles(rawDir, labelDir, false, h.AddTrainingData)
}

// AddTrainingAndValidationFiles loads rawDir in random order and splits
// every labeled image between training and validation
func (h *Handler) AddTrainingAndValidationFiles(rawDir, labelDir string) error {
	h.logger.Printf("Tile training and validation data..")
	return h.addFiles(rawDir, labelDir, true, h.AddTrainingAndValidationData)
}

// AddValidationFiles loads rawDir, pairs it with labelDir and adds every
// labeled image as validation data
func (h *Handler) AddValidationFiles(rawDir, labelDir string) error {
	h.logger.Printf("Tile validation data..")
	return h.addFiles(rawDir, labelDir, false, h.AddValidationData)
}

func (h *Handler) addFiles(rawDir, labelDir string, shuffle bool, add func(*models.Array, *models.Labeling) error) error {
	pairs, err := h.loader.LoadPairedDirectory(rawDir, labelDir)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", rawDir, err)
	}
	if shuffle {
		h.rng.Shuffle(len(pairs), func(i, j int) {
			pairs[i], pairs[j] = pairs[j], pairs[i]
		})
	}

	for _, p := range pairs {
		if h.cancelled.Load() {
			return nil
		}
		if err := add(p.Image, p.Labeling); err != nil {
			h.logger.Printf("Warning: skipping %s: %v", p.Name, err)
		}
	}
	return nil
}

// tiles cuts raw, and the one-hot encoding of labeling if given, into
// superpatch-sized tiles
func (h *Handler) tiles(raw *models.Array, labeling *models.Labeling) ([]models.TrainingPair, error) {
	if raw.NumDims() < h.opts.TrainDimensions {
		return nil, fmt.Errorf("image of shape %v has fewer than %d dimensions", raw.Shape, h.opts.TrainDimensions)
	}

	size := tiling.SuperpatchSize(raw, h.opts.TrainDimensions, h.opts.PatchShape)
	if size < h.opts.PatchShape {
		h.logger.Printf("Warning: image of shape %v is smaller than the patch shape %d, no tiles extracted", raw.Shape, h.opts.PatchShape)
		return nil, nil
	}
	patch := tiling.CubicShape(h.opts.TrainDimensions, size)

	if labeling == nil {
		return h.extractor.Extract(raw, nil, patch)
	}
	if err := labeling.Matches(raw); err != nil {
		return nil, err
	}
	return h.extractor.Extract(raw, h.encoder.OneHot(labeling), patch)
}

// Finalize assembles the training pool from labeled tiles and unlabeled
// tiles with an empty target, and shuffles both pools
func (h *Handler) Finalize() {
	h.rng.Shuffle(len(h.validation), func(i, j int) {
		h.validation[i], h.validation[j] = h.validation[j], h.validation[i]
	})

	h.training = make([]models.TrainingPair, 0, len(h.trainingLabeled)+len(h.trainingUnlabeled))
	h.training = append(h.training, h.trainingLabeled...)
	for _, raw := range h.trainingUnlabeled {
		h.training = append(h.training, models.TrainingPair{
			Input:  raw,
			Target: labels.Empty(raw.Shape),
		})
	}
	h.rng.Shuffle(len(h.training), func(i, j int) {
		h.training[i], h.training[j] = h.training[j], h.training[i]
	})

	total := len(h.training) + len(h.validation)
	if total > 0 {
		frac := float64(len(h.validation)) / float64(total)
		if frac < 0.05 {
			h.logger.Printf("Warning: small number of validation tiles (only %.1f%% of all tiles)", 100*frac)
		}
	}
}

// TrainingData returns the finalized training pool
func (h *Handler) TrainingData() []models.TrainingPair { return h.training }

// ValidationData returns the validation tiles
func (h *Handler) ValidationData() []models.TrainingPair { return h.validation }

// NumLabeled returns the number of labeled training tiles
func (h *Handler) NumLabeled() int { return len(h.trainingLabeled) }

// NumUnlabeled returns the number of unlabeled training tiles
func (h *Handler) NumUnlabeled() int { return len(h.trainingUnlabeled) }
