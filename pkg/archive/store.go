package archive

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"denoiseg/internal/models"
	"denoiseg/pkg/training"
)

// Store is a training.CheckpointStore that exports every saved
// checkpoint into an archive per slot inside one directory
type Store struct {
	dir    string
	name   string
	cfg    training.Config
	logger *log.Logger
}

var _ training.CheckpointStore = (*Store)(nil)

// NewStore creates dir if needed
func NewStore(dir, name string, cfg training.Config, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating model directory: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{dir: dir, name: name, cfg: cfg, logger: logger}, nil
}

// Path returns the archive path of slot
func (s *Store) Path(slot training.Slot) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.zip", s.name, slot))
}

// Save exports c into the archive of slot, replacing the previous one.
// The preview is stored as sample input and output when given.
func (s *Store) Save(slot training.Slot, c *models.Checkpoint, state training.TrainingState, preview *training.Preview) error {
	path := s.Path(slot)
	err := Write(path, Export{
		Name:       s.name,
		Checkpoint: c,
		Config:     s.cfg,
		State:      state,
		Best:       slot == training.SlotBest,
		Preview:    preview,
	})
	if err != nil {
		return err
	}
	if slot == training.SlotBest {
		s.logger.Printf("Saved best model to %s (validation loss %.4f)", path, state.BestValidationLoss)
	}
	return nil
}
