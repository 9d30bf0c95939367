package training

import (
	"math"

	"denoiseg/internal/models"
)

// Slot names a persisted checkpoint
type Slot string

const (
	SlotLatest Slot = "latest"
	SlotBest   Slot = "best"
)

// CheckpointStore persists checkpoints as the run progresses. The latest
// slot is saved after every validation, the best slot only on strict
// improvement of the validation loss. preview is the validation preview
// of the same epoch, nil when the executor produced no output.
type CheckpointStore interface {
	Save(slot Slot, c *models.Checkpoint, state TrainingState, preview *Preview) error
}

// checkpointSlots holds the latest checkpoint and a copy of the best one
type checkpointSlots struct {
	latest   *models.Checkpoint
	best     *models.Checkpoint
	bestLoss float64
}

func newCheckpointSlots() *checkpointSlots {
	return &checkpointSlots{bestLoss: math.Inf(1)}
}

// update stores c as latest and reports whether it became the best.
// Ties keep the previous best.
func (s *checkpointSlots) update(c *models.Checkpoint, loss float64) bool {
	s.latest = c
	if !(loss < s.bestLoss) {
		return false
	}
	s.bestLoss = loss
	s.best = c.Clone()
	return true
}
