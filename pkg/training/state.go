package training

import (
	"fmt"
	"math"

	"denoiseg/pkg/dataset"
)

// State is a phase of a training run
type State int

const (
	StateInitialized State = iota
	StatePreparing
	StateTraining
	StateValidating
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePreparing:
		return "preparing"
	case StateTraining:
		return "training"
	case StateValidating:
		return "validating"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// TrainingState is the bookkeeping of one run. Observers receive copies.
type TrainingState struct {
	State State

	// Epoch and Step are the 0-indexed position of the last finished step
	Epoch int
	Step  int

	NumEpochs     int
	StepsPerEpoch int

	// StepsFinished counts every training step run so far
	StepsFinished int

	// Losses of the last training step
	Losses Losses

	// ValidationLosses of the last validation pass
	ValidationLosses Losses

	LearningRate float64

	// BestValidationLoss is +Inf until the first validation
	BestValidationLoss float64

	// StopRequested is set once a stop was observed
	StopRequested bool

	// Normalization maps raw intensities to network inputs
	Normalization dataset.Normalization
}

func newTrainingState(cfg Config) TrainingState {
	return TrainingState{
		State:              StateInitialized,
		NumEpochs:          cfg.NumEpochs,
		StepsPerEpoch:      cfg.StepsPerEpoch,
		LearningRate:       cfg.LearningRate,
		BestValidationLoss: math.Inf(1),
	}
}

// TotalSteps returns NumEpochs * StepsPerEpoch
func (s TrainingState) TotalSteps() int {
	return s.NumEpochs * s.StepsPerEpoch
}
