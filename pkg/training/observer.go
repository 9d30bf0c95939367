package training

import "denoiseg/internal/models"

// Observer receives progress events of a training run. Events are
// delivered on the training goroutine, so implementations must return
// quickly.
type Observer interface {
	OnStepDone(state TrainingState)
	OnEpochDone(state TrainingState)
	OnValidationPreview(input, output *models.Array)
	OnCancel()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StepDone          func(state TrainingState)
	EpochDone         func(state TrainingState)
	ValidationPreview func(input, output *models.Array)
	Cancel            func()
}

func (o ObserverFuncs) OnStepDone(state TrainingState) {
	if o.StepDone != nil {
		o.StepDone(state)
	}
}

func (o ObserverFuncs) OnEpochDone(state TrainingState) {
	if o.EpochDone != nil {
		o.EpochDone(state)
	}
}

func (o ObserverFuncs) OnValidationPreview(input, output *models.Array) {
	if o.ValidationPreview != nil {
		o.ValidationPreview(input, output)
	}
}

func (o ObserverFuncs) OnCancel() {
	if o.Cancel != nil {
		o.Cancel()
	}
}

// observers fans events out to every registered observer
type observers []Observer

func (obs observers) stepDone(state TrainingState) {
	for _, o := range obs {
		o.OnStepDone(state)
	}
}

func (obs observers) epochDone(state TrainingState) {
	for _, o := range obs {
		o.OnEpochDone(state)
	}
}

func (obs observers) validationPreview(input, output *models.Array) {
	for _, o := range obs {
		o.OnValidationPreview(input, output)
	}
}

func (obs observers) cancel() {
	for _, o := range obs {
		o.OnCancel()
	}
}
