package training

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"denoiseg/internal/models"
)

// ConsoleProgress renders one progress line per step and a summary per
// epoch, including an estimate of the remaining training time
type ConsoleProgress struct {
	out       io.Writer
	width     int
	startTime time.Time
	now       func() time.Time
}

// NewConsoleProgress writes progress to out, nil writes to stdout
func NewConsoleProgress(out io.Writer) *ConsoleProgress {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleProgress{out: out, width: 30, now: time.Now}
}

// OnStepDone draws the step line, overwriting the previous one
func (p *ConsoleProgress) OnStepDone(state TrainingState) {
	if p.startTime.IsZero() {
		p.startTime = p.now()
	}
	step := state.Step + 1
	fmt.Fprintf(p.out, "\r%d / %d %s - loss: %.4f - denoise loss: %.4f - seg loss: %.4f - lr: %g",
		step, state.StepsPerEpoch,
		progressBar(step, state.StepsPerEpoch, p.width),
		state.Losses.Total, state.Losses.Denoise, state.Losses.Segment,
		state.LearningRate)
}

// OnEpochDone ends the step line and prints the validation summary
func (p *ConsoleProgress) OnEpochDone(state TrainingState) {
	fmt.Fprintln(p.out)
	line := fmt.Sprintf("Epoch %d/%d - val loss: %.4f - val denoise loss: %.4f - val seg loss: %.4f - best: %.4f",
		state.Epoch+1, state.NumEpochs,
		state.ValidationLosses.Total, state.ValidationLosses.Denoise, state.ValidationLosses.Segment,
		state.BestValidationLoss)
	if !p.startTime.IsZero() {
		left := remainingTime(p.now().Sub(p.startTime), state.StepsFinished, state.TotalSteps())
		line += " - remaining: " + formatDuration(left)
	}
	fmt.Fprintln(p.out, line)
}

func (p *ConsoleProgress) OnValidationPreview(input, output *models.Array) {}

func (p *ConsoleProgress) OnCancel() {
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Training cancelled")
}

// progressBar renders [****------] with width cells
func progressBar(current, total, width int) string {
	filled := 0
	if total > 0 {
		filled = current * width / total
	}
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("*", filled) + strings.Repeat("-", width-filled) + "]"
}

// remainingTime extrapolates elapsed over the steps still to run
func remainingTime(elapsed time.Duration, done, total int) time.Duration {
	if done <= 0 || done >= total {
		return 0
	}
	perStep := elapsed / time.Duration(done)
	return perStep * time.Duration(total-done)
}

// formatDuration formats duration as MM:SS, or H:MM:SS past one hour
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
