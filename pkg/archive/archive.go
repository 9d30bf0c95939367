// Package archive exports trained models as self-contained zip archives
// and loads them back. An archive holds:
//
//	model.yaml     description, normalization and training parameters
//	weights.pb     network weights
//	state.pb       training state as a google.protobuf.Struct
//	sample_in.pb   example input, when a validation preview exists
//	sample_out.pb  network output for the example input
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"denoiseg/internal/models"
	"denoiseg/pkg/dataset"
	"denoiseg/pkg/training"
)

const (
	specFile      = "model.yaml"
	weightsFile   = "weights.pb"
	stateFile     = "state.pb"
	sampleInFile  = "sample_in.pb"
	sampleOutFile = "sample_out.pb"
)

// Export is everything written into an archive
type Export struct {
	Name       string
	Checkpoint *models.Checkpoint
	Config     training.Config
	State      training.TrainingState

	// Best marks the checkpoint as the lowest validation loss of the run
	Best bool

	// Preview is optional
	Preview *training.Preview

	// Timestamp defaults to the current time
	Timestamp time.Time
}

// Model is a loaded archive
type Model struct {
	Spec          Spec
	Checkpoint    *models.Checkpoint
	Normalization dataset.Normalization

	// State holds the training state values by name
	State map[string]any

	SampleInput  *models.Array
	SampleOutput *models.Array
}

// StepsFinished returns the number of training steps behind the weights
func (m *Model) StepsFinished() int {
	return m.Spec.Training.Kwargs.StepsFinished
}

// Write stores e as a zip archive at path. The archive is written to a
// temporary file first and renamed into place.
func Write(path string, e Export) error {
	if e.Checkpoint == nil {
		return fmt.Errorf("no checkpoint to export")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Name == "" {
		e.Name = "denoiseg"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("error creating archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeEntries(tmp, e); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error moving archive into place: %w", err)
	}
	return nil
}

type entry struct {
	name string
	data []byte
}

func writeEntries(w io.Writer, e Export) error {
	spec := newSpec(e.Name, e.Config, e.State, e.Best, e.Timestamp)
	if e.Preview != nil {
		spec.SampleInputs = []string{sampleInFile}
		spec.SampleOutputs = []string{sampleOutFile}
	}
	specData, err := yaml.Marshal(&spec)
	if err != nil {
		return fmt.Errorf("error marshaling model spec: %w", err)
	}

	state, err := encodeState(e.State)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	entries := []entry{
		{specFile, specData},
		{weightsFile, encodeTensors(e.Checkpoint.Tensors)},
		{stateFile, state},
	}
	if e.Preview != nil {
		entries = append(entries,
			entry{sampleInFile, encodeTensors([]models.WeightTensor{arrayTensor("input", e.Preview.Input)})},
			entry{sampleOutFile, encodeTensors([]models.WeightTensor{arrayTensor("output", e.Preview.Output)})},
		)
	}

	for _, en := range entries {
		f, err := zw.Create(en.name)
		if err != nil {
			return fmt.Errorf("error adding %s: %w", en.name, err)
		}
		if _, err := f.Write(en.data); err != nil {
			return fmt.Errorf("error writing %s: %w", en.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("error finishing archive: %w", err)
	}
	return nil
}

// encodeState serializes the finite values of the training state
func encodeState(s training.TrainingState) ([]byte, error) {
	values := map[string]any{
		"state":             s.State.String(),
		"epoch":             s.Epoch,
		"step":              s.Step,
		"stepsFinished":     s.StepsFinished,
		"learningRate":      s.LearningRate,
		"loss":              s.Losses.Total,
		"denoiseLoss":       s.Losses.Denoise,
		"segmentLoss":       s.Losses.Segment,
		"validationLoss":    s.ValidationLosses.Total,
		"validationDenoise": s.ValidationLosses.Denoise,
		"validationSegment": s.ValidationLosses.Segment,
		"mean":              s.Normalization.Mean,
		"stdDev":            s.Normalization.StdDev,
	}
	if !math.IsInf(s.BestValidationLoss, 0) && !math.IsNaN(s.BestValidationLoss) {
		values["bestValidationLoss"] = s.BestValidationLoss
	}

	st, err := structpb.NewStruct(values)
	if err != nil {
		return nil, fmt.Errorf("error encoding training state: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("error marshaling training state: %w", err)
	}
	return data, nil
}

// Read loads the archive at path
func Read(path string) (*Model, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("error opening archive: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	read := func(name string) ([]byte, error) {
		f, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("archive has no %s", name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("error opening %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	m := &Model{}
	specData, err := read(specFile)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(specData, &m.Spec); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", specFile, err)
	}
	if m.Normalization, err = m.Spec.Normalization(); err != nil {
		return nil, err
	}

	weights, err := read(weightsFile)
	if err != nil {
		return nil, err
	}
	tensors, err := decodeTensors(weights)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", weightsFile, err)
	}
	m.Checkpoint = &models.Checkpoint{Tensors: tensors}

	stateData, err := read(stateFile)
	if err != nil {
		return nil, err
	}
	var st structpb.Struct
	if err := proto.Unmarshal(stateData, &st); err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", stateFile, err)
	}
	m.State = st.AsMap()

	if _, ok := files[sampleInFile]; ok {
		if m.SampleInput, err = readSample(read, sampleInFile); err != nil {
			return nil, err
		}
		if m.SampleOutput, err = readSample(read, sampleOutFile); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func readSample(read func(string) ([]byte, error), name string) (*models.Array, error) {
	data, err := read(name)
	if err != nil {
		return nil, err
	}
	tensors, err := decodeTensors(data)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", name, err)
	}
	if len(tensors) != 1 {
		return nil, fmt.Errorf("%s holds %d tensors, expected 1", name, len(tensors))
	}
	return tensorArray(tensors[0])
}
