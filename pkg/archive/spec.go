package archive

import (
	"fmt"
	"time"

	"denoiseg/pkg/dataset"
	"denoiseg/pkg/training"
)

const (
	formatVersion = "0.3.0"

	// Halo is the border in pixels a tiled prediction has to overlap
	Halo = 96

	preprocessingName  = "zero_mean_unit_variance"
	postprocessingName = "scale_linear"
)

// Spec is the model.yaml description of an archived model
type Spec struct {
	FormatVersion string       `yaml:"format_version"`
	Name          string       `yaml:"name"`
	Description   string       `yaml:"description"`
	Timestamp     string       `yaml:"timestamp"`
	Authors       []string     `yaml:"authors,omitempty"`
	Cite          []Citation   `yaml:"cite"`
	Tags          []string     `yaml:"tags"`
	Inputs        []InputSpec  `yaml:"inputs"`
	Outputs       []OutputSpec `yaml:"outputs"`
	Weights       WeightsSpec  `yaml:"weights"`
	Training      TrainingSpec `yaml:"training"`
	SampleInputs  []string     `yaml:"sample_inputs,omitempty"`
	SampleOutputs []string     `yaml:"sample_outputs,omitempty"`
}

type Citation struct {
	Text string `yaml:"text"`
	DOI  string `yaml:"doi"`
}

type InputSpec struct {
	Name          string       `yaml:"name"`
	Axes          string       `yaml:"axes"`
	DataType      string       `yaml:"data_type"`
	DataRange     []float64    `yaml:"data_range,flow"`
	Shape         InputShape   `yaml:"shape"`
	Preprocessing []Processing `yaml:"preprocessing"`
}

type InputShape struct {
	Min  []int `yaml:"min,flow"`
	Step []int `yaml:"step,flow"`
}

type OutputSpec struct {
	Name           string       `yaml:"name"`
	Axes           string       `yaml:"axes"`
	DataType       string       `yaml:"data_type"`
	DataRange      []float64    `yaml:"data_range,flow"`
	Halo           []int        `yaml:"halo,flow"`
	Shape          OutputShape  `yaml:"shape"`
	Postprocessing []Processing `yaml:"postprocessing"`
}

type OutputShape struct {
	ReferenceInput string    `yaml:"reference_input"`
	Scale          []float64 `yaml:"scale,flow"`
	Offset         []float64 `yaml:"offset,flow"`
}

// Processing is a named pre- or postprocessing step
type Processing struct {
	Name   string             `yaml:"name"`
	Kwargs map[string]float64 `yaml:"kwargs"`
}

type WeightsSpec struct {
	Source string `yaml:"source"`
	Best   bool   `yaml:"best"`
}

type TrainingSpec struct {
	Source string         `yaml:"source"`
	Kwargs TrainingKwargs `yaml:"kwargs"`
}

// TrainingKwargs records the hyperparameters of the run
type TrainingKwargs struct {
	BatchSize          int     `yaml:"batchSize"`
	LearningRate       float64 `yaml:"learningRate"`
	TrainDimensions    int     `yaml:"trainDimensions"`
	NeighborhoodRadius int     `yaml:"neighborhoodRadius"`
	NumEpochs          int     `yaml:"numEpochs"`
	NumStepsPerEpoch   int     `yaml:"numStepsPerEpoch"`
	PatchShape         int     `yaml:"patchShape"`
	NetworkDepth       int     `yaml:"networkDepth"`
	StepsFinished      int     `yaml:"stepsFinished"`
}

// newSpec describes a model trained with cfg up to state
func newSpec(name string, cfg training.Config, state training.TrainingState, best bool, timestamp time.Time) Spec {
	axes := "byxc"
	spatial := 2
	if cfg.TrainDimensions == 3 {
		axes = "bzyxc"
		spatial = 3
	}

	// inputs must be multiples of the network's downsampling factor
	factor := 1 << cfg.NetworkDepth
	minShape := []int{1}
	step := []int{0}
	halo := []int{0}
	scale := []float64{1}
	offset := []float64{0}
	for i := 0; i < spatial; i++ {
		minShape = append(minShape, factor)
		step = append(step, factor)
		halo = append(halo, Halo)
		scale = append(scale, 1)
		offset = append(offset, 0)
	}
	minShape = append(minShape, 1)
	step = append(step, 0)
	halo = append(halo, 0)
	scale = append(scale, 1)
	offset = append(offset, 3)

	unet := fmt.Sprintf("unet%dd", spatial)
	norm := state.Normalization
	return Spec{
		FormatVersion: formatVersion,
		Name:          name,
		Description:   "Joint denoising and segmentation",
		Timestamp:     timestamp.UTC().Format(time.RFC3339),
		Cite: []Citation{{
			Text: "Tim-Oliver Buchholz and Mangal Prakash and Alexander Krull and Florian Jug DenoiSeg: Joint Denoising and Segmentation",
			DOI:  "arXiv:2005.02987",
		}},
		Tags: []string{"denoising", "segmentation", unet},
		Inputs: []InputSpec{{
			Name:      "input",
			Axes:      axes,
			DataType:  "float32",
			DataRange: []float64{-1, 1},
			Shape:     InputShape{Min: minShape, Step: step},
			Preprocessing: []Processing{{
				Name:   preprocessingName,
				Kwargs: map[string]float64{"mean": norm.Mean, "std": norm.StdDev},
			}},
		}},
		Outputs: []OutputSpec{{
			Name:      "output",
			Axes:      axes,
			DataType:  "float32",
			DataRange: []float64{-1, 1},
			Halo:      halo,
			Shape:     OutputShape{ReferenceInput: "input", Scale: scale, Offset: offset},
			Postprocessing: []Processing{{
				Name:   postprocessingName,
				Kwargs: map[string]float64{"gain": norm.StdDev, "offset": norm.Mean},
			}},
		}},
		Weights: WeightsSpec{Source: weightsFile, Best: best},
		Training: TrainingSpec{
			Source: "denoiseg",
			Kwargs: TrainingKwargs{
				BatchSize:          cfg.BatchSize,
				LearningRate:       cfg.LearningRate,
				TrainDimensions:    cfg.TrainDimensions,
				NeighborhoodRadius: cfg.NeighborhoodRadius,
				NumEpochs:          cfg.NumEpochs,
				NumStepsPerEpoch:   cfg.StepsPerEpoch,
				PatchShape:         cfg.PatchShape,
				NetworkDepth:       cfg.NetworkDepth,
				StepsFinished:      state.StepsFinished,
			},
		},
	}
}

// Normalization returns the preprocessing mean and standard deviation
func (s *Spec) Normalization() (dataset.Normalization, error) {
	for _, in := range s.Inputs {
		for _, p := range in.Preprocessing {
			if p.Name != preprocessingName {
				continue
			}
			mean, okMean := p.Kwargs["mean"]
			std, okStd := p.Kwargs["std"]
			if !okMean || !okStd {
				return dataset.Normalization{}, fmt.Errorf("%s is missing mean or std", preprocessingName)
			}
			if std == 0 {
				return dataset.Normalization{}, fmt.Errorf("%s has a zero std", preprocessingName)
			}
			return dataset.Normalization{Mean: mean, StdDev: std}, nil
		}
	}
	return dataset.Normalization{}, fmt.Errorf("no %s preprocessing", preprocessingName)
}
