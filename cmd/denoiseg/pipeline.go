package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"denoiseg/internal/models"
	"denoiseg/pkg/archive"
	"denoiseg/pkg/config"
	"denoiseg/pkg/dataset"
	"denoiseg/pkg/executor"
	"denoiseg/pkg/imageio"
	"denoiseg/pkg/prediction"
	"denoiseg/pkg/training"
	"denoiseg/pkg/visualization"
)

// modelName prefixes every exported archive
const modelName = "denoiseg"

// inputs names the data directories of a training run
type inputs struct {
	trainRaw    string
	trainLabels string
	valRaw      string
	valLabels   string

	// resume is an archive whose weights initialize the network
	resume string
}

// separateValidation reports whether validation data comes from its own
// directory rather than a split of the training data
func (in inputs) separateValidation() bool {
	if in.valRaw == "" {
		return false
	}
	return filepath.Clean(in.valRaw) != filepath.Clean(in.trainRaw)
}

// train imports the data, runs the training loop and exports the final
// model with its validation preview
func train(ctx context.Context, cfg *config.Config, in inputs, progress io.Writer, logger *log.Logger) (*training.Result, error) {
	seed := cfg.ResolvedSeed()
	if cfg.Output.Verbose {
		logger.Printf("Using seed %d and %d cores", seed, cfg.Processing.NumCores)
	}

	handler, err := dataset.NewHandler(dataset.OptionsFromConfig(cfg, seed, logger))
	if err != nil {
		return nil, err
	}
	stopImport := context.AfterFunc(ctx, handler.Cancel)
	defer stopImport()

	importStart := time.Now()
	if in.separateValidation() {
		if err := handler.AddTrainingFiles(in.trainRaw, in.trainLabels); err != nil {
			return nil, err
		}
		if err := handler.AddValidationFiles(in.valRaw, in.valLabels); err != nil {
			return nil, err
		}
	} else {
		labelDir := in.trainLabels
		if labelDir == "" {
			labelDir = in.valLabels
		}
		if err := handler.AddTrainingAndValidationFiles(in.trainRaw, labelDir); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("data import interrupted: %w", err)
	}
	handler.Finalize()
	logger.Printf("Imported %d labeled and %d unlabeled training tiles, %d validation tiles in %.2f seconds",
		handler.NumLabeled(), handler.NumUnlabeled(), len(handler.ValidationData()), time.Since(importStart).Seconds())

	tcfg := training.ConfigFrom(cfg, seed)
	store, err := archive.NewStore(cfg.Output.Directory, modelName, tcfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []training.Option{
		training.WithLogger(logger),
		training.WithObserver(training.NewConsoleProgress(progress)),
		training.WithStore(store),
	}
	if in.resume != "" {
		m, err := archive.Read(in.resume)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", in.resume, err)
		}
		logger.Printf("Resuming from %s after %d steps", in.resume, m.StepsFinished())
		opts = append(opts, training.WithResume(m.Checkpoint))
	}
	if cfg.Output.SavePreviews {
		opts = append(opts, training.WithObserver(previewWriter(filepath.Join(cfg.Output.Directory, "previews"), logger)))
	}

	ctrl := training.NewController(tcfg, executor.NewLinear(executor.OptionsFromConfig(cfg, seed)), opts...)
	run, err := ctrl.Start(ctx, handler.TrainingData(), handler.ValidationData())
	if err != nil {
		return nil, err
	}
	res, err := run.Wait()
	if err != nil {
		return res, err
	}

	if res.Latest != nil {
		path := store.Path(training.SlotLatest)
		err := archive.Write(path, archive.Export{
			Name:       modelName,
			Checkpoint: res.Latest,
			Config:     tcfg,
			State:      res.TrainingState,
			Preview:    res.Preview,
		})
		if err != nil {
			return res, fmt.Errorf("failed to export model: %w", err)
		}
		logger.Printf("Saved latest model to %s", path)
	}
	return res, nil
}

// previewWriter saves the input, denoised output and foreground scores of
// every validation preview into dir
func previewWriter(dir string, logger *log.Logger) training.Observer {
	epoch := 0
	return training.ObserverFuncs{
		ValidationPreview: func(input, output *models.Array) {
			epoch++
			images := []struct {
				suffix string
				array  *models.Array
				ch     int
			}{
				{"input", input, 0},
				{"denoised", output, 0},
				{"foreground", output, 1 + models.Foreground},
			}
			for _, img := range images {
				ch, err := img.array.Channel(img.ch)
				if err == nil {
					err = imageio.WritePreview(ch, filepath.Join(dir, fmt.Sprintf("epoch_%03d_%s.png", epoch, img.suffix)))
				}
				if err != nil {
					logger.Printf("Warning: failed to write %s preview: %v", img.suffix, err)
				}
			}
		},
	}
}

// predict runs an archived model on the image or stack at inputPath and
// writes the denoised image and the class map into the output directory
func predict(ctx context.Context, cfg *config.Config, modelPath, inputPath string, logger *log.Logger) error {
	m, err := archive.Read(modelPath)
	if err != nil {
		return err
	}
	p, err := prediction.Load(ctx, m, executor.NewLinear(executor.OptionsFromConfig(cfg, 0)))
	if err != nil {
		return err
	}
	defer p.Close()

	img, err := imageio.NewLoader(logger).LoadImage(inputPath)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", inputPath, err)
	}

	startTime := time.Now()
	out, err := p.Predict(ctx, img)
	if err != nil {
		return err
	}
	logger.Printf("Predicted image of shape %v in %.2f seconds", img.Shape, time.Since(startTime).Seconds())

	name := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	dir := cfg.Output.Directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	if err := writeVolume(out.Denoised, filepath.Join(dir, name+"_denoised")); err != nil {
		return err
	}
	classes := out.Classes()
	if err := writeVolume(classArray(classes), filepath.Join(dir, name+"_classes")); err != nil {
		return err
	}
	if cfg.Output.SavePreviews {
		if err := writeOverlay(out.Denoised, classes, filepath.Join(dir, name+"_overlay")); err != nil {
			logger.Printf("Warning: failed to write overlay: %v", err)
		}
	}
	logger.Printf("Prediction saved to %s", dir)
	return nil
}

// writeOverlay saves the z slices of the denoised image with the class
// map drawn over them
func writeOverlay(denoised *models.Array, classes *models.Labeling, dir string) error {
	viewer, err := visualization.NewViewer(denoised)
	if err != nil {
		return err
	}
	if err := viewer.WithClasses(classes); err != nil {
		return err
	}
	return viewer.SaveSliceSequence("z", dir)
}

// classArray converts a class map to intensities
func classArray(l *models.Labeling) *models.Array {
	a := models.NewArray(l.Shape...)
	for i, c := range l.Data {
		a.Data[i] = float32(c)
	}
	return a
}

// writeVolume writes a 2D array to prefix.png and a 3D array to one PNG
// per z slice inside the directory prefix
func writeVolume(a *models.Array, prefix string) error {
	if a.NumDims() == 2 {
		return imageio.WriteImage(a, prefix+".png")
	}
	if a.NumDims() != 3 {
		return fmt.Errorf("cannot write array of shape %v", a.Shape)
	}
	if err := os.MkdirAll(prefix, 0755); err != nil {
		return fmt.Errorf("error creating %s: %w", prefix, err)
	}
	for z := 0; z < a.Shape[2]; z++ {
		slice, err := a.HyperSlice(2, z)
		if err != nil {
			return err
		}
		if err := imageio.WriteImage(slice, filepath.Join(prefix, fmt.Sprintf("slice_%03d.png", z))); err != nil {
			return fmt.Errorf("failed to write slice %d: %w", z, err)
		}
	}
	return nil
}
