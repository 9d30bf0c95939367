package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"denoiseg/pkg/config"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "denoiseg.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	trainRaw := flag.String("train-raw", "", "Directory containing raw training images")
	trainLabels := flag.String("train-labels", "", "Directory containing training labelings, matched by file name")
	valRaw := flag.String("val-raw", "", "Directory containing raw validation images (default: split from training data)")
	valLabels := flag.String("val-labels", "", "Directory containing validation labelings")
	outputDir := flag.String("output", "", "Directory for exported models (overrides config)")
	resume := flag.String("resume", "", "Model archive to resume training from")
	epochs := flag.Int("epochs", 0, "Number of epochs (overrides config)")
	steps := flag.Int("steps", 0, "Steps per epoch (overrides config)")
	batchSize := flag.Int("batch", 0, "Batch size (overrides config)")
	patchShape := flag.Int("patch", 0, "Patch shape (overrides config)")
	radius := flag.Int("radius", -1, "Blind-spot neighborhood radius (overrides config)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (overrides config)")
	predictInput := flag.String("predict", "", "Image or image stack directory to run a trained model on")
	modelPath := flag.String("model", "", "Model archive used with -predict")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	overrides{
		outputDir:  *outputDir,
		epochs:     *epochs,
		steps:      *steps,
		batchSize:  *batchSize,
		patchShape: *patchShape,
		radius:     *radius,
		numCores:   *numCores,
	}.apply(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	logger := log.New(os.Stderr, "", log.LstdFlags)

	if *predictInput != "" {
		if *modelPath == "" {
			log.Fatal("-predict needs a model archive given with -model")
		}
		if err := predict(ctx, cfg, *modelPath, *predictInput, logger); err != nil {
			log.Fatalf("Prediction failed: %v", err)
		}
		return
	}

	if *trainRaw == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("DENOISEG: JOINT DENOISING AND SEGMENTATION TRAINING")
	fmt.Println("================================")

	startTime := time.Now()
	res, err := train(ctx, cfg, inputs{
		trainRaw:    *trainRaw,
		trainLabels: *trainLabels,
		valRaw:      *valRaw,
		valLabels:   *valLabels,
		resume:      *resume,
	}, os.Stdout, logger)
	if err != nil {
		log.Fatalf("Training failed: %v", err)
	}

	fmt.Printf("\nTraining %s after %.2f seconds\n", res.State, time.Since(startTime).Seconds())
	fmt.Printf("Steps finished: %d\n", res.TrainingState.StepsFinished)
	fmt.Printf("Best validation loss: %.4f\n", res.TrainingState.BestValidationLoss)
	fmt.Printf("Models saved to: %s\n", cfg.Output.Directory)
}

// overrides holds command line values replacing configured ones. Zero
// values, and a negative radius, keep the configured value.
type overrides struct {
	outputDir  string
	epochs     int
	steps      int
	batchSize  int
	patchShape int
	radius     int
	numCores   int
}

func (o overrides) apply(cfg *config.Config) {
	if o.outputDir != "" {
		cfg.Output.Directory = o.outputDir
	}
	if o.epochs > 0 {
		cfg.Training.NumEpochs = o.epochs
	}
	if o.steps > 0 {
		cfg.Training.StepsPerEpoch = o.steps
	}
	if o.batchSize > 0 {
		cfg.Training.BatchSize = o.batchSize
	}
	if o.patchShape > 0 {
		cfg.Training.PatchShape = o.patchShape
	}
	if o.radius >= 0 {
		cfg.Training.NeighborhoodRadius = o.radius
	}
	if o.numCores > 0 {
		cfg.Processing.NumCores = o.numCores
	}
}
