package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"geoseg-backend/internal/core"
	"geoseg-backend/internal/core/graph"
	"geoseg-backend/internal/core/zoo"
	"geoseg-backend/internal/trainer"
)

// customModelSpec is the JSON shape of a user-supplied model file: a name,
// an optional weight source, and a full architecture graph.
type customModelSpec struct {
	Name       string          `json:"name"`
	WeightPath string          `json:"weight_path,omitempty"`
	WeightURL  string          `json:"weight_url,omitempty"`
	Arch       json.RawMessage `json:"arch"`
}

func loadCustomModel(path string) (*zoo.Descriptor, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file %s: %w", path, err)
	}

	var spec customModelSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing model file %s: %w", path, err)
	}

	var g graph.Graph
	if err := json.Unmarshal(spec.Arch, &g); err != nil {
		return nil, fmt.Errorf("parsing architecture in %s: %w", path, err)
	}

	return &zoo.Descriptor{
		Name:       spec.Name,
		WeightPath: spec.WeightPath,
		WeightURL:  spec.WeightURL,
		Arch:       func() (*graph.Graph, error) { return &g, nil },
	}, nil
}

func main() {
	var (
		configPath    = flag.String("config", "", "path to the YAML training config (required)")
		modelPath     = flag.String("model", "", "path to a custom model JSON file (optional, overrides model_name)")
		pluginCommand = flag.String("plugin-command", "python3", "training runtime executable")
		pluginScript  = flag.String("plugin-script", "plugin/plugin-python/plugin.py", "training runtime entry point")
	)
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		log.Fatal("-config is required")
	}

	cfg, err := trainer.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	custom, err := loadCustomModel(*modelPath)
	if err != nil {
		log.Fatalf("error loading custom model: %v", err)
	}

	loaders := core.NewRuntimeLoaders(*pluginCommand, *pluginScript)
	loader, ok := loaders[cfg.Runtime]
	if !ok {
		log.Fatalf("no loader for runtime %q", cfg.Runtime)
	}

	runtime, err := loader(cfg.OutputDir)
	if err != nil {
		log.Fatalf("error loading %s runtime: %v", cfg.Runtime, err)
	}
	defer runtime.Release()

	ctx := context.Background()

	t, err := trainer.NewTrainer(ctx, cfg, custom, runtime, nil)
	if err != nil {
		log.Fatalf("error creating trainer: %v", err)
	}

	result, err := t.Train(ctx)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}

	for _, epoch := range result.Epochs {
		fmt.Printf("epoch %d: train_loss=%.6f val_loss=%.6f\n", epoch.Epoch, epoch.TrainLoss, epoch.ValLoss)
	}
	fmt.Printf("artifacts written to %s\n", result.ArtifactDir)
}
