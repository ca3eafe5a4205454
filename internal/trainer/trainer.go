// Package trainer turns a training config and a model descriptor into a
// training run, delegating the numerical work to an external runtime.
package trainer

import (
	"context"
	"fmt"
	"log/slog"

	"geoseg-backend/internal/core"
	"geoseg-backend/internal/core/graph"
	"geoseg-backend/internal/core/losses"
	"geoseg-backend/internal/core/zoo"
	"geoseg-backend/internal/weights"
)

// Trainer binds a resolved descriptor, its built architecture, the
// configured loss and a runtime. Construction fails fast on anything wrong
// with the config or descriptor; Train itself only delegates.
type Trainer struct {
	cfg        Config
	descriptor *zoo.Descriptor
	graph      *graph.Graph
	weights    string
	loss       losses.Loss
	runtime    core.Runtime
}

// NewTrainer resolves the model (zoo name or custom descriptor), builds the
// architecture graph, resolves the weight source and composes the loss.
// resolver may be nil, in which case a local resolver caching under the
// config's cache dir is used.
func NewTrainer(ctx context.Context, cfg Config, customModel *zoo.Descriptor, runtime core.Runtime, resolver *weights.Resolver) (*Trainer, error) {
	if runtime == nil {
		return nil, fmt.Errorf("trainer needs a runtime")
	}

	descriptor, err := zoo.Resolve(cfg.ModelName, customModel)
	if err != nil {
		return nil, err
	}

	// Config-level weight settings override the descriptor's.
	if cfg.ModelPath != "" || cfg.WeightURL != "" {
		override := *descriptor
		override.WeightPath = cfg.ModelPath
		override.WeightURL = cfg.WeightURL
		descriptor = &override
		if err := descriptor.Validate(); err != nil {
			return nil, err
		}
	}

	g, err := descriptor.Arch()
	if err != nil {
		return nil, fmt.Errorf("building architecture for model %q: %w", descriptor.Name, err)
	}

	loss, err := cfg.BuildLoss()
	if err != nil {
		return nil, err
	}

	if resolver == nil {
		resolver = weights.NewResolver(cfg.CacheDir, nil)
	}
	weightsPath, err := resolver.Resolve(ctx, descriptor)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		cfg:        cfg,
		descriptor: descriptor,
		graph:      g,
		weights:    weightsPath,
		loss:       loss,
		runtime:    runtime,
	}, nil
}

func (t *Trainer) Descriptor() *zoo.Descriptor { return t.descriptor }

func (t *Trainer) Graph() *graph.Graph { return t.graph }

func (t *Trainer) Loss() losses.Loss { return t.loss }

// WeightsPath is the resolved local weight file, or empty for cold start.
func (t *Trainer) WeightsPath() string { return t.weights }

// Train runs the training job on the configured runtime. Runtime failures
// propagate unmodified; no retries, no interpretation.
func (t *Trainer) Train(ctx context.Context) (core.TrainResult, error) {
	spec := core.TrainSpec{
		ModelName:    t.descriptor.Name,
		Graph:        t.graph,
		WeightsPath:  t.weights,
		TrainDataDir: t.cfg.TrainingDataDir,
		ValDataDir:   t.cfg.ValidationDataDir,
		OutputDir:    t.cfg.OutputDir,
		Epochs:       t.cfg.Training.Epochs,
		BatchSize:    t.cfg.BatchSize,
		LearningRate: t.cfg.Training.LearningRate,
		LossWeights:  t.cfg.Training.LossWeights,
	}
	spec.Losses = make(map[string]losses.Params, len(t.cfg.Training.Loss))
	for name, params := range t.cfg.Training.Loss {
		spec.Losses[name] = params
	}

	slog.Info("starting training run",
		"model", t.descriptor.Name,
		"input_shape", t.graph.InputShape().String(),
		"layers", t.graph.NumLayers(),
		"epochs", spec.Epochs,
		"loss", t.loss.Name(),
		"pretrained", t.weights != "")

	return t.runtime.Train(ctx, spec)
}

// Evaluate scores a predicted probability map against a target mask with
// the run's configured loss.
func (t *Trainer) Evaluate(pred, target []float32) (float64, error) {
	return t.loss.Compute(pred, target)
}
