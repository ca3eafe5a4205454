package core

import (
	"context"
	"path/filepath"

	"geoseg-backend/internal/core/graph"
	"geoseg-backend/internal/core/losses"
)

// RuntimeType selects the external runtime that executes the numerical
// work for a model.
type RuntimeType string

const (
	// PluginRuntime is an external training framework launched as a
	// subprocess plugin. This is the only runtime that can train.
	PluginRuntime RuntimeType = "plugin"

	// OnnxInference runs trained models exported to ONNX. Inference only.
	OnnxInference RuntimeType = "onnx"
)

// OnnxModelFile is the file name runtimes use for an exported ONNX model
// inside a model's artifact directory.
const OnnxModelFile = "model.onnx"

// TrainSpec is everything a runtime needs to train a model. The backend
// never does the numerical work itself: it describes the architecture,
// weight source, loss and hyperparameters, and hands them over.
type TrainSpec struct {
	ModelName string
	Graph     *graph.Graph

	// WeightsPath is a resolved local weight file, or empty for cold start.
	WeightsPath string

	TrainDataDir string
	ValDataDir   string
	OutputDir    string

	Epochs       int
	BatchSize    int
	LearningRate float64

	Losses      map[string]losses.Params
	LossWeights map[string]float64
}

type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
}

type TrainResult struct {
	Epochs []EpochStats

	// ArtifactDir holds whatever the runtime saved (weights, exported
	// model); the processor uploads it to the model bucket.
	ArtifactDir string
}

// Runtime is the delegation boundary to an external deep-learning
// framework. Failure semantics are owned by the runtime; callers pass
// errors through without interpretation or retries.
type Runtime interface {
	Train(ctx context.Context, spec TrainSpec) (TrainResult, error)

	Predict(ctx context.Context, image []float32, shape graph.Shape) ([]float32, error)

	Release()
}

// RuntimeLoader loads a runtime given the local directory of a model's
// artifacts.
type RuntimeLoader func(modelDir string) (Runtime, error)

// NewRuntimeLoaders builds the runtime registry. pluginCommand is the
// external training runtime's executable (plus arguments) used for the
// plugin runtime.
func NewRuntimeLoaders(pluginCommand string, pluginArgs ...string) map[RuntimeType]RuntimeLoader {
	return map[RuntimeType]RuntimeLoader{
		PluginRuntime: func(string) (Runtime, error) {
			return LoadPluginRuntime(pluginCommand, pluginArgs...)
		},
		OnnxInference: func(modelDir string) (Runtime, error) {
			return LoadOnnxRuntime(filepath.Join(modelDir, OnnxModelFile))
		},
	}
}
