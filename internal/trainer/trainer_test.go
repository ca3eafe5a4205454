package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoseg-backend/internal/core"
	"geoseg-backend/internal/core/arch"
	"geoseg-backend/internal/core/graph"
	"geoseg-backend/internal/core/zoo"
)

// fakeRuntime records the spec it was handed and returns canned metrics.
type fakeRuntime struct {
	spec   core.TrainSpec
	called int
}

func (f *fakeRuntime) Train(ctx context.Context, spec core.TrainSpec) (core.TrainResult, error) {
	f.spec = spec
	f.called++
	return core.TrainResult{
		Epochs: []core.EpochStats{
			{Epoch: 1, TrainLoss: 0.5, ValLoss: 0.6},
			{Epoch: 2, TrainLoss: 0.3, ValLoss: 0.4},
		},
		ArtifactDir: spec.OutputDir,
	}, nil
}

func (f *fakeRuntime) Predict(ctx context.Context, image []float32, shape graph.Shape) ([]float32, error) {
	return nil, nil
}

func (f *fakeRuntime) Release() {}

func baseConfig() Config {
	cfg := Config{
		ModelName:         "unet_base32",
		TrainingDataDir:   "/data/train",
		ValidationDataDir: "/data/val",
		OutputDir:         "/data/out",
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestTrainerNeedsRuntime(t *testing.T) {
	_, err := NewTrainer(context.Background(), baseConfig(), nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a runtime")
}

func TestTrainerDelegatesToRuntime(t *testing.T) {
	runtime := &fakeRuntime{}

	tr, err := NewTrainer(context.Background(), baseConfig(), nil, runtime, nil)
	require.NoError(t, err)

	result, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runtime.called)
	require.Len(t, result.Epochs, 2)
	assert.Equal(t, 0.3, result.Epochs[1].TrainLoss)

	spec := runtime.spec
	assert.Equal(t, "unet_base32", spec.ModelName)
	assert.Equal(t, "/data/train", spec.TrainDataDir)
	assert.Equal(t, "/data/val", spec.ValDataDir)
	assert.Equal(t, "/data/out", spec.OutputDir)
	assert.Equal(t, DefaultEpochs, spec.Epochs)
	assert.Equal(t, DefaultBatchSize, spec.BatchSize)
	assert.Equal(t, DefaultLearningRate, spec.LearningRate)
	assert.Empty(t, spec.WeightsPath, "zoo model without weights should cold start")

	// The graph handed over is the zoo architecture, not a copy with
	// different semantics.
	require.NotNil(t, spec.Graph)
	assert.Equal(t, tr.Graph().NumLayers(), spec.Graph.NumLayers())
	conv1, ok := spec.Graph.Layer("conv1")
	require.True(t, ok)
	assert.Equal(t, 32, conv1.OutputShape.Channels)
}

func TestTrainerUsesCustomModel(t *testing.T) {
	var g *graph.Graph
	custom := &zoo.Descriptor{
		Name: "my_unet",
		Arch: func() (*graph.Graph, error) {
			var err error
			g, err = arch.BuildUNet(arch.UNetConfig{BaseDepth: 8, InputShape: graph.Shape{Height: 64, Width: 64, Channels: 3}})
			return g, err
		},
	}

	cfg := baseConfig()
	cfg.ModelName = ""

	runtime := &fakeRuntime{}
	tr, err := NewTrainer(context.Background(), cfg, custom, runtime, nil)
	require.NoError(t, err)

	_, err = tr.Train(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "my_unet", runtime.spec.ModelName)
	assert.Same(t, g, runtime.spec.Graph, "the custom architecture must be used exactly")
}

func TestTrainerLocalWeights(t *testing.T) {
	weightFile := filepath.Join(t.TempDir(), "weights.onnx")
	require.NoError(t, os.WriteFile(weightFile, []byte("weights"), 0644))

	cfg := baseConfig()
	cfg.ModelPath = weightFile

	runtime := &fakeRuntime{}
	tr, err := NewTrainer(context.Background(), cfg, nil, runtime, nil)
	require.NoError(t, err)
	assert.Equal(t, weightFile, tr.WeightsPath())

	_, err = tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, weightFile, runtime.spec.WeightsPath)
}

func TestTrainerMissingLocalWeights(t *testing.T) {
	cfg := baseConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")

	_, err := NewTrainer(context.Background(), cfg, nil, &fakeRuntime{}, nil)
	require.Error(t, err)
}

func TestTrainerUnknownModel(t *testing.T) {
	cfg := baseConfig()
	cfg.ModelName = "not_a_model"

	_, err := NewTrainer(context.Background(), cfg, nil, &fakeRuntime{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestTrainerEvaluate(t *testing.T) {
	tr, err := NewTrainer(context.Background(), baseConfig(), nil, &fakeRuntime{}, nil)
	require.NoError(t, err)

	v, err := tr.Evaluate([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, v, 1e-5)
}

func TestTrainerLossComposition(t *testing.T) {
	cfg := baseConfig()
	cfg.Training.Loss = map[string]map[string]float64{"bce": {}, "dice": {}}
	cfg.Training.LossWeights = map[string]float64{"bce": 1, "dice": 0.5}

	runtime := &fakeRuntime{}
	tr, err := NewTrainer(context.Background(), cfg, nil, runtime, nil)
	require.NoError(t, err)
	assert.Equal(t, "composite(bce+dice)", tr.Loss().Name())

	_, err = tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"bce": 1, "dice": 0.5}, runtime.spec.LossWeights)
	assert.Contains(t, runtime.spec.Losses, "bce")
	assert.Contains(t, runtime.spec.Losses, "dice")
}
