package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoseg-backend/internal/core"
)

const sampleConfig = `
model_name: ternausnet_v1
batch_size: 4
training_data_dir: /data/tiles/train
validation_data_dir: /data/tiles/val
output_dir: /data/runs/ternausnet
training:
  epochs: 30
  lr: 0.001
  loss:
    bce: {}
    jaccard: {}
  loss_weights:
    bce: 1.0
    jaccard: 0.25
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ternausnet_v1", cfg.ModelName)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 30, cfg.Training.Epochs)
	assert.Equal(t, 0.001, cfg.Training.LearningRate)
	assert.Equal(t, core.PluginRuntime, cfg.Runtime)
	assert.Equal(t, map[string]float64{"bce": 1.0, "jaccard": 0.25}, cfg.Training.LossWeights)

	loss, err := cfg.BuildLoss()
	require.NoError(t, err)
	assert.Equal(t, "composite(bce+jaccard)", loss.Name())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("model_name: unet_base32"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultEpochs, cfg.Training.Epochs)
	assert.Equal(t, DefaultLearningRate, cfg.Training.LearningRate)
	assert.Equal(t, core.PluginRuntime, cfg.Runtime)
	assert.NotEmpty(t, cfg.CacheDir)

	loss, err := cfg.BuildLoss()
	require.NoError(t, err)
	assert.Equal(t, "bce", loss.Name())
}

func TestParseConfigInvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("model_name: [unclosed"))
	require.Error(t, err)
}

func TestParseConfigUnknownLoss(t *testing.T) {
	_, err := ParseConfig([]byte(`
model_name: unet_base32
training:
  loss:
    tversky: {}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown loss")
}

func TestParseConfigWeightSourcesExclusive(t *testing.T) {
	_, err := ParseConfig([]byte(`
model_name: unet_base32
model_path: /tmp/w.onnx
weight_url: https://example.com/w.onnx
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	_, err := ParseConfig([]byte("batch_size: -1"))
	require.Error(t, err)

	_, err = ParseConfig([]byte("training: {epochs: -5}"))
	require.Error(t, err)

	_, err = ParseConfig([]byte("training: {lr: -0.1}"))
	require.Error(t, err)
}
