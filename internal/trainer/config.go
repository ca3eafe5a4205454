package trainer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"geoseg-backend/internal/core"
	"geoseg-backend/internal/core/losses"
)

// TrainingSection holds the optimization settings handed to the runtime.
type TrainingSection struct {
	Epochs       int                          `yaml:"epochs"`
	LearningRate float64                      `yaml:"lr"`
	Loss         map[string]map[string]float64 `yaml:"loss"`
	LossWeights  map[string]float64           `yaml:"loss_weights"`
}

// Config is a training run described in YAML, in the shape users write:
//
//	model_name: ternausnet_v1
//	model_path: /data/weights/ternausnet.onnx   # optional local weights
//	weight_url: https://.../weights.onnx        # optional remote weights
//	runtime: plugin
//	batch_size: 8
//	training_data_dir: /data/tiles/train
//	validation_data_dir: /data/tiles/val
//	output_dir: /data/runs/ternausnet
//	training:
//	  epochs: 30
//	  lr: 0.0001
//	  loss:
//	    bce: {}
//	    jaccard: {}
//	  loss_weights: {bce: 1.0, jaccard: 0.25}
type Config struct {
	ModelName string `yaml:"model_name"`

	// ModelPath / WeightURL override the descriptor's weight source. At
	// most one may be set.
	ModelPath string `yaml:"model_path"`
	WeightURL string `yaml:"weight_url"`

	Runtime core.RuntimeType `yaml:"runtime"`

	BatchSize         int    `yaml:"batch_size"`
	TrainingDataDir   string `yaml:"training_data_dir"`
	ValidationDataDir string `yaml:"validation_data_dir"`
	OutputDir         string `yaml:"output_dir"`
	CacheDir          string `yaml:"cache_dir"`

	Training TrainingSection `yaml:"training"`
}

const (
	DefaultBatchSize    = 8
	DefaultEpochs       = 10
	DefaultLearningRate = 1e-4
)

// LoadConfig reads and validates a YAML training config.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// ParseConfig parses and validates YAML config bytes. Train jobs store the
// raw YAML alongside the job record, so workers parse from bytes rather than
// a file.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Runtime == "" {
		c.Runtime = core.PluginRuntime
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir()
	}
	if c.Training.Epochs == 0 {
		c.Training.Epochs = DefaultEpochs
	}
	if c.Training.LearningRate == 0 {
		c.Training.LearningRate = DefaultLearningRate
	}
	if len(c.Training.Loss) == 0 {
		c.Training.Loss = map[string]map[string]float64{"bce": {}}
	}
}

func (c *Config) Validate() error {
	if c.ModelPath != "" && c.WeightURL != "" {
		return fmt.Errorf("model_path and weight_url are mutually exclusive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Training.Epochs < 1 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("training.lr must be positive, got %v", c.Training.LearningRate)
	}

	// Surface unknown loss names at config time, not mid-job.
	if _, err := c.BuildLoss(); err != nil {
		return err
	}

	return nil
}

// BuildLoss composes the loss described by the training section.
func (c *Config) BuildLoss() (losses.Loss, error) {
	spec := make(map[string]losses.Params, len(c.Training.Loss))
	for name, params := range c.Training.Loss {
		spec[name] = params
	}
	return losses.Get(spec, c.Training.LossWeights)
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/geoseg/weights"
	}
	return ".geoseg/weights"
}
