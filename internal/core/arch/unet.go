// Package arch defines the built-in segmentation architectures.
package arch

import (
	"fmt"

	"geoseg-backend/internal/core/graph"
)

const (
	DefaultBaseDepth = 64

	// Five 2x downsampling stages, so input dimensions must be divisible
	// by 2^5 for the decoder to return to the input resolution.
	downsampleFactor = 32
)

var DefaultInputShape = graph.Shape{Height: 512, Width: 512, Channels: 3}

// UNetConfig configures the U-Net builder. The zero value uses a
// 512x512x3 input and a base depth of 64.
type UNetConfig struct {
	InputShape graph.Shape `json:"input_shape"`
	BaseDepth  int         `json:"base_depth"`
}

func (c UNetConfig) withDefaults() UNetConfig {
	if c.InputShape == (graph.Shape{}) {
		c.InputShape = DefaultInputShape
	}
	if c.BaseDepth == 0 {
		c.BaseDepth = DefaultBaseDepth
	}
	return c
}

// Validate rejects configurations the architecture cannot represent rather
// than letting them surface as confusing shape errors mid-build.
func (c UNetConfig) Validate() error {
	if err := c.InputShape.Validate(); err != nil {
		return err
	}
	if c.InputShape.Height%downsampleFactor != 0 || c.InputShape.Width%downsampleFactor != 0 {
		return fmt.Errorf("input shape %s: height and width must be divisible by %d (five 2x downsampling stages)",
			c.InputShape, downsampleFactor)
	}
	if c.BaseDepth < 2 {
		return fmt.Errorf("base depth must be at least 2, got %d", c.BaseDepth)
	}
	if c.BaseDepth%2 != 0 {
		return fmt.Errorf("base depth must be even (final decoder stage uses base_depth/2 filters), got %d", c.BaseDepth)
	}
	return nil
}

// BuildUNet constructs a TernausNet-style encoder-decoder segmentation
// network: five convolutional encoder stages with 2x2 max-pooling, a
// bottleneck, and five transposed-convolution decoder stages, each joined
// with the matching encoder stage's pre-pool activation by a channel-wise
// skip connection. The head is a 1x1 sigmoid convolution producing a
// single-channel probability map at the input resolution.
func BuildUNet(cfg UNetConfig) (*graph.Graph, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("unet config: %w", err)
	}

	d := cfg.BaseDepth
	b := graph.NewBuilder()

	in := b.Input("input", cfg.InputShape)

	conv1 := b.Conv2D("conv1", in, d, 3, graph.ActivationReLU)
	pool1 := b.MaxPool2D("pool1", conv1)

	conv2 := b.Conv2D("conv2_1", pool1, d*2, 3, graph.ActivationReLU)
	pool2 := b.MaxPool2D("pool2", conv2)

	conv3 := b.Conv2D("conv3_1", pool2, d*4, 3, graph.ActivationReLU)
	conv3 = b.Conv2D("conv3_2", conv3, d*4, 3, graph.ActivationReLU)
	pool3 := b.MaxPool2D("pool3", conv3)

	conv4 := b.Conv2D("conv4_1", pool3, d*8, 3, graph.ActivationReLU)
	conv4 = b.Conv2D("conv4_2", conv4, d*8, 3, graph.ActivationReLU)
	pool4 := b.MaxPool2D("pool4", conv4)

	conv5 := b.Conv2D("conv5_1", pool4, d*8, 3, graph.ActivationReLU)
	conv5 = b.Conv2D("conv5_2", conv5, d*8, 3, graph.ActivationReLU)
	pool5 := b.MaxPool2D("pool5", conv5)

	dec := b.Conv2D("conv6_1", pool5, d*8, 3, graph.ActivationReLU)

	// Encoder activations retained for the skip connections, deepest first.
	skips := []graph.Tensor{conv5, conv4, conv3, conv2, conv1}
	upFilters := []int{d * 4, d * 4, d * 2, d, d / 2}
	fuseFilters := []int{d * 8, d * 8, d * 4, d * 2, d / 2}

	for i, skip := range skips {
		stage := 7 + i
		up := b.ConvTranspose2D(fmt.Sprintf("up%d", stage), dec, upFilters[i], graph.ActivationReLU)
		cat := b.Concat(fmt.Sprintf("concat%d", stage), up, skip)
		dec = b.Conv2D(fmt.Sprintf("conv%d", stage), cat, fuseFilters[i], 3, graph.ActivationReLU)
	}

	out := b.Conv2D("output", dec, 1, 1, graph.ActivationSigmoid)

	g, err := b.Finish(out)
	if err != nil {
		return nil, fmt.Errorf("building unet graph: %w", err)
	}
	return g, nil
}
