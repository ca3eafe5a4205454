package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderShapeInference(t *testing.T) {
	b := NewBuilder()

	in := b.Input("image", Shape{Height: 64, Width: 64, Channels: 3})
	conv := b.Conv2D("conv1", in, 16, 3, ActivationReLU)
	pool := b.MaxPool2D("pool1", conv)
	up := b.ConvTranspose2D("up1", pool, 8, ActivationNone)
	merged := b.Concat("merge1", up, conv)
	out := b.Conv2D("output", merged, 1, 1, ActivationSigmoid)

	g, err := b.Finish(out)
	require.NoError(t, err)

	assert.Equal(t, Shape{Height: 64, Width: 64, Channels: 16}, conv.Shape())
	assert.Equal(t, Shape{Height: 32, Width: 32, Channels: 16}, pool.Shape())
	assert.Equal(t, Shape{Height: 64, Width: 64, Channels: 8}, up.Shape())
	assert.Equal(t, Shape{Height: 64, Width: 64, Channels: 24}, merged.Shape())

	assert.Equal(t, Shape{Height: 64, Width: 64, Channels: 3}, g.InputShape())
	assert.Equal(t, Shape{Height: 64, Width: 64, Channels: 1}, g.OutputShape())
	assert.Equal(t, "image", g.InputName())
	assert.Equal(t, "output", g.OutputName())
	assert.Equal(t, 6, g.NumLayers())
}

func TestBuilderLayerInputsRecorded(t *testing.T) {
	b := NewBuilder()

	in := b.Input("image", Shape{Height: 32, Width: 32, Channels: 3})
	conv1 := b.Conv2D("conv1", in, 8, 3, ActivationReLU)
	conv2 := b.Conv2D("conv2", conv1, 8, 3, ActivationReLU)
	merged := b.Concat("merge", conv1, conv2)

	g, err := b.Finish(merged)
	require.NoError(t, err)

	layer, ok := g.Layer("merge")
	require.True(t, ok)
	assert.Equal(t, []string{"conv1", "conv2"}, layer.Inputs)

	layer, ok = g.Layer("conv1")
	require.True(t, ok)
	assert.Equal(t, []string{"image"}, layer.Inputs)
}

func TestBuilderConcatSpatialMismatch(t *testing.T) {
	b := NewBuilder()

	in := b.Input("image", Shape{Height: 64, Width: 64, Channels: 3})
	conv := b.Conv2D("conv1", in, 8, 3, ActivationReLU)
	pool := b.MaxPool2D("pool1", conv)
	b.Concat("merge", conv, pool)

	_, err := b.Finish(conv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spatial dimensions")
	assert.Contains(t, err.Error(), "pool1")
}

func TestBuilderOddPoolInput(t *testing.T) {
	b := NewBuilder()

	in := b.Input("image", Shape{Height: 31, Width: 32, Channels: 3})
	b.MaxPool2D("pool1", in)

	_, err := b.Finish(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "odd spatial dimensions")
}

func TestBuilderFirstErrorSticks(t *testing.T) {
	b := NewBuilder()

	in := b.Input("image", Shape{Height: 0, Width: 64, Channels: 3})
	require.Error(t, b.Err())
	first := b.Err()

	// Later calls are no-ops and do not replace the error.
	b.Conv2D("conv1", in, 8, 3, ActivationReLU)
	b.Concat("merge", in, in)

	_, err := b.Finish(in)
	require.Error(t, err)
	assert.Equal(t, first, err)
}

func TestBuilderDuplicateLayerName(t *testing.T) {
	b := NewBuilder()

	in := b.Input("image", Shape{Height: 32, Width: 32, Channels: 3})
	b.Conv2D("conv1", in, 8, 3, ActivationReLU)
	b.Conv2D("conv1", in, 8, 3, ActivationReLU)

	_, err := b.Finish(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate layer name")
}

func TestBuilderSingleInput(t *testing.T) {
	b := NewBuilder()

	b.Input("a", Shape{Height: 32, Width: 32, Channels: 3})
	b.Input("b", Shape{Height: 32, Width: 32, Channels: 3})

	require.Error(t, b.Err())
	assert.Contains(t, b.Err().Error(), "already has input")
}

func TestBuilderTensorFromOtherBuilder(t *testing.T) {
	b1 := NewBuilder()
	other := b1.Input("image", Shape{Height: 32, Width: 32, Channels: 3})

	b2 := NewBuilder()
	in := b2.Input("image", Shape{Height: 32, Width: 32, Channels: 3})
	b2.Conv2D("conv1", in, 8, 3, ActivationReLU)

	_, err := b2.Finish(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong to this builder")
}

func TestGraphJSONRoundTrip(t *testing.T) {
	b := NewBuilder()

	in := b.Input("image", Shape{Height: 64, Width: 64, Channels: 3})
	conv := b.Conv2D("conv1", in, 16, 3, ActivationReLU)
	pool := b.MaxPool2D("pool1", conv)
	up := b.ConvTranspose2D("up1", pool, 16, ActivationNone)
	merged := b.Concat("merge1", up, conv)
	out := b.Conv2D("output", merged, 1, 1, ActivationSigmoid)

	g, err := b.Finish(out)
	require.NoError(t, err)

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded Graph
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, g.InputName(), decoded.InputName())
	assert.Equal(t, g.OutputName(), decoded.OutputName())
	assert.Equal(t, g.OutputShape(), decoded.OutputShape())
	require.Equal(t, g.NumLayers(), decoded.NumLayers())
	for i, layer := range g.Layers() {
		assert.Equal(t, layer, decoded.Layers()[i])
	}
}

func TestGraphJSONRejectsUnknownReference(t *testing.T) {
	raw := `{
		"input": "image",
		"output": "conv1",
		"layers": [
			{"name": "image", "op": "input", "output_shape": {"height": 32, "width": 32, "channels": 3}},
			{"name": "conv1", "op": "conv2d", "inputs": ["missing"], "output_shape": {"height": 32, "width": 32, "channels": 8}, "filters": 8, "kernel_size": 3}
		]
	}`

	var g Graph
	err := json.Unmarshal([]byte(raw), &g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestGraphJSONRejectsConcatSpatialMismatch(t *testing.T) {
	// A hand-written payload concatenating feature maps of different spatial
	// sizes must not deserialize, even though every layer is individually
	// well-formed.
	raw := `{
		"input": "image",
		"output": "merge",
		"layers": [
			{"name": "image", "op": "input", "output_shape": {"height": 64, "width": 64, "channels": 3}},
			{"name": "pool1", "op": "max_pool2d", "inputs": ["image"], "output_shape": {"height": 32, "width": 32, "channels": 3}},
			{"name": "merge", "op": "concat", "inputs": ["image", "pool1"], "output_shape": {"height": 64, "width": 64, "channels": 6}}
		]
	}`

	var g Graph
	err := json.Unmarshal([]byte(raw), &g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spatial dimensions")
	assert.Contains(t, err.Error(), "pool1")
}

func TestGraphJSONRejectsForgedShape(t *testing.T) {
	raw := `{
		"input": "image",
		"output": "conv1",
		"layers": [
			{"name": "image", "op": "input", "output_shape": {"height": 32, "width": 32, "channels": 3}},
			{"name": "conv1", "op": "conv2d", "inputs": ["image"], "output_shape": {"height": 16, "width": 16, "channels": 8}, "filters": 8, "kernel_size": 3}
		]
	}`

	var g Graph
	err := json.Unmarshal([]byte(raw), &g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conv2d produces")
}

func TestGraphJSONRejectsOddPoolInput(t *testing.T) {
	raw := `{
		"input": "image",
		"output": "pool1",
		"layers": [
			{"name": "image", "op": "input", "output_shape": {"height": 31, "width": 32, "channels": 3}},
			{"name": "pool1", "op": "max_pool2d", "inputs": ["image"], "output_shape": {"height": 15, "width": 16, "channels": 3}}
		]
	}`

	var g Graph
	err := json.Unmarshal([]byte(raw), &g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "odd spatial dimensions")
}

func TestGraphJSONRejectsUnknownOp(t *testing.T) {
	raw := `{
		"input": "image",
		"output": "mystery",
		"layers": [
			{"name": "image", "op": "input", "output_shape": {"height": 32, "width": 32, "channels": 3}},
			{"name": "mystery", "op": "dropout", "inputs": ["image"], "output_shape": {"height": 32, "width": 32, "channels": 3}}
		]
	}`

	var g Graph
	err := json.Unmarshal([]byte(raw), &g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op")
}
