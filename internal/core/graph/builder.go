package graph

import (
	"fmt"

	dag "github.com/dominikbraun/graph"
)

// Tensor is a handle to a layer's output, consumed by downstream layers.
// Handles stay valid for the lifetime of the Builder, so an encoder stage's
// output can be held and fed to a skip connection much later.
type Tensor struct {
	layer *Layer
}

func (t Tensor) Name() string { return t.layer.Name }

func (t Tensor) Shape() Shape { return t.layer.OutputShape }

func (t Tensor) valid() bool { return t.layer != nil }

// Builder constructs a Graph one layer at a time, inferring the output
// shape of every layer as it is added. The first construction error sticks:
// subsequent calls are no-ops and Finish reports it. This keeps deep
// architecture definitions readable without an error check per layer.
type Builder struct {
	dag    dag.Graph[string, *Layer]
	layers []*Layer
	byName map[string]*Layer
	input  *Layer
	err    error
}

func NewBuilder() *Builder {
	return &Builder{
		dag:    dag.New(func(l *Layer) string { return l.Name }, dag.Directed(), dag.Acyclic(), dag.PreventCycles()),
		byName: make(map[string]*Layer),
	}
}

// Err returns the first error encountered while building, if any.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(format string, args ...any) Tensor {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return Tensor{}
}

func (b *Builder) add(layer *Layer, inputs ...Tensor) Tensor {
	if b.err != nil {
		return Tensor{}
	}
	if layer.Name == "" {
		return b.fail("layer name must not be empty")
	}
	if _, exists := b.byName[layer.Name]; exists {
		return b.fail("duplicate layer name %q", layer.Name)
	}
	for _, in := range inputs {
		if !in.valid() {
			return b.fail("layer %q consumes an invalid tensor", layer.Name)
		}
		layer.Inputs = append(layer.Inputs, in.layer.Name)
	}

	if err := b.dag.AddVertex(layer); err != nil {
		return b.fail("adding layer %q: %w", layer.Name, err)
	}
	for _, in := range inputs {
		if err := b.dag.AddEdge(in.layer.Name, layer.Name); err != nil {
			return b.fail("connecting %q -> %q: %w", in.layer.Name, layer.Name, err)
		}
	}

	b.layers = append(b.layers, layer)
	b.byName[layer.Name] = layer
	return Tensor{layer: layer}
}

// Input declares the graph's input tensor. A builder has exactly one.
func (b *Builder) Input(name string, shape Shape) Tensor {
	if b.err != nil {
		return Tensor{}
	}
	if b.input != nil {
		return b.fail("graph already has input %q", b.input.Name)
	}
	if err := shape.Validate(); err != nil {
		return b.fail("input %q: %w", name, err)
	}

	t := b.add(&Layer{Name: name, Op: OpInput, OutputShape: shape})
	if b.err == nil {
		b.input = t.layer
	}
	return t
}

// Conv2D adds a stride-1, same-padding convolution. Spatial dimensions are
// preserved; the channel count becomes filters.
func (b *Builder) Conv2D(name string, in Tensor, filters, kernelSize int, activation Activation) Tensor {
	if b.err != nil {
		return Tensor{}
	}
	if !in.valid() {
		return b.fail("conv2d %q consumes an invalid tensor", name)
	}
	if filters <= 0 {
		return b.fail("conv2d %q: filters must be positive, got %d", name, filters)
	}
	if kernelSize <= 0 {
		return b.fail("conv2d %q: kernel size must be positive, got %d", name, kernelSize)
	}

	shape := in.Shape()
	return b.add(&Layer{
		Name:        name,
		Op:          OpConv2D,
		OutputShape: Shape{Height: shape.Height, Width: shape.Width, Channels: filters},
		Filters:     filters,
		KernelSize:  kernelSize,
		Activation:  activation,
	}, in)
}

// MaxPool2D adds a 2x2 max-pooling layer halving both spatial dimensions.
// The input's spatial dimensions must be even.
func (b *Builder) MaxPool2D(name string, in Tensor) Tensor {
	if b.err != nil {
		return Tensor{}
	}
	if !in.valid() {
		return b.fail("max_pool2d %q consumes an invalid tensor", name)
	}

	shape := in.Shape()
	if shape.Height%2 != 0 || shape.Width%2 != 0 {
		return b.fail("max_pool2d %q: input %s has odd spatial dimensions, cannot halve", name, shape)
	}

	return b.add(&Layer{
		Name:        name,
		Op:          OpMaxPool2D,
		OutputShape: Shape{Height: shape.Height / 2, Width: shape.Width / 2, Channels: shape.Channels},
	}, in)
}

// ConvTranspose2D adds a 2x2, stride-2 transposed convolution doubling both
// spatial dimensions.
func (b *Builder) ConvTranspose2D(name string, in Tensor, filters int, activation Activation) Tensor {
	if b.err != nil {
		return Tensor{}
	}
	if !in.valid() {
		return b.fail("conv_transpose2d %q consumes an invalid tensor", name)
	}
	if filters <= 0 {
		return b.fail("conv_transpose2d %q: filters must be positive, got %d", name, filters)
	}

	shape := in.Shape()
	return b.add(&Layer{
		Name:        name,
		Op:          OpConvTranspose2D,
		OutputShape: Shape{Height: shape.Height * 2, Width: shape.Width * 2, Channels: filters},
		Filters:     filters,
		KernelSize:  2,
		Activation:  activation,
	}, in)
}

// Concat joins two or more tensors along the channel axis. All inputs must
// share the same spatial dimensions.
func (b *Builder) Concat(name string, ins ...Tensor) Tensor {
	if b.err != nil {
		return Tensor{}
	}
	if len(ins) < 2 {
		return b.fail("concat %q needs at least two inputs, got %d", name, len(ins))
	}
	for _, in := range ins {
		if !in.valid() {
			return b.fail("concat %q consumes an invalid tensor", name)
		}
	}

	first := ins[0].Shape()
	channels := first.Channels
	for _, in := range ins[1:] {
		s := in.Shape()
		if s.Height != first.Height || s.Width != first.Width {
			return b.fail("concat %q: spatial dimensions of %q %s do not match %q %s",
				name, in.Name(), s, ins[0].Name(), first)
		}
		channels += s.Channels
	}

	return b.add(&Layer{
		Name:        name,
		Op:          OpConcat,
		OutputShape: Shape{Height: first.Height, Width: first.Width, Channels: channels},
	}, ins...)
}

// Finish seals the graph with the given tensor as its output.
func (b *Builder) Finish(output Tensor) (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.input == nil {
		return nil, fmt.Errorf("graph has no input layer")
	}
	if !output.valid() {
		return nil, fmt.Errorf("graph output is an invalid tensor")
	}
	if _, ok := b.byName[output.layer.Name]; !ok {
		return nil, fmt.Errorf("output layer %q does not belong to this builder", output.layer.Name)
	}

	// b.layers is already topologically sorted: every layer's inputs must
	// exist before the layer is added.
	return &Graph{
		input:  b.input,
		output: output.layer,
		layers: b.layers,
		byName: b.byName,
	}, nil
}
