package graph

import (
	"encoding/json"
	"fmt"
)

// Shape is the spatial extent and channel count of a feature map.
type Shape struct {
	Height   int `json:"height"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

func (s Shape) Validate() error {
	if s.Height <= 0 || s.Width <= 0 || s.Channels <= 0 {
		return fmt.Errorf("invalid shape %s: all dimensions must be positive", s)
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.Height, s.Width, s.Channels)
}

type OpType string

const (
	OpInput           OpType = "input"
	OpConv2D          OpType = "conv2d"
	OpMaxPool2D       OpType = "max_pool2d"
	OpConvTranspose2D OpType = "conv_transpose2d"
	OpConcat          OpType = "concat"
)

type Activation string

const (
	ActivationNone    Activation = ""
	ActivationReLU    Activation = "relu"
	ActivationSigmoid Activation = "sigmoid"
)

// Layer is one node of the computation graph. Only shape-level information
// is kept here; weights live in the runtime that executes the graph.
type Layer struct {
	Name        string     `json:"name"`
	Op          OpType     `json:"op"`
	Inputs      []string   `json:"inputs,omitempty"`
	OutputShape Shape      `json:"output_shape"`
	Filters     int        `json:"filters,omitempty"`
	KernelSize  int        `json:"kernel_size,omitempty"`
	Activation  Activation `json:"activation,omitempty"`
}

// Graph is a finished architecture: a DAG of layers with a single input
// and a single output tensor.
type Graph struct {
	input  *Layer
	output *Layer
	layers []*Layer
	byName map[string]*Layer
}

// Layers returns all layers in topological order. The order is stable:
// building the same architecture twice yields identical sequences.
func (g *Graph) Layers() []Layer {
	out := make([]Layer, len(g.layers))
	for i, l := range g.layers {
		out[i] = *l
	}
	return out
}

func (g *Graph) Layer(name string) (Layer, bool) {
	l, ok := g.byName[name]
	if !ok {
		return Layer{}, false
	}
	return *l, true
}

func (g *Graph) NumLayers() int { return len(g.layers) }

func (g *Graph) InputShape() Shape { return g.input.OutputShape }

func (g *Graph) OutputShape() Shape { return g.output.OutputShape }

func (g *Graph) InputName() string { return g.input.Name }

func (g *Graph) OutputName() string { return g.output.Name }

type graphJSON struct {
	Input  string  `json:"input"`
	Output string  `json:"output"`
	Layers []Layer `json:"layers"`
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{
		Input:  g.input.Name,
		Output: g.output.Name,
		Layers: g.Layers(),
	})
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	g.layers = make([]*Layer, 0, len(raw.Layers))
	g.byName = make(map[string]*Layer, len(raw.Layers))
	for i := range raw.Layers {
		layer := raw.Layers[i]
		if _, ok := g.byName[layer.Name]; ok {
			return fmt.Errorf("duplicate layer %q in serialized graph", layer.Name)
		}
		for _, in := range layer.Inputs {
			if _, ok := g.byName[in]; !ok {
				return fmt.Errorf("layer %q references unknown input %q", layer.Name, in)
			}
		}
		derived, err := deriveShape(&layer, g.byName)
		if err != nil {
			return err
		}
		if derived != layer.OutputShape {
			return fmt.Errorf("layer %q declares output shape %s but %s produces %s",
				layer.Name, layer.OutputShape, layer.Op, derived)
		}
		g.layers = append(g.layers, &layer)
		g.byName[layer.Name] = &layer
	}

	input, ok := g.byName[raw.Input]
	if !ok {
		return fmt.Errorf("serialized graph has unknown input layer %q", raw.Input)
	}
	if input.Op != OpInput {
		return fmt.Errorf("serialized graph input layer %q has op %q", raw.Input, input.Op)
	}
	output, ok := g.byName[raw.Output]
	if !ok {
		return fmt.Errorf("serialized graph has unknown output layer %q", raw.Output)
	}
	g.input, g.output = input, output

	return nil
}

// deriveShape recomputes a deserialized layer's output shape from its op and
// inputs. Serialized shapes are not trusted: the same rules the Builder
// applies are re-checked here so a hand-edited payload cannot smuggle in an
// inconsistent graph.
func deriveShape(layer *Layer, byName map[string]*Layer) (Shape, error) {
	switch layer.Op {
	case OpInput:
		if len(layer.Inputs) != 0 {
			return Shape{}, fmt.Errorf("input layer %q must not have inputs", layer.Name)
		}
		if err := layer.OutputShape.Validate(); err != nil {
			return Shape{}, fmt.Errorf("input %q: %w", layer.Name, err)
		}
		return layer.OutputShape, nil

	case OpConv2D:
		in, err := soleInputShape(layer, byName)
		if err != nil {
			return Shape{}, err
		}
		if layer.Filters <= 0 {
			return Shape{}, fmt.Errorf("conv2d %q: filters must be positive, got %d", layer.Name, layer.Filters)
		}
		if layer.KernelSize <= 0 {
			return Shape{}, fmt.Errorf("conv2d %q: kernel size must be positive, got %d", layer.Name, layer.KernelSize)
		}
		return Shape{Height: in.Height, Width: in.Width, Channels: layer.Filters}, nil

	case OpMaxPool2D:
		in, err := soleInputShape(layer, byName)
		if err != nil {
			return Shape{}, err
		}
		if in.Height%2 != 0 || in.Width%2 != 0 {
			return Shape{}, fmt.Errorf("max_pool2d %q: input %s has odd spatial dimensions, cannot halve", layer.Name, in)
		}
		return Shape{Height: in.Height / 2, Width: in.Width / 2, Channels: in.Channels}, nil

	case OpConvTranspose2D:
		in, err := soleInputShape(layer, byName)
		if err != nil {
			return Shape{}, err
		}
		if layer.Filters <= 0 {
			return Shape{}, fmt.Errorf("conv_transpose2d %q: filters must be positive, got %d", layer.Name, layer.Filters)
		}
		return Shape{Height: in.Height * 2, Width: in.Width * 2, Channels: layer.Filters}, nil

	case OpConcat:
		if len(layer.Inputs) < 2 {
			return Shape{}, fmt.Errorf("concat %q needs at least two inputs, got %d", layer.Name, len(layer.Inputs))
		}
		first := byName[layer.Inputs[0]].OutputShape
		channels := first.Channels
		for _, name := range layer.Inputs[1:] {
			s := byName[name].OutputShape
			if s.Height != first.Height || s.Width != first.Width {
				return Shape{}, fmt.Errorf("concat %q: spatial dimensions of %q %s do not match %q %s",
					layer.Name, name, s, layer.Inputs[0], first)
			}
			channels += s.Channels
		}
		return Shape{Height: first.Height, Width: first.Width, Channels: channels}, nil

	default:
		return Shape{}, fmt.Errorf("layer %q has unknown op %q", layer.Name, layer.Op)
	}
}

func soleInputShape(layer *Layer, byName map[string]*Layer) (Shape, error) {
	if len(layer.Inputs) != 1 {
		return Shape{}, fmt.Errorf("%s %q needs exactly one input, got %d", layer.Op, layer.Name, len(layer.Inputs))
	}
	return byName[layer.Inputs[0]].OutputShape, nil
}
