// Package zoo holds the registry of named segmentation architectures and
// the descriptor type used to hand a custom architecture to the trainer.
package zoo

import (
	"fmt"
	"sort"

	"geoseg-backend/internal/core/arch"
	"geoseg-backend/internal/core/graph"
)

// ArchFunc builds an untrained architecture graph. It must be pure: no I/O
// and no weight loading, which is the trainer's responsibility.
type ArchFunc func() (*graph.Graph, error)

// Descriptor binds an architecture to its optional pretrained-weight
// source. At most one of WeightPath and WeightURL may be set; neither set
// means cold-start training.
type Descriptor struct {
	Name       string
	WeightPath string
	WeightURL  string
	Arch       ArchFunc
}

func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("model descriptor has no name")
	}
	if d.Arch == nil {
		return fmt.Errorf("model descriptor %q has no architecture function", d.Name)
	}
	if d.WeightPath != "" && d.WeightURL != "" {
		return fmt.Errorf("model descriptor %q sets both weight_path and weight_url; at most one may be used", d.Name)
	}
	return nil
}

// HasWeights reports whether the descriptor names a pretrained-weight
// source. If false the trainer starts from random initialization.
func (d *Descriptor) HasWeights() bool {
	return d.WeightPath != "" || d.WeightURL != ""
}

func unet(cfg arch.UNetConfig) ArchFunc {
	return func() (*graph.Graph, error) { return arch.BuildUNet(cfg) }
}

// builtin is the pretrained model zoo. Weight URLs point at released
// artifacts; the architectures are rebuilt locally from their configs.
var builtin = map[string]*Descriptor{
	"ternausnet_v1": {
		Name:      "ternausnet_v1",
		WeightURL: "https://geoseg-models.s3.amazonaws.com/ternausnet_v1/weights.onnx",
		Arch:      unet(arch.UNetConfig{}),
	},
	"xdxd_spacenet4": {
		Name:      "xdxd_spacenet4",
		WeightURL: "https://geoseg-models.s3.amazonaws.com/xdxd_spacenet4/weights.onnx",
		Arch:      unet(arch.UNetConfig{InputShape: graph.Shape{Height: 512, Width: 512, Channels: 3}, BaseDepth: 64}),
	},
	"unet_base32": {
		Name: "unet_base32",
		Arch: unet(arch.UNetConfig{BaseDepth: 32}),
	},
}

// Get looks up a built-in model by name.
func Get(name string) (*Descriptor, error) {
	d, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q, available models: %v", name, Names())
	}
	return d, nil
}

// Names lists the built-in model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the descriptor the trainer should use. A custom descriptor
// always wins over the zoo, but its name must not collide with a built-in
// model so the two can never be confused.
func Resolve(name string, custom *Descriptor) (*Descriptor, error) {
	if custom != nil {
		if err := custom.Validate(); err != nil {
			return nil, err
		}
		if _, exists := builtin[custom.Name]; exists {
			return nil, fmt.Errorf("custom model name %q collides with a built-in zoo model", custom.Name)
		}
		if name != "" && name != custom.Name {
			return nil, fmt.Errorf("config model_name %q does not match custom model %q", name, custom.Name)
		}
		return custom, nil
	}
	return Get(name)
}
