// Package losses provides the training loss functions selectable by name
// from a training config, including weighted composites of several losses.
package losses

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	epsilon = 1e-7
	smooth  = 1.0
)

// Loss scores a predicted probability map against a binary target mask.
// Both slices are flattened pixel values; predictions are expected in
// [0, 1].
type Loss interface {
	Name() string
	Compute(pred, target []float32) (float64, error)
}

// Params are the hyperparameters of a single loss, e.g. focal gamma.
type Params map[string]float64

func (p Params) get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

type lossFactory func(Params) (Loss, error)

var registry = map[string]lossFactory{
	"bce":     func(Params) (Loss, error) { return bceLoss{}, nil },
	"dice":    func(Params) (Loss, error) { return diceLoss{}, nil },
	"jaccard": func(Params) (Loss, error) { return jaccardLoss{}, nil },
	"focal": func(p Params) (Loss, error) {
		gamma := p.get("gamma", 2)
		alpha := p.get("alpha", 0.25)
		if gamma < 0 {
			return nil, fmt.Errorf("focal loss: gamma must be non-negative, got %v", gamma)
		}
		if alpha < 0 || alpha > 1 {
			return nil, fmt.Errorf("focal loss: alpha must be in [0, 1], got %v", alpha)
		}
		return &focalLoss{gamma: gamma, alpha: alpha}, nil
	},
}

// Names lists the available loss names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Single builds one loss by (case-insensitive) name.
func Single(name string, params Params) (Loss, error) {
	factory, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown loss %q, available losses: %v", name, Names())
	}
	return factory(params)
}

// Get builds the loss described by a config: one named loss, or a weighted
// composite when more than one is given. Missing weights default to 1;
// when weights are supplied their keys must match the loss keys.
func Get(spec map[string]Params, weights map[string]float64) (Loss, error) {
	if len(spec) == 0 {
		return nil, fmt.Errorf("the loss description is empty")
	}

	if len(spec) == 1 {
		for name, params := range spec {
			return Single(name, params)
		}
	}

	if weights == nil {
		weights = make(map[string]float64, len(spec))
		for name := range spec {
			weights[name] = 1
		}
	}
	if len(weights) != len(spec) {
		return nil, fmt.Errorf("the losses and weights must have the same name keys")
	}

	composite := &compositeLoss{}
	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		weight, ok := weights[name]
		if !ok {
			return nil, fmt.Errorf("no weight given for loss %q", name)
		}
		loss, err := Single(name, spec[name])
		if err != nil {
			return nil, err
		}
		composite.losses = append(composite.losses, loss)
		composite.weights = append(composite.weights, weight)
	}
	return composite, nil
}

func checkInputs(pred, target []float32) error {
	if len(pred) == 0 {
		return fmt.Errorf("loss inputs are empty")
	}
	if len(pred) != len(target) {
		return fmt.Errorf("prediction has %d values but target has %d", len(pred), len(target))
	}
	return nil
}

func clamp(p float64) float64 {
	return math.Min(math.Max(p, epsilon), 1-epsilon)
}

type bceLoss struct{}

func (bceLoss) Name() string { return "bce" }

func (bceLoss) Compute(pred, target []float32) (float64, error) {
	if err := checkInputs(pred, target); err != nil {
		return 0, err
	}
	var sum float64
	for i := range pred {
		p := clamp(float64(pred[i]))
		t := float64(target[i])
		sum += -(t*math.Log(p) + (1-t)*math.Log(1-p))
	}
	return sum / float64(len(pred)), nil
}

type diceLoss struct{}

func (diceLoss) Name() string { return "dice" }

func (diceLoss) Compute(pred, target []float32) (float64, error) {
	if err := checkInputs(pred, target); err != nil {
		return 0, err
	}
	var intersection, total float64
	for i := range pred {
		p, t := float64(pred[i]), float64(target[i])
		intersection += p * t
		total += p + t
	}
	return 1 - (2*intersection+smooth)/(total+smooth), nil
}

type jaccardLoss struct{}

func (jaccardLoss) Name() string { return "jaccard" }

func (jaccardLoss) Compute(pred, target []float32) (float64, error) {
	if err := checkInputs(pred, target); err != nil {
		return 0, err
	}
	var intersection, total float64
	for i := range pred {
		p, t := float64(pred[i]), float64(target[i])
		intersection += p * t
		total += p + t
	}
	union := total - intersection
	return 1 - (intersection+smooth)/(union+smooth), nil
}

type focalLoss struct {
	gamma float64
	alpha float64
}

func (f *focalLoss) Name() string { return "focal" }

func (f *focalLoss) Compute(pred, target []float32) (float64, error) {
	if err := checkInputs(pred, target); err != nil {
		return 0, err
	}
	var sum float64
	for i := range pred {
		p := clamp(float64(pred[i]))
		t := float64(target[i])
		sum += -(f.alpha*t*math.Pow(1-p, f.gamma)*math.Log(p) +
			(1-f.alpha)*(1-t)*math.Pow(p, f.gamma)*math.Log(1-p))
	}
	return sum / float64(len(pred)), nil
}

type compositeLoss struct {
	losses  []Loss
	weights []float64
}

func (c *compositeLoss) Name() string {
	names := make([]string, len(c.losses))
	for i, l := range c.losses {
		names[i] = l.Name()
	}
	return "composite(" + strings.Join(names, "+") + ")"
}

func (c *compositeLoss) Compute(pred, target []float32) (float64, error) {
	var total float64
	for i, l := range c.losses {
		v, err := l.Compute(pred, target)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", l.Name(), err)
		}
		total += c.weights[i] * v
	}
	return total, nil
}
