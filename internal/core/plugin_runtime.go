package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-plugin"

	"geoseg-backend/internal/core/graph"
	"geoseg-backend/plugin/shared"
)

// pluginRuntime drives an external training framework running as a
// subprocess plugin.
//
// TODO: this object is not thread-safe, add a mutex if one runtime is ever
// shared between concurrent jobs.
type pluginRuntime struct {
	client  *plugin.Client
	runtime shared.Runtime
}

func LoadPluginRuntime(command string, args ...string) (Runtime, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              exec.Command(command, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense(shared.RuntimePluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing %q: %w", shared.RuntimePluginName, err)
	}

	runtime, ok := raw.(shared.Runtime)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface %q is not of expected type shared.Runtime (actual type: %T)", shared.RuntimePluginName, raw)
	}

	return &pluginRuntime{client: client, runtime: runtime}, nil
}

func (r *pluginRuntime) Train(ctx context.Context, spec TrainSpec) (TrainResult, error) {
	archJSON, err := json.Marshal(spec.Graph)
	if err != nil {
		return TrainResult{}, fmt.Errorf("serializing architecture: %w", err)
	}

	lossSpec := make(map[string]map[string]float64, len(spec.Losses))
	for name, params := range spec.Losses {
		lossSpec[name] = params
	}

	resp, err := r.runtime.Train(shared.TrainRequest{
		ModelName:    spec.ModelName,
		ArchJSON:     archJSON,
		WeightsPath:  spec.WeightsPath,
		TrainDataDir: spec.TrainDataDir,
		ValDataDir:   spec.ValDataDir,
		OutputDir:    spec.OutputDir,
		Epochs:       spec.Epochs,
		BatchSize:    spec.BatchSize,
		LearningRate: spec.LearningRate,
		Losses:       lossSpec,
		LossWeights:  spec.LossWeights,
	})
	if err != nil {
		return TrainResult{}, err
	}

	result := TrainResult{ArtifactDir: spec.OutputDir}
	for _, e := range resp.Epochs {
		result.Epochs = append(result.Epochs, EpochStats{
			Epoch:     e.Epoch,
			TrainLoss: e.TrainLoss,
			ValLoss:   e.ValLoss,
		})
	}
	return result, nil
}

func (r *pluginRuntime) Predict(ctx context.Context, image []float32, shape graph.Shape) ([]float32, error) {
	resp, err := r.runtime.Predict(shared.PredictRequest{
		Image:    image,
		Height:   shape.Height,
		Width:    shape.Width,
		Channels: shape.Channels,
	})
	if err != nil {
		return nil, err
	}
	return resp.Mask, nil
}

func (r *pluginRuntime) Release() {
	if r.client == nil {
		return
	}

	r.client.Kill()
	r.client = nil
	r.runtime = nil
}
