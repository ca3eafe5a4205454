// Package shared defines the plugin interface between the backend and
// external training runtimes. Runtimes are separate processes (typically
// wrapping a numerical deep-learning framework) spoken to over go-plugin's
// net/rpc protocol, so all request and response types must be gob-friendly.
package shared

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is a shared secret between host and plugin. It is not a
// security measure, just a basic sanity check that the launched binary is
// actually a runtime plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GEOSEG_RUNTIME_PLUGIN",
	MagicCookieValue: "6bb18e9a-4a41-4cf6-8b84-5a0f86bfb2a1",
}

const RuntimePluginName = "runtime"

type TrainRequest struct {
	ModelName string

	// ArchJSON is the serialized architecture graph the runtime must
	// instantiate; see the graph package for the schema.
	ArchJSON []byte

	// WeightsPath is a local file with pretrained weights, or empty for
	// cold-start training.
	WeightsPath string

	TrainDataDir string
	ValDataDir   string
	OutputDir    string

	Epochs       int
	BatchSize    int
	LearningRate float64

	// Loss selection by name, with per-loss hyperparameters and optional
	// composite weights.
	Losses      map[string]map[string]float64
	LossWeights map[string]float64
}

type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
}

type TrainResponse struct {
	Epochs []EpochStats
}

type PredictRequest struct {
	Image    []float32
	Height   int
	Width    int
	Channels int
}

type PredictResponse struct {
	Mask []float32
}

// Runtime is the interface the plugin process implements.
type Runtime interface {
	Train(req TrainRequest) (TrainResponse, error)

	Predict(req PredictRequest) (PredictResponse, error)
}

// RPCClient is the host-side proxy that talks to the plugin over RPC.
type RPCClient struct{ client *rpc.Client }

func (c *RPCClient) Train(req TrainRequest) (TrainResponse, error) {
	var resp TrainResponse
	err := c.client.Call("Plugin.Train", req, &resp)
	return resp, err
}

func (c *RPCClient) Predict(req PredictRequest) (PredictResponse, error) {
	var resp PredictResponse
	err := c.client.Call("Plugin.Predict", req, &resp)
	return resp, err
}

// RPCServer wraps the real implementation inside the plugin process,
// conforming to the requirements of net/rpc.
type RPCServer struct {
	Impl Runtime
}

func (s *RPCServer) Train(req TrainRequest, resp *TrainResponse) error {
	v, err := s.Impl.Train(req)
	*resp = v
	return err
}

func (s *RPCServer) Predict(req PredictRequest, resp *PredictResponse) error {
	v, err := s.Impl.Predict(req)
	*resp = v
	return err
}

// RuntimePlugin is the plugin.Plugin implementation tying the two sides
// together.
type RuntimePlugin struct {
	Impl Runtime
}

func (p *RuntimePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *RuntimePlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

var PluginMap = map[string]plugin.Plugin{
	RuntimePluginName: &RuntimePlugin{},
}
