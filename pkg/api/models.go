package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreateModelRequest registers a new segmentation model. Either Arch holds
// a full serialized architecture graph, or the model is built as a U-Net
// from BaseDepth and the input dimensions.
type CreateModelRequest struct {
	Name string `json:"name"`

	BaseDepth     int `json:"base_depth,omitempty"`
	InputHeight   int `json:"input_height,omitempty"`
	InputWidth    int `json:"input_width,omitempty"`
	InputChannels int `json:"input_channels,omitempty"`

	Arch json.RawMessage `json:"arch,omitempty"`

	WeightPath string `json:"weight_path,omitempty"`
	WeightURL  string `json:"weight_url,omitempty"`
}

type CreateModelResponse struct {
	ModelId uuid.UUID `json:"model_id"`
}

type Model struct {
	Id     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Status string    `json:"status"`

	BaseDepth     int `json:"base_depth,omitempty"`
	InputHeight   int `json:"input_height"`
	InputWidth    int `json:"input_width"`
	InputChannels int `json:"input_channels"`

	WeightPath string `json:"weight_path,omitempty"`
	WeightURL  string `json:"weight_url,omitempty"`

	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
}

type ListModelsQuery struct {
	Status string `schema:"status"`
}

// TrainModelRequest submits a training run for a model. Config is the raw
// YAML training config; it is validated before the job is queued and
// stored with the job for reproducibility.
type TrainModelRequest struct {
	Config string `json:"config"`
}

type TrainModelResponse struct {
	JobId uuid.UUID `json:"job_id"`
}

type TrainJob struct {
	Id      uuid.UUID `json:"id"`
	ModelId uuid.UUID `json:"model_id"`
	Status  string    `json:"status"`

	CreationTime   time.Time  `json:"creation_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

type EpochMetric struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
}

// Artifact is a stored training output (weights, exported model) for a
// model.
type Artifact struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ZooModel describes a built-in architecture available by name.
type ZooModel struct {
	Name string `json:"name"`

	InputHeight   int `json:"input_height"`
	InputWidth    int `json:"input_width"`
	InputChannels int `json:"input_channels"`
	Layers        int `json:"layers"`

	Pretrained bool `json:"pretrained"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
