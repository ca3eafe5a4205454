package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"geoseg-backend/internal/core"
	"geoseg-backend/internal/core/arch"
	"geoseg-backend/internal/core/graph"
	"geoseg-backend/internal/database"
	"geoseg-backend/internal/messaging"
	"geoseg-backend/internal/storage"
	"geoseg-backend/internal/weights"
)

type recordedTask struct {
	taskType string
	payload  []byte

	acked    bool
	nacked   bool
	rejected bool
}

func (t *recordedTask) Type() string    { return t.taskType }
func (t *recordedTask) Payload() []byte { return t.payload }
func (t *recordedTask) Ack() error      { t.acked = true; return nil }
func (t *recordedTask) Nack() error     { t.nacked = true; return nil }
func (t *recordedTask) Reject() error   { t.rejected = true; return nil }

func trainTask(t *testing.T, payload messaging.TrainTaskPayload) *recordedTask {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &recordedTask{taskType: messaging.TrainQueue, payload: data}
}

// trainStub stands in for the external training runtime. It records the spec
// it was handed and writes an exported model into the output dir.
type trainStub struct {
	spec     core.TrainSpec
	trainErr error
}

func (r *trainStub) Train(ctx context.Context, spec core.TrainSpec) (core.TrainResult, error) {
	r.spec = spec
	if r.trainErr != nil {
		return core.TrainResult{}, r.trainErr
	}

	for _, name := range []string{core.OnnxModelFile, "weights.pt"} {
		if err := os.WriteFile(filepath.Join(spec.OutputDir, name), []byte(name), 0o644); err != nil {
			return core.TrainResult{}, err
		}
	}

	return core.TrainResult{
		Epochs: []core.EpochStats{
			{Epoch: 1, TrainLoss: 0.5, ValLoss: 0.6},
			{Epoch: 2, TrainLoss: 0.3, ValLoss: 0.4},
		},
		ArtifactDir: spec.OutputDir,
	}, nil
}

func (r *trainStub) Predict(ctx context.Context, image []float32, shape graph.Shape) ([]float32, error) {
	return nil, fmt.Errorf("training runtime does not support inference")
}

func (r *trainStub) Release() {}

type processorEnv struct {
	proc    *TaskProcessor
	db      *gorm.DB
	store   *storage.LocalObjectStore
	runtime *trainStub

	verifyErr error
}

const testModelBucket = "models"

func setupProcessor(t *testing.T) *processorEnv {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), testModelBucket))

	queue := messaging.NewInMemoryQueue()
	resolver := weights.NewResolver(t.TempDir(), nil)

	env := &processorEnv{db: db, store: store, runtime: &trainStub{}}

	loaders := map[core.RuntimeType]core.RuntimeLoader{
		core.PluginRuntime: func(string) (core.Runtime, error) { return env.runtime, nil },
		core.OnnxInference: func(string) (core.Runtime, error) {
			if env.verifyErr != nil {
				return nil, env.verifyErr
			}
			return &trainStub{}, nil
		},
	}

	env.proc = NewTaskProcessor(db, store, queue, queue, resolver, t.TempDir(), testModelBucket, loaders)
	return env
}

func (e *processorEnv) createModelAndJob(t *testing.T, name string, archJSON []byte, configYAML string) messaging.TrainTaskPayload {
	t.Helper()

	model := database.Model{
		Id:           uuid.New(),
		Name:         name,
		Arch:         datatypes.JSON(archJSON),
		Status:       database.ModelQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(&model).Error)

	job := database.TrainJob{
		Id:           uuid.New(),
		ModelId:      model.Id,
		Status:       database.JobQueued,
		ConfigYAML:   configYAML,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(&job).Error)

	return messaging.TrainTaskPayload{ModelId: model.Id, JobId: job.Id}
}

func (e *processorEnv) jobStatus(t *testing.T, jobId uuid.UUID) string {
	t.Helper()
	var job database.TrainJob
	require.NoError(t, e.db.First(&job, "id = ?", jobId).Error)
	return job.Status
}

func (e *processorEnv) modelStatus(t *testing.T, modelId uuid.UUID) string {
	t.Helper()
	var model database.Model
	require.NoError(t, e.db.First(&model, "id = ?", modelId).Error)
	return model.Status
}

func TestProcessTrainTask(t *testing.T) {
	env := setupProcessor(t)

	payload := env.createModelAndJob(t, "unet_base32", nil, "model_name: unet_base32\ntraining:\n  epochs: 2\n")

	task := trainTask(t, payload)
	env.proc.ProcessTask(task)

	assert.True(t, task.acked)
	assert.False(t, task.nacked)
	assert.Equal(t, database.JobCompleted, env.jobStatus(t, payload.JobId))
	assert.Equal(t, database.ModelTrained, env.modelStatus(t, payload.ModelId))

	// The runtime saw the resolved zoo architecture and hyperparameters.
	assert.Equal(t, "unet_base32", env.runtime.spec.ModelName)
	require.NotNil(t, env.runtime.spec.Graph)
	assert.Equal(t, graph.Shape{Height: 512, Width: 512, Channels: 3}, env.runtime.spec.Graph.InputShape())
	assert.Equal(t, 2, env.runtime.spec.Epochs)
	assert.Empty(t, env.runtime.spec.WeightsPath)

	var metrics []database.EpochMetric
	require.NoError(t, env.db.Where("job_id = ?", payload.JobId).Order("epoch").Find(&metrics).Error)
	require.Len(t, metrics, 2)
	assert.Equal(t, 0.5, metrics[0].TrainLoss)
	assert.Equal(t, 0.4, metrics[1].ValLoss)

	objects, err := env.store.ListObjects(context.Background(), testModelBucket, payload.ModelId.String())
	require.NoError(t, err)
	keys := make([]string, len(objects))
	for i, obj := range objects {
		keys[i] = obj.Name
	}
	assert.ElementsMatch(t, []string{
		payload.ModelId.String() + "/" + core.OnnxModelFile,
		payload.ModelId.String() + "/weights.pt",
	}, keys)
}

func TestProcessTrainTaskConfigWithoutModelName(t *testing.T) {
	env := setupProcessor(t)

	// The config may omit model_name entirely; the job's model record fills
	// it in.
	payload := env.createModelAndJob(t, "unet_base32", nil, "training:\n  epochs: 1\n")

	task := trainTask(t, payload)
	env.proc.ProcessTask(task)

	assert.True(t, task.acked)
	assert.False(t, task.nacked)
	assert.Equal(t, database.JobCompleted, env.jobStatus(t, payload.JobId))

	assert.Equal(t, "unet_base32", env.runtime.spec.ModelName)
	require.NotNil(t, env.runtime.spec.Graph)
	assert.Equal(t, graph.Shape{Height: 512, Width: 512, Channels: 3}, env.runtime.spec.Graph.InputShape())
}

func TestProcessTrainTaskCustomModel(t *testing.T) {
	env := setupProcessor(t)

	g, err := arch.BuildUNet(arch.UNetConfig{
		BaseDepth:  8,
		InputShape: graph.Shape{Height: 64, Width: 64, Channels: 4},
	})
	require.NoError(t, err)
	archJSON, err := json.Marshal(g)
	require.NoError(t, err)

	payload := env.createModelAndJob(t, "custom_fields", archJSON, "training:\n  epochs: 1\n")

	task := trainTask(t, payload)
	env.proc.ProcessTask(task)

	assert.True(t, task.acked)
	assert.Equal(t, database.JobCompleted, env.jobStatus(t, payload.JobId))

	// The stored architecture, not a zoo one, reached the runtime.
	assert.Equal(t, "custom_fields", env.runtime.spec.ModelName)
	require.NotNil(t, env.runtime.spec.Graph)
	assert.Equal(t, graph.Shape{Height: 64, Width: 64, Channels: 4}, env.runtime.spec.Graph.InputShape())
}

func TestProcessTrainTaskRuntimeFailure(t *testing.T) {
	env := setupProcessor(t)
	env.runtime.trainErr = fmt.Errorf("CUDA out of memory")

	payload := env.createModelAndJob(t, "unet_base32", nil, "model_name: unet_base32\n")

	task := trainTask(t, payload)
	env.proc.ProcessTask(task)

	assert.False(t, task.acked)
	assert.True(t, task.nacked)
	assert.Equal(t, database.JobFailed, env.jobStatus(t, payload.JobId))
	assert.Equal(t, database.ModelFailed, env.modelStatus(t, payload.ModelId))

	var jobErrors []database.JobError
	require.NoError(t, env.db.Where("job_id = ?", payload.JobId).Find(&jobErrors).Error)
	require.Len(t, jobErrors, 1)
	assert.Contains(t, jobErrors[0].Error, "CUDA out of memory")
}

func TestProcessTrainTaskBadConfig(t *testing.T) {
	env := setupProcessor(t)

	payload := env.createModelAndJob(t, "unet_base32", nil, "training:\n  loss:\n    tversky: {}\n")

	task := trainTask(t, payload)
	env.proc.ProcessTask(task)

	assert.True(t, task.nacked)
	assert.Equal(t, database.JobFailed, env.jobStatus(t, payload.JobId))
}

func TestProcessTrainTaskBrokenExport(t *testing.T) {
	env := setupProcessor(t)
	env.verifyErr = fmt.Errorf("invalid onnx file")

	payload := env.createModelAndJob(t, "unet_base32", nil, "model_name: unet_base32\n")

	task := trainTask(t, payload)
	env.proc.ProcessTask(task)

	assert.True(t, task.nacked)
	assert.Equal(t, database.JobFailed, env.jobStatus(t, payload.JobId))

	var jobErrors []database.JobError
	require.NoError(t, env.db.Where("job_id = ?", payload.JobId).Find(&jobErrors).Error)
	require.Len(t, jobErrors, 1)
	assert.Contains(t, jobErrors[0].Error, "exported model failed to load")
}

func TestProcessTrainTaskMissingJob(t *testing.T) {
	env := setupProcessor(t)

	task := trainTask(t, messaging.TrainTaskPayload{ModelId: uuid.New(), JobId: uuid.New()})
	env.proc.ProcessTask(task)

	assert.False(t, task.acked)
	assert.True(t, task.nacked)
}

func TestProcessTaskMalformedPayload(t *testing.T) {
	env := setupProcessor(t)

	task := &recordedTask{taskType: messaging.TrainQueue, payload: []byte("not json")}
	env.proc.ProcessTask(task)

	assert.True(t, task.rejected)
	assert.False(t, task.acked)
	assert.False(t, task.nacked)
}

func TestProcessTaskUnknownType(t *testing.T) {
	env := setupProcessor(t)

	task := &recordedTask{taskType: "other_queue", payload: []byte("{}")}
	env.proc.ProcessTask(task)

	assert.True(t, task.rejected)
	assert.False(t, task.acked)
}
