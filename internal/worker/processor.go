package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"geoseg-backend/internal/core"
	"geoseg-backend/internal/core/graph"
	"geoseg-backend/internal/core/zoo"
	"geoseg-backend/internal/database"
	"geoseg-backend/internal/messaging"
	"geoseg-backend/internal/storage"
	"geoseg-backend/internal/trainer"
	"geoseg-backend/internal/weights"
)

// TaskProcessor drains the train queue: it rebuilds the trainer from the
// job's stored config and model record, runs the training runtime, and
// uploads the resulting artifacts to the model bucket.
type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever

	resolver *weights.Resolver

	localModelDir  string
	modelBucket    string
	runtimeLoaders map[core.RuntimeType]core.RuntimeLoader
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, resolver *weights.Resolver, localModelDir, modelBucket string, runtimeLoaders map[core.RuntimeType]core.RuntimeLoader) *TaskProcessor {
	return &TaskProcessor{
		db:             db,
		storage:        store,
		publisher:      publisher,
		reciever:       reciever,
		resolver:       resolver,
		localModelDir:  localModelDir,
		modelBucket:    modelBucket,
		runtimeLoaders: runtimeLoaders,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.TrainQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling train task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) getModelDir(modelId uuid.UUID) string {
	return filepath.Join(proc.localModelDir, modelId.String())
}

func (proc *TaskProcessor) getTrainJob(ctx context.Context, jobId uuid.UUID) (database.TrainJob, error) {
	var job database.TrainJob
	if err := proc.db.WithContext(ctx).Preload("Model").First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.TrainJob{}, fmt.Errorf("train job %s not found: %w", jobId, err)
		}
		return database.TrainJob{}, fmt.Errorf("error getting train job: %w", err)
	}
	if job.Model == nil {
		return database.TrainJob{}, fmt.Errorf("train job %s has no model", jobId)
	}
	return job, nil
}

// descriptorFromModel rebuilds the custom descriptor for a user-submitted
// model from its database record. Returns nil for zoo models so the trainer
// resolves them by name.
func descriptorFromModel(model *database.Model) (*zoo.Descriptor, error) {
	if _, err := zoo.Get(model.Name); err == nil {
		return nil, nil
	}

	if len(model.Arch) == 0 {
		return nil, fmt.Errorf("model %s has no stored architecture", model.Name)
	}

	var g graph.Graph
	if err := json.Unmarshal(model.Arch, &g); err != nil {
		return nil, fmt.Errorf("error parsing stored architecture for model %s: %w", model.Name, err)
	}

	descriptor := &zoo.Descriptor{
		Name: model.Name,
		Arch: func() (*graph.Graph, error) { return &g, nil },
	}
	if model.WeightPath.Valid {
		descriptor.WeightPath = model.WeightPath.String
	}
	if model.WeightURL.Valid {
		descriptor.WeightURL = model.WeightURL.String
	}

	return descriptor, nil
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	jobId := payload.JobId

	slog.Info("processing train task", "model_id", payload.ModelId, "job_id", jobId)

	job, err := proc.getTrainJob(ctx, jobId)
	if err != nil {
		return err
	}

	database.UpdateTrainJobStatus(ctx, proc.db, jobId, database.JobRunning)       //nolint:errcheck
	database.UpdateModelStatus(ctx, proc.db, job.ModelId, database.ModelTraining) //nolint:errcheck

	if err := proc.runTrainJob(ctx, &job); err != nil {
		database.UpdateTrainJobStatus(ctx, proc.db, jobId, database.JobFailed)      //nolint:errcheck
		database.UpdateModelStatus(ctx, proc.db, job.ModelId, database.ModelFailed) //nolint:errcheck
		database.SaveJobError(ctx, proc.db, jobId, err.Error())
		return err
	}

	if err := database.UpdateTrainJobStatus(ctx, proc.db, jobId, database.JobCompleted); err != nil {
		return fmt.Errorf("error updating train job status to completed: %w", err)
	}
	if err := database.UpdateModelStatus(ctx, proc.db, job.ModelId, database.ModelTrained); err != nil {
		return fmt.Errorf("error updating model status after training: %w", err)
	}

	slog.Info("train task completed successfully", "model_id", job.ModelId, "job_id", jobId)

	return nil
}

func (proc *TaskProcessor) runTrainJob(ctx context.Context, job *database.TrainJob) error {
	cfg, err := trainer.ParseConfig([]byte(job.ConfigYAML))
	if err != nil {
		return fmt.Errorf("error parsing job config: %w", err)
	}
	if cfg.ModelName == "" {
		cfg.ModelName = job.Model.Name
	}

	custom, err := descriptorFromModel(job.Model)
	if err != nil {
		return err
	}

	localDir := proc.getModelDir(job.ModelId)
	if err := os.MkdirAll(localDir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating local model directory: %w", err)
	}

	// Artifacts are written locally and uploaded afterwards, so the
	// configured output dir only applies to single process runs.
	cfg.OutputDir = localDir

	loader, ok := proc.runtimeLoaders[cfg.Runtime]
	if !ok {
		return fmt.Errorf("no loader for runtime %q", cfg.Runtime)
	}
	runtime, err := loader(localDir)
	if err != nil {
		return fmt.Errorf("error loading %s runtime: %w", cfg.Runtime, err)
	}
	defer runtime.Release()

	t, err := trainer.NewTrainer(ctx, cfg, custom, runtime, proc.resolver)
	if err != nil {
		return err
	}

	result, err := t.Train(ctx)
	if err != nil {
		return fmt.Errorf("error running training: %w", err)
	}

	metrics := make([]database.EpochMetric, len(result.Epochs))
	for i, epoch := range result.Epochs {
		metrics[i] = database.EpochMetric{
			Epoch:     epoch.Epoch,
			TrainLoss: epoch.TrainLoss,
			ValLoss:   epoch.ValLoss,
		}
	}
	if err := database.SaveEpochMetrics(ctx, proc.db, job.Id, metrics); err != nil {
		return fmt.Errorf("error saving epoch metrics: %w", err)
	}

	if err := proc.verifyExportedModel(ctx, result.ArtifactDir); err != nil {
		return err
	}

	if err := proc.storage.UploadDir(ctx, proc.modelBucket, job.ModelId.String(), result.ArtifactDir); err != nil {
		return fmt.Errorf("error uploading model artifacts: %w", err)
	}

	slog.Info("model artifacts uploaded", "model_id", job.ModelId, "job_id", job.Id, "bucket", proc.modelBucket)

	return nil
}

// verifyExportedModel opens the runtime's exported ONNX model, if there is
// one, so a broken export fails the job instead of the first inference.
func (proc *TaskProcessor) verifyExportedModel(ctx context.Context, artifactDir string) error {
	loader, ok := proc.runtimeLoaders[core.OnnxInference]
	if !ok {
		return nil
	}

	if _, err := os.Stat(filepath.Join(artifactDir, core.OnnxModelFile)); os.IsNotExist(err) {
		return nil
	}

	runtime, err := loader(artifactDir)
	if err != nil {
		return fmt.Errorf("exported model failed to load: %w", err)
	}
	runtime.Release()

	return nil
}
