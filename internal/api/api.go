package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"geoseg-backend/internal/core/arch"
	"geoseg-backend/internal/core/graph"
	"geoseg-backend/internal/core/zoo"
	"geoseg-backend/internal/database"
	"geoseg-backend/internal/messaging"
	"geoseg-backend/internal/storage"
	"geoseg-backend/internal/trainer"
	"geoseg-backend/pkg/api"
)

type BackendService struct {
	db          *gorm.DB
	publisher   messaging.Publisher
	storage     storage.ObjectStore
	modelBucket string
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, store storage.ObjectStore, modelBucket string) *BackendService {
	return &BackendService{
		db:          db,
		publisher:   publisher,
		storage:     store,
		modelBucket: modelBucket,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))

	r.Route("/models", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateModel))
		r.Get("/", RestHandler(s.ListModels))

		r.Route("/{model_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetModel))
			r.Delete("/", RestHandler(s.DeleteModel))
			r.Get("/arch", RestHandler(s.GetModelArch))
			r.Post("/train", RestHandler(s.TrainModel))
			r.Get("/jobs", RestHandler(s.ListTrainJobs))
			r.Get("/artifacts", RestHandler(s.ListModelArtifacts))
		})
	})

	r.Route("/jobs/{job_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetTrainJob))
		r.Get("/metrics", RestHandler(s.GetTrainJobMetrics))
	})

	r.Get("/zoo", RestHandler(s.ListZooModels))
}

func (s *BackendService) Health(r *http.Request) (any, error) {
	return api.HealthResponse{Status: "ok"}, nil
}

// buildModelGraph builds the architecture for a create request: either the
// submitted graph as-is, or a U-Net from the requested depth and input
// dimensions.
func buildModelGraph(req api.CreateModelRequest) (*graph.Graph, error) {
	if len(req.Arch) > 0 {
		if req.BaseDepth != 0 || req.InputHeight != 0 || req.InputWidth != 0 || req.InputChannels != 0 {
			return nil, CodedErrorf(http.StatusBadRequest, "arch and base_depth/input dimensions are mutually exclusive")
		}

		var g graph.Graph
		if err := json.Unmarshal(req.Arch, &g); err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid architecture graph: %v", err)
		}
		return &g, nil
	}

	cfg := arch.UNetConfig{
		BaseDepth: req.BaseDepth,
		InputShape: graph.Shape{
			Height:   req.InputHeight,
			Width:    req.InputWidth,
			Channels: req.InputChannels,
		},
	}
	// Zero dims mean the caller wants the defaults.
	if cfg.InputShape == (graph.Shape{}) {
		cfg.InputShape = arch.DefaultInputShape
	}

	g, err := arch.BuildUNet(cfg)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid model architecture: %v", err)
	}
	return g, nil
}

func (s *BackendService) CreateModel(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateModelRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if _, err := zoo.Get(req.Name); err == nil {
		return nil, CodedErrorf(http.StatusBadRequest, "model name '%s' collides with a built-in zoo model", req.Name)
	}
	if req.WeightPath != "" && req.WeightURL != "" {
		return nil, CodedErrorf(http.StatusBadRequest, "weight_path and weight_url are mutually exclusive")
	}

	g, err := buildModelGraph(req)
	if err != nil {
		return nil, err
	}

	archJSON, err := json.Marshal(g)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error serializing architecture: %w", err))
	}

	input := g.InputShape()
	model := database.Model{
		Id:            uuid.New(),
		Name:          req.Name,
		Arch:          datatypes.JSON(archJSON),
		BaseDepth:     req.BaseDepth,
		InputHeight:   input.Height,
		InputWidth:    input.Width,
		InputChannels: input.Channels,
		Status:        database.ModelQueued,
		CreationTime:  time.Now().UTC(),
	}
	if req.WeightPath != "" {
		model.WeightPath = toNullString(req.WeightPath)
	}
	if req.WeightURL != "" {
		model.WeightURL = toNullString(req.WeightURL)
	}

	var existing database.Model
	if err := s.db.WithContext(r.Context()).First(&existing, "name = ?", req.Name).Error; err == nil {
		return nil, CodedErrorf(http.StatusConflict, "model with name '%s' already exists", req.Name)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("error checking for existing model", "name", req.Name, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating model")
	}

	if err := s.db.WithContext(r.Context()).Create(&model).Error; err != nil {
		slog.Error("error creating model", "name", req.Name, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating model")
	}

	slog.Info("created model", "model_id", model.Id, "name", model.Name, "layers", g.NumLayers())

	return api.CreateModelResponse{ModelId: model.Id}, nil
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[api.ListModelsQuery](r)
	if err != nil {
		return nil, err
	}

	txn := s.db.WithContext(r.Context())
	if query.Status != "" {
		txn = txn.Where("status = ?", query.Status)
	}

	var models []database.Model
	if err := txn.Order("creation_time").Find(&models).Error; err != nil {
		slog.Error("error listing models", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing models")
	}

	result := make([]api.Model, len(models))
	for i := range models {
		result[i] = convertModel(&models[i])
	}
	return result, nil
}

func (s *BackendService) getModel(r *http.Request) (database.Model, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return database.Model{}, err
	}

	var model database.Model
	if err := s.db.WithContext(r.Context()).First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Model{}, CodedErrorf(http.StatusNotFound, "model %v not found", modelId)
		}
		slog.Error("error getting model", "model_id", modelId, "error", err)
		return database.Model{}, CodedErrorf(http.StatusInternalServerError, "error getting model")
	}
	return model, nil
}

func (s *BackendService) GetModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}
	return convertModel(&model), nil
}

func (s *BackendService) GetModelArch(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}
	if len(model.Arch) == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "model '%s' has no stored architecture", model.Name)
	}
	return json.RawMessage(model.Arch), nil
}

func (s *BackendService) DeleteModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	if _, err := zoo.Get(model.Name); err == nil {
		return nil, CodedErrorf(http.StatusBadRequest, "cannot delete built-in zoo model '%s'", model.Name)
	}
	if model.Status == database.ModelTraining {
		return nil, CodedErrorf(http.StatusConflict, "model '%s' is currently training", model.Name)
	}

	err = s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		jobIds := txn.Model(&database.TrainJob{}).Select("id").Where("model_id = ?", model.Id)
		if err := txn.Where("job_id IN (?)", jobIds).Delete(&database.EpochMetric{}).Error; err != nil {
			return err
		}
		jobIds = txn.Model(&database.TrainJob{}).Select("id").Where("model_id = ?", model.Id)
		if err := txn.Where("job_id IN (?)", jobIds).Delete(&database.JobError{}).Error; err != nil {
			return err
		}
		if err := txn.Where("model_id = ?", model.Id).Delete(&database.TrainJob{}).Error; err != nil {
			return err
		}
		return txn.Delete(&database.Model{}, "id = ?", model.Id).Error
	})
	if err != nil {
		slog.Error("error deleting model", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model")
	}

	if err := s.storage.DeleteObjects(r.Context(), s.modelBucket, model.Id.String()); err != nil {
		slog.Error("error deleting model artifacts", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model artifacts")
	}

	slog.Info("deleted model", "model_id", model.Id, "name", model.Name)

	return nil, nil
}

func (s *BackendService) TrainModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.TrainModelRequest](r)
	if err != nil {
		return nil, err
	}

	cfg, err := trainer.ParseConfig([]byte(req.Config))
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid training config: %v", err)
	}
	if cfg.ModelName != "" && cfg.ModelName != model.Name {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "config model_name '%s' does not match model '%s'", cfg.ModelName, model.Name)
	}

	job := database.TrainJob{
		Id:           uuid.New(),
		ModelId:      model.Id,
		Status:       database.JobQueued,
		ConfigYAML:   req.Config,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(r.Context()).Create(&job).Error; err != nil {
		slog.Error("error creating train job", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating train job")
	}

	payload := messaging.TrainTaskPayload{ModelId: model.Id, JobId: job.Id}
	if err := s.publisher.PublishTrainTask(payload); err != nil {
		slog.Error("error publishing train task", "model_id", model.Id, "job_id", job.Id, "error", err)
		database.UpdateTrainJobStatus(r.Context(), s.db, job.Id, database.JobFailed) //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "error queueing train job")
	}

	database.UpdateModelStatus(r.Context(), s.db, model.Id, database.ModelQueued) //nolint:errcheck

	slog.Info("queued train job", "model_id", model.Id, "job_id", job.Id)

	return api.TrainModelResponse{JobId: job.Id}, nil
}

func (s *BackendService) ListTrainJobs(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	var jobs []database.TrainJob
	if err := s.db.WithContext(r.Context()).Preload("Errors").Where("model_id = ?", model.Id).Order("creation_time").Find(&jobs).Error; err != nil {
		slog.Error("error listing train jobs", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing train jobs")
	}

	result := make([]api.TrainJob, len(jobs))
	for i := range jobs {
		result[i] = convertTrainJob(&jobs[i])
	}
	return result, nil
}

func (s *BackendService) GetTrainJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.TrainJob
	if err := s.db.WithContext(r.Context()).Preload("Errors").First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "train job %v not found", jobId)
		}
		slog.Error("error getting train job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error getting train job")
	}

	return convertTrainJob(&job), nil
}

func (s *BackendService) GetTrainJobMetrics(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var metrics []database.EpochMetric
	if err := s.db.WithContext(r.Context()).Where("job_id = ?", jobId).Order("epoch").Find(&metrics).Error; err != nil {
		slog.Error("error getting epoch metrics", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error getting epoch metrics")
	}

	result := make([]api.EpochMetric, len(metrics))
	for i, metric := range metrics {
		result[i] = api.EpochMetric{Epoch: metric.Epoch, TrainLoss: metric.TrainLoss, ValLoss: metric.ValLoss}
	}
	return result, nil
}

func (s *BackendService) ListModelArtifacts(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	objects, err := s.storage.ListObjects(r.Context(), s.modelBucket, model.Id.String())
	if err != nil {
		slog.Error("error listing model artifacts", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing model artifacts")
	}

	result := make([]api.Artifact, len(objects))
	for i, object := range objects {
		result[i] = api.Artifact{Key: object.Name, Size: object.Size}
	}
	return result, nil
}

func (s *BackendService) ListZooModels(r *http.Request) (any, error) {
	names := zoo.Names()

	result := make([]api.ZooModel, 0, len(names))
	for _, name := range names {
		descriptor, err := zoo.Get(name)
		if err != nil {
			return nil, CodedError(http.StatusInternalServerError, err)
		}

		g, err := descriptor.Arch()
		if err != nil {
			return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error building architecture for zoo model %q: %w", name, err))
		}

		input := g.InputShape()
		result = append(result, api.ZooModel{
			Name:          name,
			InputHeight:   input.Height,
			InputWidth:    input.Width,
			InputChannels: input.Channels,
			Layers:        g.NumLayers(),
			Pretrained:    descriptor.HasWeights(),
		})
	}

	return result, nil
}
