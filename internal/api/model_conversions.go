package api

import (
	"database/sql"
	"time"

	"geoseg-backend/internal/database"
	"geoseg-backend/pkg/api"
)

func toNullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: true}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func convertModel(model *database.Model) api.Model {
	return api.Model{
		Id:             model.Id,
		Name:           model.Name,
		Status:         model.Status,
		BaseDepth:      model.BaseDepth,
		InputHeight:    model.InputHeight,
		InputWidth:     model.InputWidth,
		InputChannels:  model.InputChannels,
		WeightPath:     model.WeightPath.String,
		WeightURL:      model.WeightURL.String,
		CreationTime:   model.CreationTime,
		CompletionTime: nullTimePtr(model.CompletionTime),
	}
}

func convertTrainJob(job *database.TrainJob) api.TrainJob {
	errors := make([]string, len(job.Errors))
	for i, jobError := range job.Errors {
		errors[i] = jobError.Error
	}

	return api.TrainJob{
		Id:             job.Id,
		ModelId:        job.ModelId,
		Status:         job.Status,
		CreationTime:   job.CreationTime,
		StartTime:      nullTimePtr(job.StartTime),
		CompletionTime: nullTimePtr(job.CompletionTime),
		Errors:         errors,
	}
}
