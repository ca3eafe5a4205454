package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ModelQueued   string = "QUEUED"
	ModelTraining string = "TRAINING"
	ModelTrained  string = "TRAINED"
	ModelFailed   string = "FAILED"
)

// Model is a segmentation model the backend knows about: a zoo architecture
// or a user-submitted one, plus its training state.
type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"uniqueIndex;not null"`

	// Arch is the serialized architecture graph (see the graph package).
	Arch datatypes.JSON

	// BaseDepth and input dimensions the architecture was built with, kept
	// denormalized for listing without parsing Arch.
	BaseDepth     int
	InputHeight   int
	InputWidth    int
	InputChannels int

	Status string `gorm:"size:20;not null"`

	// Where pretrained weights came from, if anywhere.
	WeightPath sql.NullString
	WeightURL  sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Jobs []TrainJob `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// TrainJob is one queued training run of a model.
type TrainJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelId uuid.UUID `gorm:"type:uuid"`
	Model   *Model    `gorm:"foreignKey:ModelId"`

	Status string `gorm:"size:20;not null"`

	// ConfigYAML is the training config snapshot the job was submitted
	// with, so a run stays reproducible after the source file changes.
	ConfigYAML string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Metrics []EpochMetric `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
	Errors  []JobError    `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

// EpochMetric records one epoch's losses for a training job.
type EpochMetric struct {
	JobId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch int       `gorm:"primaryKey"`

	TrainLoss float64
	ValLoss   float64
}

type JobError struct {
	JobId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
