package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Snapshot of the schema at migration 0. Frozen here so later changes to
// the live schema structs cannot rewrite history.

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"uniqueIndex;not null"`

	Arch datatypes.JSON

	BaseDepth     int
	InputHeight   int
	InputWidth    int
	InputChannels int

	Status string `gorm:"size:20;not null"`

	WeightPath sql.NullString
	WeightURL  sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Jobs []TrainJob `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
}

type TrainJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelId uuid.UUID `gorm:"type:uuid"`
	Model   *Model    `gorm:"foreignKey:ModelId"`

	Status string `gorm:"size:20;not null"`

	ConfigYAML string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Metrics []EpochMetric `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
	Errors  []JobError    `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

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

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Model{}, &TrainJob{}, &EpochMetric{}, &JobError{})
}
