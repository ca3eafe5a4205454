package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"geoseg-backend/internal/config"
	"geoseg-backend/internal/core/zoo"
	"geoseg-backend/internal/database"
	"geoseg-backend/internal/storage"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// CreateObjectStore builds the S3 object store from the service config and
// makes sure the model bucket exists.
func CreateObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	store, err := storage.NewS3Provider(storage.S3ProviderConfig{
		EndpointURL:     cfg.S3EndpointURL,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Region:          cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating s3 client: %w", err)
	}

	if err := store.CreateBucket(ctx, cfg.ModelBucketName); err != nil {
		return nil, fmt.Errorf("error creating model bucket: %w", err)
	}

	return store, nil
}

// InitializeZooModels creates database records for the built-in zoo models
// so they can be listed and trained like user-submitted ones. Existing
// records are left untouched.
func InitializeZooModels(db *gorm.DB) error {
	for _, name := range zoo.Names() {
		descriptor, err := zoo.Get(name)
		if err != nil {
			return err
		}

		g, err := descriptor.Arch()
		if err != nil {
			return fmt.Errorf("error building architecture for zoo model %q: %w", name, err)
		}

		archJSON, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("error serializing architecture for zoo model %q: %w", name, err)
		}

		status := database.ModelQueued
		if descriptor.HasWeights() {
			status = database.ModelTrained
		}

		input := g.InputShape()
		model := database.Model{
			Id:            uuid.New(),
			Arch:          datatypes.JSON(archJSON),
			InputHeight:   input.Height,
			InputWidth:    input.Width,
			InputChannels: input.Channels,
			Status:        status,
			CreationTime:  time.Now().UTC(),
		}
		if descriptor.WeightPath != "" {
			model.WeightPath.String = descriptor.WeightPath
			model.WeightPath.Valid = true
		}
		if descriptor.WeightURL != "" {
			model.WeightURL.String = descriptor.WeightURL
			model.WeightURL.Valid = true
		}

		if err := db.Where(database.Model{Name: name}).Attrs(model).FirstOrCreate(&database.Model{}).Error; err != nil {
			return fmt.Errorf("error creating zoo model record for %q: %w", name, err)
		}
	}

	return nil
}
