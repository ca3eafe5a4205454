package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	ort "github.com/yalue/onnxruntime_go"

	"geoseg-backend/cmd"
	"geoseg-backend/internal/config"
	"geoseg-backend/internal/core"
	"geoseg-backend/internal/database"
	"geoseg-backend/internal/messaging"
	"geoseg-backend/internal/weights"
	"geoseg-backend/internal/worker"
)

func main() {
	log.Println("Starting Worker Process...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cmd.CreateObjectStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Worker: Failed to create storage client: %v", err)
	}

	loaders := core.NewRuntimeLoaders(cfg.PluginCommand, cfg.PluginArgs...)
	if cfg.OnnxRuntimeDylib != "" {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeDylib)
		if err := ort.InitializeEnvironment(); err != nil {
			log.Fatalf("could not init ONNX Runtime: %v", err)
		}
		defer func() {
			if err := ort.DestroyEnvironment(); err != nil {
				log.Fatalf("error destroying onnx env: %v", err)
			}
		}()
	} else {
		// Without the runtime library exported models cannot be opened, so
		// skip the post-training artifact check.
		delete(loaders, core.OnnxInference)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReciever(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	resolver := weights.NewResolver(cfg.WeightCacheDir, store)

	processor := worker.NewTaskProcessor(db, store, publisher, reciever, resolver, cfg.LocalModelDir, cfg.ModelBucketName, loaders)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Start()
		}()
	}

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for workers to finish...")

	processor.Stop()
	wg.Wait()

	log.Println("Worker process stopped.")
}
