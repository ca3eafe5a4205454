package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	ort "github.com/yalue/onnxruntime_go"
	"gorm.io/gorm"

	"geoseg-backend/cmd"
	"geoseg-backend/internal/api"
	"geoseg-backend/internal/core"
	"geoseg-backend/internal/database"
	"geoseg-backend/internal/messaging"
	"geoseg-backend/internal/storage"
	"geoseg-backend/internal/weights"
	"geoseg-backend/internal/worker"
)

type Config struct {
	Root             string `env:"ROOT" envDefault:"./geoseg"`
	Port             int    `env:"PORT" envDefault:"3001"`
	PluginCommand    string `env:"TRAIN_PLUGIN_COMMAND" envDefault:"python3"`
	PluginScript     string `env:"TRAIN_PLUGIN_SCRIPT" envDefault:"plugin/plugin-python/plugin.py"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
}

const modelBucket = "models"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "geoseg.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return db
}

// createQueue re-enqueues train jobs that were queued when the process last
// stopped, so a restart picks them back up.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var jobs []database.TrainJob
	if err := db.Where("status = ?", database.JobQueued).Find(&jobs).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, job := range jobs {
		if err := queue.PublishTrainTask(messaging.TrainTaskPayload{
			ModelId: job.ModelId,
			JobId:   job.Id,
		}); err != nil {
			log.Fatalf("Failed to publish train task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, queue, store, modelBucket)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port)

	loaders := core.NewRuntimeLoaders(cfg.PluginCommand, cfg.PluginScript)
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
		delete(loaders, core.OnnxInference)
	}

	db := createDatabase(cfg.Root)

	if err := cmd.InitializeZooModels(db); err != nil {
		log.Fatalf("Failed to initialize zoo models: %v", err)
	}

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}
	if err := store.CreateBucket(context.Background(), modelBucket); err != nil {
		log.Fatalf("Failed to create model bucket: %v", err)
	}

	queue := createQueue(db)

	resolver := weights.NewResolver(filepath.Join(cfg.Root, "weights"), store)

	processor := worker.NewTaskProcessor(db, store, queue, queue, resolver, filepath.Join(cfg.Root, "models"), modelBucket, loaders)

	server := createServer(db, store, queue, cfg.Port)

	slog.Info("starting worker")
	go processor.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		processor.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
