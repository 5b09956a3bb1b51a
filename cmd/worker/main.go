package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/media-pipeline/internal/bus"
	"github.com/MimeLyc/media-pipeline/internal/config"
	"github.com/MimeLyc/media-pipeline/internal/faces"
	"github.com/MimeLyc/media-pipeline/internal/handlers"
	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/library"
	"github.com/MimeLyc/media-pipeline/internal/mediaindex"
	"github.com/MimeLyc/media-pipeline/internal/migration"
	"github.com/MimeLyc/media-pipeline/internal/persistence"
	"github.com/MimeLyc/media-pipeline/internal/service"
	"github.com/MimeLyc/media-pipeline/internal/thumbnail"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal("Failed to load .env: %v", err)
	}
	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	if closeLog := setupLogging(cfg.System); closeLog != nil {
		defer closeLog()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to open job store: %v", err)
	}

	marker, closeMarker, err := newMarker(ctx, cfg, store)
	if err != nil {
		log.Fatal("Failed to connect version marker store: %v", err)
	}
	defer closeMarker()

	queueOpts := []jobs.Option{
		jobs.WithWorkers(cfg.Queue.Workers),
		jobs.WithPollInterval(cfg.Queue.PollInterval),
		jobs.WithJobTimeout(cfg.Queue.JobTimeout),
		jobs.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
		jobs.WithMaxCompleted(cfg.Queue.MaxCompleted),
	}
	if cfg.NATS.Enabled() {
		pub, err := bus.Connect(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			log.Fatal("Failed to connect to NATS: %v", err)
		}
		defer pub.Close()
		queueOpts = append(queueOpts, jobs.WithNotifier(pub))
		log.Info("Publishing job events to %s", cfg.NATS.URL)
	}
	queue := jobs.NewQueue(store, queueOpts...)

	layout := library.Layout{StorageDir: cfg.Storage.StorageDir, CacheDir: cfg.Storage.CacheDir}
	index := mediaindex.New(layout.InfoDir())
	faceIndex := store.FaceIndex()

	var detector faces.Detector = faces.NoDetector{}
	if cfg.Processing.FaceDetectCmd != "" {
		cd, err := faces.NewCommandDetector(cfg.Processing.FaceDetectCmd)
		if err != nil {
			log.Fatal("Invalid FACE_DETECT_CMD: %v", err)
		}
		detector = cd
	} else {
		log.Warn("FACE_DETECT_CMD not set, faces_find jobs will fail until a detector is configured")
	}

	finder := faces.NewFinder(detector, layout.FacesDir())
	h := handlers.New(handlers.Deps{
		StorageDir:  layout.StorageDir,
		CacheDir:    layout.CacheDir,
		Sizes:       cfg.Processing.Sizes,
		Thumbnailer: thumbnail.NewDeriver(),
		Index:       index,
		Importer:    library.NewImporter(layout.StorageDir),
		Faces:       finder,
		FaceIndex:   faceIndex,
		Queue:       queue,
		Migrator: migration.NewController(index, layout.StorageDir, marker, queue,
			migration.WithFaceIndex(faceIndex),
			migration.WithCrops(finder),
		),
	})
	if err := h.Register(queue); err != nil {
		log.Fatal("Failed to register handlers: %v", err)
	}

	worker := service.NewWorker(service.WorkerConfig{
		Layout:           layout,
		Sizes:            cfg.Processing.Sizes,
		RetryUnknownCron: cfg.Queue.RetryUnknownCron,
	}, queue, cron.New())

	metricsSrv := startMetrics(cfg.System.MetricsAddr)

	if err := worker.Start(ctx); err != nil {
		log.Fatal("Failed to start worker: %v", err)
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := worker.Shutdown(shutdownCtx); err != nil {
		log.Error("Worker shutdown: %v", err)
	}
	log.Info("Worker stopped")
}

func setupLogging(cfg config.SystemConfig) func() {
	level := log.ParseLevel(cfg.LogLevel)
	if cfg.LogFile == "" {
		log.InitLogger(level)
		return nil
	}
	fl, err := log.NewFileLogger(cfg.LogFile, level)
	if err != nil {
		log.InitLogger(level)
		log.Error("Failed to open log file, logging to stdout: %v", err)
		return nil
	}
	log.SetLogger(fl.Logger)
	return func() { _ = fl.Close() }
}

// newMarker picks the version marker backend. The returned func releases it.
func newMarker(ctx context.Context, cfg *config.Config, store *persistence.SQLiteStore) (migration.MarkerStore, func(), error) {
	if !cfg.Redis.Enabled() {
		return store.Marker(persistence.DefaultMarkerKey), func() {}, nil
	}
	client, err := persistence.NewRedisClient(ctx, persistence.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("Using Redis at %s for the index version marker", cfg.Redis.Addr)
	closeClient := func() {
		if err := client.Close(); err != nil {
			log.Warn("Failed to close Redis client: %v", err)
		}
	}
	return persistence.NewRedisMarker(client, persistence.DefaultMarkerKey), closeClient, nil
}

func startMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

