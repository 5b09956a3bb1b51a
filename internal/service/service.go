package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/library"
	"github.com/MimeLyc/media-pipeline/internal/thumbnail"
	"github.com/MimeLyc/media-pipeline/pkg/file"
	"github.com/MimeLyc/media-pipeline/pkg/icron"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// Queue is the job queue driven by the worker.
type Queue interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Enqueue(ctx context.Context, payload jobs.Payload, priority jobs.Priority) (*jobs.Job, error)
	List(ctx context.Context, status jobs.Status) ([]*jobs.Job, error)
}

type WorkerConfig struct {
	Layout           library.Layout
	Sizes            []thumbnail.Spec
	RetryUnknownCron string
}

// Worker owns the lifecycle of one worker process: directory layout, the
// job queue and the retry_unknown schedule.
type Worker struct {
	cfg   WorkerConfig
	queue Queue
	cron  *cron.Cron

	group singleflight.Group
}

func NewWorker(cfg WorkerConfig, queue Queue, c *cron.Cron) *Worker {
	if c == nil {
		c = cron.New()
	}
	return &Worker{cfg: cfg, queue: queue, cron: c}
}

// EnsureLayout creates the library directories and one cache directory per
// thumbnail size.
func EnsureLayout(layout library.Layout, sizes []thumbnail.Spec) error {
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("create library layout: %w", err)
	}
	for _, s := range sizes {
		if err := file.EnsureDir(layout.ThumbnailDir(s.Name)); err != nil {
			return fmt.Errorf("create thumbnail directory %s: %w", s.Name, err)
		}
	}
	return nil
}

// Start prepares the layout, starts consuming jobs, schedules the index
// upgrade check and the periodic retry_unknown sweep.
func (w *Worker) Start(ctx context.Context) error {
	log.Info("Starting media worker")

	if err := EnsureLayout(w.cfg.Layout, w.cfg.Sizes); err != nil {
		return err
	}
	if err := w.queue.Start(ctx); err != nil {
		return err
	}
	if _, err := w.queue.Enqueue(ctx, jobs.UpgradeCheck{}, jobs.PriorityNormal); err != nil {
		return fmt.Errorf("enqueue upgrade check: %w", err)
	}

	if w.cfg.RetryUnknownCron != "" {
		if _, err := w.cron.AddFunc(w.cfg.RetryUnknownCron, func() {
			if err := w.TriggerRetryUnknown(context.Background()); err != nil {
				log.Error("Failed to schedule retry_unknown: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule retry_unknown: %w", err)
		}
		w.cron.Start()
		if info, err := icron.GetTriggerInfo(w.cfg.RetryUnknownCron, time.Now()); err == nil {
			log.Info("Next retry_unknown sweep at %s (in %s)", info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
		}
	}
	return nil
}

// TriggerRetryUnknown enqueues a retry_unknown sweep unless one is already
// waiting. Concurrent triggers collapse into one.
func (w *Worker) TriggerRetryUnknown(ctx context.Context) error {
	_, err, _ := w.group.Do("retry_unknown", func() (any, error) {
		queued, err := w.queue.List(ctx, jobs.StatusQueued)
		if err != nil {
			return nil, err
		}
		for _, j := range queued {
			if j.Kind == jobs.KindRetryUnknown {
				log.Debug("retry_unknown already queued as %s", j.ID)
				return nil, nil
			}
		}
		_, err = w.queue.Enqueue(ctx, jobs.RetryUnknown{}, jobs.PriorityLow)
		return nil, err
	})
	return err
}

// Shutdown stops the schedule and drains the queue until ctx is done.
func (w *Worker) Shutdown(ctx context.Context) error {
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	log.Info("Stopping media worker")
	return w.queue.Shutdown(ctx)
}
