package handlers

import (
	"context"

	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// RetryUnknown requeues failed face detection at low priority and schedules
// detection for indexed media that was never scanned. Errors are logged and
// the job always succeeds.
func (h *Handlers) RetryUnknown(ctx context.Context, _ jobs.Payload, _ *jobs.Job) error {
	if n, err := h.Queue.RetryFailedKind(ctx, jobs.KindFacesFind, jobs.PriorityLow); err != nil {
		log.Warn("retry_unknown: requeue failed face jobs: %v", err)
	} else if n > 0 {
		log.Info("retry_unknown: requeued %d failed face jobs", n)
	}

	pending, err := h.pendingFaceJobs(ctx)
	if err != nil {
		log.Warn("retry_unknown: list pending face jobs: %v", err)
		return nil
	}

	partitions, err := h.Index.Partitions()
	if err != nil {
		log.Warn("retry_unknown: list partitions: %v", err)
		return nil
	}

	scheduled := 0
	for _, name := range partitions {
		media, err := h.Index.MediaList(name)
		if err != nil {
			log.Warn("retry_unknown: read partition %s: %v", name, err)
			continue
		}
		records, err := h.Index.Records(name)
		if err != nil {
			log.Warn("retry_unknown: read partition %s: %v", name, err)
			continue
		}
		for _, mediaPath := range media {
			if rec, ok := records[mediaPath]; ok && rec.FacesScanned {
				continue
			}
			if _, ok := pending[mediaPath]; ok {
				continue
			}
			if _, err := h.Queue.Enqueue(ctx, jobs.FacesFind{Title: mediaPath, File: mediaPath}, jobs.PriorityLow); err != nil {
				log.Warn("retry_unknown: enqueue faces_find for %s: %v", mediaPath, err)
				return nil
			}
			scheduled++
		}
	}
	if scheduled > 0 {
		log.Info("retry_unknown: scheduled face detection for %d unscanned files", scheduled)
	}
	return nil
}

// pendingFaceJobs returns the files with a queued or running faces_find job.
func (h *Handlers) pendingFaceJobs(ctx context.Context) (map[string]struct{}, error) {
	ret := make(map[string]struct{})
	for _, status := range []jobs.Status{jobs.StatusQueued, jobs.StatusActive} {
		list, err := h.Queue.List(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, j := range list {
			if p, ok := j.Payload.(jobs.FacesFind); ok {
				ret[p.File] = struct{}{}
			}
		}
	}
	return ret, nil
}
