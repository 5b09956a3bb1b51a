package handlers

import (
	"context"

	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/mediaindex"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// Import moves a staged upload into the dated tree, records it in the media
// index and schedules its thumbnails and face detection. A redelivered job
// picks up after the move; an existing index record is kept.
func (h *Handlers) Import(ctx context.Context, payload jobs.Payload, _ *jobs.Job) error {
	p, ok := payload.(jobs.Import)
	if !ok {
		return payloadError(jobs.KindImport, payload)
	}

	imported, err := h.Importer.Import(ctx, p.File)
	if err != nil {
		return err
	}
	if _, err := h.Index.AddIfAbsent(ctx, imported.Path, mediaindex.NewRecord(imported.Size)); err != nil {
		return err
	}

	if _, err := h.Queue.Enqueue(ctx, jobs.CreateImageFinger{Title: p.Title, File: imported.Path}, jobs.PriorityNormal); err != nil {
		return err
	}
	if _, err := h.Queue.Enqueue(ctx, jobs.FacesFind{Title: p.Title, File: imported.Path}, jobs.PriorityLow); err != nil {
		return err
	}
	if err := h.Importer.Finish(p.File); err != nil {
		return err
	}
	if imported.Resumed {
		log.Info("Completed interrupted import of %s as %s", p.File, imported.Path)
	} else {
		log.Info("Imported %s as %s", p.File, imported.Path)
	}
	return nil
}
