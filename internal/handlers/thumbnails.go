package handlers

import (
	"context"
	"path/filepath"

	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/metrics"
	"github.com/MimeLyc/media-pipeline/internal/thumbnail"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// CreateImageFinger derives every configured thumbnail size of the file,
// skipping sizes that are already newer than the source.
func (h *Handlers) CreateImageFinger(ctx context.Context, payload jobs.Payload, _ *jobs.Job) error {
	p, ok := payload.(jobs.CreateImageFinger)
	if !ok {
		return payloadError(jobs.KindCreateImageFinger, payload)
	}
	src := h.sourcePath(p.File)

	for _, size := range h.Sizes {
		if _, err := h.ensureThumbnail(ctx, src, p.File, size); err != nil {
			return err
		}
	}
	return nil
}

// ensureThumbnail regenerates one size when stale and returns the path of
// the still image on disk.
func (h *Handlers) ensureThumbnail(ctx context.Context, src, rel string, size thumbnail.Spec) (string, error) {
	dest := h.thumbnailPath(size, rel)
	stale, err := thumbnail.NeedsRegeneration(src, dest)
	if err != nil {
		return "", err
	}
	if !stale {
		metrics.ThumbnailsSkippedTotal.Inc()
		return thumbnail.ImageFileName(dest), nil
	}

	out, err := h.Thumbnailer.Generate(ctx, src, dest, size.Width, size.Height, size.Fit)
	if err != nil {
		metrics.ThumbnailsGeneratedTotal.WithLabelValues(size.Name, "failed").Inc()
		return "", err
	}
	metrics.ThumbnailsGeneratedTotal.WithLabelValues(size.Name, "ok").Inc()
	log.Debug("Thumbnail %s written to %s", size.Name, out)
	return out, nil
}

func (h *Handlers) sourcePath(rel string) string {
	return filepath.Join(h.StorageDir, filepath.FromSlash(rel))
}

func (h *Handlers) thumbnailPath(size thumbnail.Spec, rel string) string {
	return filepath.Join(h.CacheDir, size.Name, filepath.FromSlash(rel))
}

// previewSize is the largest configured size. Face detection on videos runs
// against its still frame.
func (h *Handlers) previewSize() (thumbnail.Spec, bool) {
	var (
		best    thumbnail.Spec
		longest = -1
	)
	for _, s := range h.Sizes {
		l := max(s.Width, s.Height)
		if l > longest {
			best, longest = s, l
		}
	}
	return best, longest >= 0
}
