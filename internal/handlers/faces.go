package handlers

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
	"github.com/MimeLyc/media-pipeline/internal/faceinfo"
	"github.com/MimeLyc/media-pipeline/internal/faces"
	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/mediaindex"
	"github.com/MimeLyc/media-pipeline/internal/metrics"
	"github.com/MimeLyc/media-pipeline/internal/thumbnail"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// FacesFind detects faces in the file and stores them, largest first, in
// its media index record. Concurrent runs for one file: last writer wins.
func (h *Handlers) FacesFind(ctx context.Context, payload jobs.Payload, _ *jobs.Job) error {
	p, ok := payload.(jobs.FacesFind)
	if !ok {
		return payloadError(jobs.KindFacesFind, payload)
	}

	src := h.sourcePath(p.File)
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(err, apperr.NotFound, "media file missing").WithContext("path", p.File)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.IOFailure, "stat media file").WithContext("path", p.File)
	}

	target := src
	if thumbnail.IsVideo(src) {
		size, ok := h.previewSize()
		if !ok {
			return apperr.New(apperr.Validation, "no thumbnail size to extract video frames with")
		}
		if target, err = h.ensureThumbnail(ctx, src, p.File, size); err != nil {
			return err
		}
	}

	found, err := h.Faces.Find(ctx, target)
	if err != nil {
		return err
	}
	faceinfo.RankDescending(found)

	prev, err := h.Index.SetFaces(ctx, p.File, faceinfo.CompressAll(found), mediaindex.NewRecord(info.Size()))
	if err != nil {
		h.removeCrops(p.File, faces.BufferIDs(found))
		return err
	}
	h.removeCrops(p.File, staleCrops(prev, found))

	if h.FaceIndex != nil {
		if err := h.FaceIndex.Replace(ctx, p.File, found); err != nil {
			return apperr.Wrap(err, apperr.BackendUnavailable, "update face index").WithContext("path", p.File)
		}
	}

	metrics.FacesDetectedTotal.Add(float64(len(found)))
	log.Debug("Found %d faces in %s", len(found), p.File)
	return nil
}

func (h *Handlers) removeCrops(mediaPath string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := h.Faces.RemoveCrops(ids); err != nil {
		log.Warn("Failed to remove %d face crops of %s: %v", len(ids), mediaPath, err)
	}
}

// staleCrops lists the buffer ids of prev that found no longer uses.
func staleCrops(prev []faceinfo.Compressed, found []faceinfo.Descriptor) []string {
	keep := make(map[string]struct{}, len(found))
	for _, d := range found {
		keep[d.BufferID] = struct{}{}
	}
	var ret []string
	for _, c := range prev {
		if _, ok := keep[c.B]; !ok {
			ret = append(ret, c.B)
		}
	}
	return ret
}
