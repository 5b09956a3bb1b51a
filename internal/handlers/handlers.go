// Package handlers binds each job kind to the component that does the work.
package handlers

import (
	"context"
	"fmt"

	"github.com/MimeLyc/media-pipeline/internal/faceinfo"
	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/library"
	"github.com/MimeLyc/media-pipeline/internal/mediaindex"
	"github.com/MimeLyc/media-pipeline/internal/thumbnail"
)

// Thumbnailer derives one thumbnail and returns the path it wrote.
type Thumbnailer interface {
	Generate(ctx context.Context, src, dest string, width, height int, fit thumbnail.FitMode) (string, error)
}

// Importer moves a staged upload into the managed tree. Finish is called
// once the import is indexed and its follow-up jobs are queued.
type Importer interface {
	Import(ctx context.Context, rel string) (library.Imported, error)
	Finish(rel string) error
}

// FaceFinder detects and crops the faces of one image. RemoveCrops deletes
// crops no record refers to any more.
type FaceFinder interface {
	Find(ctx context.Context, path string) ([]faceinfo.Descriptor, error)
	RemoveCrops(bufferIDs []string) error
}

// FaceIndex receives the ranked faces of a media file.
type FaceIndex interface {
	Replace(ctx context.Context, mediaPath string, faces []faceinfo.Descriptor) error
}

// Queue is the part of the job queue handlers enqueue into.
type Queue interface {
	Enqueue(ctx context.Context, payload jobs.Payload, priority jobs.Priority) (*jobs.Job, error)
	RetryFailedKind(ctx context.Context, kind jobs.Kind, priority jobs.Priority) (int, error)
	List(ctx context.Context, status jobs.Status) ([]*jobs.Job, error)
}

// Migrator runs one index upgrade step.
type Migrator interface {
	Run(ctx context.Context) error
}

type Deps struct {
	StorageDir  string
	CacheDir    string
	Sizes       []thumbnail.Spec
	Thumbnailer Thumbnailer
	Index       *mediaindex.Index
	Importer    Importer
	Faces       FaceFinder
	// FaceIndex is optional.
	FaceIndex FaceIndex
	Queue     Queue
	Migrator  Migrator
}

type Handlers struct {
	Deps
}

func New(deps Deps) *Handlers {
	return &Handlers{Deps: deps}
}

// Registrar is implemented by *jobs.Queue.
type Registrar interface {
	RegisterHandler(kind jobs.Kind, h jobs.Handler) error
}

// Register binds every job kind on r.
func (h *Handlers) Register(r Registrar) error {
	for kind, fn := range map[jobs.Kind]jobs.Handler{
		jobs.KindCreateImageFinger: h.CreateImageFinger,
		jobs.KindImport:            h.Import,
		jobs.KindFacesFind:         h.FacesFind,
		jobs.KindRetryUnknown:      h.RetryUnknown,
		jobs.KindUpgradeCheck:      h.UpgradeCheck,
	} {
		if err := r.RegisterHandler(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

// UpgradeCheck advances the media index version by one step.
func (h *Handlers) UpgradeCheck(ctx context.Context, payload jobs.Payload, _ *jobs.Job) error {
	if _, ok := payload.(jobs.UpgradeCheck); !ok {
		return payloadError(jobs.KindUpgradeCheck, payload)
	}
	return h.Migrator.Run(ctx)
}

func payloadError(kind jobs.Kind, payload jobs.Payload) error {
	return fmt.Errorf("%s: unexpected payload %T", kind, payload)
}
