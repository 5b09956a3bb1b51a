// Package migration upgrades the media index between versions. Each
// upgrade_check job advances the shared version marker by at most one step.
package migration

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/mediaindex"
	"github.com/MimeLyc/media-pipeline/internal/metrics"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

const (
	VersionNone = 0
	Version1    = 1
	Version2    = 2

	// Latest is the version at which Run becomes a no-op.
	Latest = Version2
)

// MarkerStore holds the index version shared by every worker.
type MarkerStore interface {
	// Get reports the stored version and whether one is set.
	Get(ctx context.Context) (int, bool, error)
	Set(ctx context.Context, version int) error
}

// Enqueuer is the part of the job queue the controller drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload jobs.Payload, priority jobs.Priority) (*jobs.Job, error)
	RetryFailed(ctx context.Context) (int, error)
}

// FaceIndex is the face-search index rebuilt by the V2 upgrade.
type FaceIndex interface {
	Clear(ctx context.Context) error
}

// CropStore holds the face crops referenced by the face index.
type CropStore interface {
	ClearCrops() error
}

type Option func(*Controller)

// WithConcurrency bounds how many partitions are backfilled at once.
func WithConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithFaceIndex(f FaceIndex) Option {
	return func(c *Controller) {
		c.faces = f
	}
}

// WithCrops has the V2 upgrade drop every face crop along with the index.
func WithCrops(s CropStore) Option {
	return func(c *Controller) {
		c.crops = s
	}
}

type Controller struct {
	index       *mediaindex.Index
	storageDir  string
	marker      MarkerStore
	queue       Enqueuer
	faces       FaceIndex
	crops       CropStore
	concurrency int
}

func NewController(index *mediaindex.Index, storageDir string, marker MarkerStore, queue Enqueuer, opts ...Option) *Controller {
	c := &Controller{
		index:       index,
		storageDir:  storageDir,
		marker:      marker,
		queue:       queue,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs the next pending transition, if any.
func (c *Controller) Run(ctx context.Context) error {
	version, ok, err := c.marker.Get(ctx)
	if err != nil {
		log.Error("Cannot read index version marker, skipping upgrade: %v", err)
		return err
	}
	if !ok {
		version = VersionNone
	}
	metrics.IndexVersion.Set(float64(version))

	switch {
	case version < Version1:
		log.Info("Upgrading media index to version %d", Version1)
		return c.upgradeV1(ctx)
	case version < Version2:
		log.Info("Upgrading media index to version %d", Version2)
		return c.upgradeV2(ctx)
	default:
		log.Debug("Media index is at version %d, nothing to do", version)
		return nil
	}
}

// upgradeV1 backfills missing records while scheduling face detection for
// every indexed file.
func (c *Controller) upgradeV1(ctx context.Context) error {
	partitions, err := c.index.Partitions()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.backfill(gctx, partitions)
	})
	g.Go(func() error {
		n, err := c.enqueueFaces(gctx)
		if err != nil {
			return err
		}
		if _, err := c.queue.Enqueue(gctx, jobs.RetryUnknown{}, jobs.PriorityLow); err != nil {
			return err
		}
		log.Info("Scheduled face detection for %d files", n)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("Index upgrade to version %d aborted: %v", Version1, err)
		return err
	}
	return c.setVersion(ctx, Version1)
}

// upgradeV2 rebuilds the face-search index from scratch.
func (c *Controller) upgradeV2(ctx context.Context) error {
	if c.faces != nil {
		if err := c.faces.Clear(ctx); err != nil {
			return err
		}
	}
	if c.crops != nil {
		if err := c.crops.ClearCrops(); err != nil {
			return err
		}
	}
	n, err := c.enqueueFaces(ctx)
	if err != nil {
		return err
	}
	log.Info("Scheduled face re-index for %d files", n)

	if _, err := c.queue.RetryFailed(ctx); err != nil {
		return err
	}
	return c.setVersion(ctx, Version2)
}

func (c *Controller) backfill(ctx context.Context, partitions []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, name := range partitions {
		g.Go(func() error {
			return c.backfillPartition(gctx, name)
		})
	}
	return g.Wait()
}

func (c *Controller) backfillPartition(ctx context.Context, name string) error {
	added := 0
	err := c.index.Update(ctx, name, func(p *mediaindex.Partition) error {
		added = 0
		for _, mediaPath := range p.Media {
			if _, ok := p.Records[mediaPath]; ok {
				continue
			}
			info, err := os.Stat(filepath.Join(c.storageDir, filepath.FromSlash(mediaPath)))
			if errors.Is(err, fs.ErrNotExist) {
				log.Warn("Indexed file %s is missing, leaving it without metadata", mediaPath)
				continue
			}
			if err != nil {
				return apperr.Wrap(err, apperr.IOFailure, "stat indexed file").WithContext("path", mediaPath)
			}
			p.Records[mediaPath] = mediaindex.NewRecord(info.Size())
			added++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if added > 0 {
		metrics.MigrationBackfilledTotal.Add(float64(added))
		log.Info("Backfilled %d records in partition %s", added, name)
	}
	return nil
}

func (c *Controller) enqueueFaces(ctx context.Context) (int, error) {
	media, err := c.index.AllMedia()
	if err != nil {
		return 0, err
	}
	for _, mediaPath := range media {
		payload, err := jobs.NewFilePayload(jobs.KindFacesFind, mediaPath)
		if err != nil {
			return 0, err
		}
		if _, err := c.queue.Enqueue(ctx, payload, jobs.PriorityLow); err != nil {
			return 0, err
		}
	}
	return len(media), nil
}

func (c *Controller) setVersion(ctx context.Context, version int) error {
	if err := c.marker.Set(ctx, version); err != nil {
		return err
	}
	metrics.IndexVersion.Set(float64(version))
	log.Info("Media index is now at version %d", version)
	return nil
}
