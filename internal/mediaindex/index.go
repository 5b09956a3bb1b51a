// Package mediaindex stores per-partition metadata for every managed media file.
//
// A partition is a directory under the index root, named after the first
// path segment of its media (the year for imported files). It holds:
//
//	media.lst        comma separated list of relative media paths
//	media_meta.json  JSON object mapping relative media path to Record
//	.lock            advisory lock taken by writers
package mediaindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
	"github.com/MimeLyc/media-pipeline/internal/faceinfo"
	"github.com/MimeLyc/media-pipeline/pkg/file"
)

const (
	MediaListFile = "media.lst"
	MetaFile      = "media_meta.json"
	lockFile      = ".lock"

	// DefaultUserRating is assigned to newly observed media.
	DefaultUserRating = 0.5

	lockRetryDelay = 20 * time.Millisecond
)

type Record struct {
	UserRating   float64               `json:"ur"`
	Size         int64                 `json:"s"`
	Faces        []faceinfo.Compressed `json:"f,omitempty"`
	FacesScanned bool                  `json:"fs,omitempty"`
}

// NewRecord returns the initial record for a freshly observed file.
func NewRecord(size int64) Record {
	return Record{UserRating: DefaultUserRating, Size: size}
}

// Partition is the in-memory view of one partition handed to Update callbacks.
type Partition struct {
	Name    string
	Media   []string
	Records map[string]Record

	listed map[string]struct{}
}

// AddMedia appends mediaPath to the media list unless it is already present.
func (p *Partition) AddMedia(mediaPath string) bool {
	if _, ok := p.listed[mediaPath]; ok {
		return false
	}
	p.listed[mediaPath] = struct{}{}
	p.Media = append(p.Media, mediaPath)
	return true
}

type Index struct {
	root string
}

func New(root string) *Index {
	return &Index{root: root}
}

func (idx *Index) Root() string {
	return idx.root
}

// PartitionOf returns the partition a relative media path belongs to.
func PartitionOf(mediaPath string) string {
	clean := path.Clean(filepath.ToSlash(mediaPath))
	if i := strings.IndexByte(clean, '/'); i > 0 {
		return clean[:i]
	}
	return clean
}

// Partitions returns the numeric partition names in ascending order.
// A missing index root yields no partitions.
func (idx *Index) Partitions() ([]string, error) {
	dirs, err := file.ListSubDirs(idx.root)
	if errors.Is(err, file.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.IOFailure, "list index partitions").WithContext("root", idx.root)
	}

	ret := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if isNumeric(d) {
			ret = append(ret, d)
		}
	}
	return ret, nil
}

// MediaList returns the media paths recorded in a partition's list file.
func (idx *Index) MediaList(partition string) ([]string, error) {
	p, err := idx.load(partition)
	if err != nil {
		return nil, err
	}
	return p.Media, nil
}

// AllMedia returns the media of every numeric partition.
func (idx *Index) AllMedia() ([]string, error) {
	parts, err := idx.Partitions()
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, name := range parts {
		items, err := idx.MediaList(name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, items...)
	}
	return ret, nil
}

func (idx *Index) Get(mediaPath string) (Record, bool, error) {
	p, err := idx.load(PartitionOf(mediaPath))
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := p.Records[mediaPath]
	return rec, ok, nil
}

// Records returns a copy of every record in a partition.
func (idx *Index) Records(partition string) (map[string]Record, error) {
	p, err := idx.load(partition)
	if err != nil {
		return nil, err
	}
	return p.Records, nil
}

// Update runs fn on the partition under an exclusive file lock and persists
// the result when fn returns nil.
func (idx *Index) Update(ctx context.Context, partition string, fn func(p *Partition) error) error {
	dir := idx.partitionDir(partition)
	if err := file.EnsureDir(dir); err != nil {
		return apperr.Wrap(err, apperr.IOFailure, "create partition directory").WithContext("partition", partition)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = ctx.Err()
		}
		return apperr.Wrap(err, apperr.IOFailure, "lock partition").WithContext("partition", partition)
	}
	defer func() { _ = lock.Unlock() }()

	p, err := idx.load(partition)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return idx.save(p)
}

// PutIfAbsent stores rec for mediaPath unless a record already exists.
func (idx *Index) PutIfAbsent(ctx context.Context, mediaPath string, rec Record) (bool, error) {
	var added bool
	err := idx.Update(ctx, PartitionOf(mediaPath), func(p *Partition) error {
		if _, ok := p.Records[mediaPath]; ok {
			return nil
		}
		p.Records[mediaPath] = rec
		added = true
		return nil
	})
	return added, err
}

// Add lists mediaPath in its partition and stores rec for it.
func (idx *Index) Add(ctx context.Context, mediaPath string, rec Record) error {
	return idx.Update(ctx, PartitionOf(mediaPath), func(p *Partition) error {
		p.AddMedia(mediaPath)
		p.Records[mediaPath] = rec
		return nil
	})
}

// AddIfAbsent lists mediaPath in its partition and stores rec unless a
// record already exists. It reports whether rec was stored.
func (idx *Index) AddIfAbsent(ctx context.Context, mediaPath string, rec Record) (bool, error) {
	var added bool
	err := idx.Update(ctx, PartitionOf(mediaPath), func(p *Partition) error {
		p.AddMedia(mediaPath)
		if _, ok := p.Records[mediaPath]; !ok {
			p.Records[mediaPath] = rec
			added = true
		}
		return nil
	})
	return added, err
}

// SetFaces replaces the faces of mediaPath and marks it scanned. A missing
// record is created from fallback. The replaced faces are returned.
func (idx *Index) SetFaces(ctx context.Context, mediaPath string, faces []faceinfo.Compressed, fallback Record) ([]faceinfo.Compressed, error) {
	var prev []faceinfo.Compressed
	err := idx.Update(ctx, PartitionOf(mediaPath), func(p *Partition) error {
		rec, ok := p.Records[mediaPath]
		if !ok {
			rec = fallback
		}
		prev = rec.Faces
		rec.Faces = faces
		rec.FacesScanned = true
		p.Records[mediaPath] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (idx *Index) partitionDir(partition string) string {
	return filepath.Join(idx.root, partition)
}

func (idx *Index) load(partition string) (*Partition, error) {
	dir := idx.partitionDir(partition)
	p := &Partition{
		Name:    partition,
		Records: make(map[string]Record),
		listed:  make(map[string]struct{}),
	}

	list, err := os.ReadFile(filepath.Join(dir, MediaListFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, apperr.Wrap(err, apperr.IOFailure, "read media list").WithContext("partition", partition)
	default:
		for _, item := range strings.Split(string(list), ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				p.AddMedia(item)
			}
		}
	}

	meta, err := os.ReadFile(filepath.Join(dir, MetaFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, apperr.Wrap(err, apperr.IOFailure, "read media metadata").WithContext("partition", partition)
	case len(strings.TrimSpace(string(meta))) > 0:
		if err := json.Unmarshal(meta, &p.Records); err != nil {
			return nil, apperr.Wrap(err, apperr.IOFailure, "decode media metadata").WithContext("partition", partition)
		}
		if p.Records == nil {
			p.Records = make(map[string]Record)
		}
	}
	return p, nil
}

func (idx *Index) save(p *Partition) error {
	dir := idx.partitionDir(p.Name)

	meta, err := json.Marshal(p.Records)
	if err != nil {
		return apperr.Wrap(err, apperr.IOFailure, "encode media metadata").WithContext("partition", p.Name)
	}
	if err := writeAtomic(filepath.Join(dir, MetaFile), meta); err != nil {
		return apperr.Wrap(err, apperr.IOFailure, "write media metadata").WithContext("partition", p.Name)
	}
	if err := writeAtomic(filepath.Join(dir, MediaListFile), []byte(strings.Join(p.Media, ","))); err != nil {
		return apperr.Wrap(err, apperr.IOFailure, "write media list").WithContext("partition", p.Name)
	}
	return nil
}

func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	return nil
}

func isNumeric(s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}
