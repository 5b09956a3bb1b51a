package library

import (
	"path/filepath"

	"github.com/MimeLyc/media-pipeline/pkg/file"
)

// Directories under the storage root.
const (
	UploadDir  = "upload"
	ImportDir  = "import"
	DeletedDir = "deleted"
)

// Layout resolves the fixed directories of a library.
type Layout struct {
	StorageDir string
	CacheDir   string
}

// InfoDir is the media index root.
func (l Layout) InfoDir() string {
	return filepath.Join(l.CacheDir, "info")
}

// FacesDir holds face crops named by buffer id.
func (l Layout) FacesDir() string {
	return filepath.Join(l.CacheDir, "faces")
}

// ThumbnailDir holds the thumbnails of one size.
func (l Layout) ThumbnailDir(size string) string {
	return filepath.Join(l.CacheDir, size)
}

// Ensure creates every fixed directory.
func (l Layout) Ensure() error {
	for _, dir := range []string{
		filepath.Join(l.StorageDir, UploadDir),
		filepath.Join(l.StorageDir, ImportDir),
		filepath.Join(l.StorageDir, DeletedDir),
		l.InfoDir(),
		l.FacesDir(),
	} {
		if err := file.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}
