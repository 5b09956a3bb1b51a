package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
	"github.com/MimeLyc/media-pipeline/pkg/file"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// journalDir holds in-flight import destinations. It is hidden so Staged
// skips it.
const journalDir = ".importing"

// ErrCollision is returned when the import destination already exists.
var ErrCollision = errors.New("destination already exists")

// DateFunc picks the capture date used to place an imported file.
type DateFunc func(path string, info fs.FileInfo) time.Time

// ModTimeDate places files by their modification time.
func ModTimeDate(_ string, info fs.FileInfo) time.Time {
	return info.ModTime()
}

type importerOptions struct {
	dateFunc   DateFunc
	stagingDir string
}

type Option func(*importerOptions)

func WithDateFunc(f DateFunc) Option {
	return func(o *importerOptions) {
		o.dateFunc = f
	}
}

// WithStagingDir overrides <storageDir>/upload as the staging area.
func WithStagingDir(dir string) Option {
	return func(o *importerOptions) {
		o.stagingDir = dir
	}
}

// Imported describes a file moved into the managed tree.
type Imported struct {
	// Path is relative to the storage dir, e.g. 2021/03/04/IMG_1.jpg.
	Path string
	Size int64
	// Resumed is set when an earlier run already moved the file.
	Resumed bool
}

// Importer moves staged uploads into <storageDir>/YYYY/MM/DD.
type Importer struct {
	storageDir string
	stagingDir string
	dateFunc   DateFunc
}

func NewImporter(storageDir string, opts ...Option) *Importer {
	options := importerOptions{
		dateFunc:   ModTimeDate,
		stagingDir: filepath.Join(storageDir, UploadDir),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Importer{
		storageDir: storageDir,
		stagingDir: options.stagingDir,
		dateFunc:   options.dateFunc,
	}
}

func (im *Importer) StagingDir() string {
	return im.stagingDir
}

// Staged lists files waiting in the staging area.
func (im *Importer) Staged() ([]string, error) {
	return file.ListFiles(im.stagingDir)
}

// Import moves the staged file rel into the managed tree. The file name is
// NFC normalised. An existing destination is never overwritten.
//
// The destination is journaled under the staging dir before the move and
// kept until Finish. A repeated Import of rel after an interrupted run
// completes the move, or returns the journaled destination with Resumed set
// when the staged file is already gone.
func (im *Importer) Import(ctx context.Context, rel string) (Imported, error) {
	if err := ctx.Err(); err != nil {
		return Imported{}, err
	}
	prev, journaled, err := im.readJournal(rel)
	if err != nil {
		return Imported{}, apperr.Wrap(err, apperr.IOFailure, "read import journal").WithContext("path", rel)
	}

	src := filepath.Join(im.stagingDir, filepath.FromSlash(rel))
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		if journaled {
			return im.resume(rel, prev)
		}
		return Imported{}, apperr.Wrap(err, apperr.NotFound, "staged file missing").WithContext("path", rel)
	}
	if err != nil {
		return Imported{}, apperr.Wrap(err, apperr.IOFailure, "stat staged file").WithContext("path", rel)
	}
	if !info.Mode().IsRegular() {
		return Imported{}, apperr.Newf(apperr.Validation, "staged path is not a regular file: %s", rel)
	}

	date := im.dateFunc(src, info)
	name := norm.NFC.String(filepath.Base(src))
	destRel := path.Join(date.Format("2006"), date.Format("01"), date.Format("02"), name)
	dest := filepath.Join(im.storageDir, filepath.FromSlash(destRel))

	if err := file.EnsureDir(filepath.Dir(dest)); err != nil {
		return Imported{}, apperr.Wrap(err, apperr.IOFailure, "create destination directory").WithContext("path", destRel)
	}
	if journaled && prev == destRel {
		// dest, if present, was written by the interrupted run.
		if err := clearPartial(src, dest); err != nil {
			return Imported{}, apperr.Wrap(err, apperr.IOFailure, "clear interrupted import").WithContext("path", destRel)
		}
	}
	if err := im.writeJournal(rel, destRel); err != nil {
		return Imported{}, apperr.Wrap(err, apperr.IOFailure, "write import journal").WithContext("path", rel)
	}
	if err := move(src, dest, info); err != nil {
		if errors.Is(err, ErrCollision) {
			_ = im.Finish(rel)
			return Imported{}, apperr.Wrap(err, apperr.IOFailure, "import collision").WithContext("path", destRel)
		}
		return Imported{}, apperr.Wrap(err, apperr.IOFailure, "move staged file").WithContext("path", rel)
	}

	log.Info("Imported %s -> %s", rel, destRel)
	return Imported{Path: destRel, Size: info.Size()}, nil
}

func (im *Importer) resume(rel, destRel string) (Imported, error) {
	info, err := os.Stat(filepath.Join(im.storageDir, filepath.FromSlash(destRel)))
	if errors.Is(err, fs.ErrNotExist) {
		_ = im.Finish(rel)
		return Imported{}, apperr.Wrap(err, apperr.NotFound, "staged file missing").WithContext("path", rel)
	}
	if err != nil {
		return Imported{}, apperr.Wrap(err, apperr.IOFailure, "stat imported file").WithContext("path", destRel)
	}
	log.Info("Resuming import of %s as %s", rel, destRel)
	return Imported{Path: destRel, Size: info.Size(), Resumed: true}, nil
}

// Finish drops the journal entry of rel once its import is fully recorded.
func (im *Importer) Finish(rel string) error {
	err := os.Remove(im.journalPath(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(err, apperr.IOFailure, "remove import journal").WithContext("path", rel)
	}
	return nil
}

func (im *Importer) journalPath(rel string) string {
	return filepath.Join(im.stagingDir, journalDir, filepath.FromSlash(rel))
}

func (im *Importer) readJournal(rel string) (string, bool, error) {
	data, err := os.ReadFile(im.journalPath(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

func (im *Importer) writeJournal(rel, destRel string) error {
	p := im.journalPath(rel)
	if err := file.EnsureDir(filepath.Dir(p)); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(destRel+"\n"), 0o644)
}

// clearPartial removes what an interrupted move left at dest. A hard link to
// src is kept and src alone is moved on.
func clearPartial(src, dest string) error {
	destInfo, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if os.SameFile(srcInfo, destInfo) {
		return nil
	}
	return os.Remove(dest)
}

// move relocates src to dest without replacing an existing dest. It hard
// links when possible and copies otherwise.
func move(src, dest string, info fs.FileInfo) error {
	err := os.Link(src, dest)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		if destInfo, serr := os.Stat(dest); serr == nil && os.SameFile(info, destInfo) {
			break
		}
		return ErrCollision
	default:
		if err := copyExclusive(src, dest, info); err != nil {
			return err
		}
	}
	return os.Remove(src)
}

func copyExclusive(src, dest string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if errors.Is(err, fs.ErrExist) {
		return ErrCollision
	}
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}
