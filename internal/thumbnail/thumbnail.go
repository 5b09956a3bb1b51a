package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
	"github.com/MimeLyc/media-pipeline/internal/media"
	"github.com/MimeLyc/media-pipeline/pkg/file"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// FitMode selects how the requested box constrains the output.
type FitMode int

const (
	// FitExact fills width x height, cropping the overflow. A zero dimension
	// is unconstrained.
	FitExact FitMode = iota
	// FitMaxSize constrains only the longer axis of the source.
	FitMaxSize
)

const stillExt = ".jpg"

var videoPattern = regexp.MustCompile(`(?i)^[^.].*\.(m4a|mp4|mpe?g|mov)$`)

// IsVideo reports whether name has a video container suffix.
func IsVideo(name string) bool {
	return videoPattern.MatchString(filepath.Base(name))
}

// ImageFileName returns the path the artifact for dest is actually written to.
// Video destinations are rewritten to a still-image extension.
func ImageFileName(dest string) string {
	if IsVideo(dest) {
		return file.ReplaceExt(dest, stillExt)
	}
	return dest
}

// NeedsRegeneration reports whether the artifact for dest is missing or older
// than src. Only modification times are compared.
func NeedsRegeneration(src, dest string) (bool, error) {
	destInfo, err := os.Stat(ImageFileName(dest))
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.IOFailure, "stat thumbnail").WithContext("path", dest)
	}

	srcInfo, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, apperr.Wrap(err, apperr.NotFound, "source missing").WithContext("path", src)
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.IOFailure, "stat source").WithContext("path", src)
	}
	return destInfo.ModTime().Before(srcInfo.ModTime()), nil
}

// FrameExtractor grabs a representative still from a video.
type FrameExtractor interface {
	ExtractMidFrame(ctx context.Context, src, dest string, width, height int) error
}

type Option func(*Deriver)

func WithFrameExtractor(fe FrameExtractor) Option {
	return func(d *Deriver) {
		d.frames = fe
	}
}

type Deriver struct {
	frames FrameExtractor
}

func NewDeriver(opts ...Option) *Deriver {
	d := &Deriver{frames: media.NewFFmpeg()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Generate writes a thumbnail of src to dest and returns the path written.
// On error the state of the destination is undefined.
func (d *Deriver) Generate(ctx context.Context, src, dest string, width, height int, fit FitMode) (string, error) {
	if err := file.EnsureDir(filepath.Dir(dest)); err != nil {
		return "", genError(err, src, "create destination directory")
	}

	if IsVideo(src) {
		out := ImageFileName(dest)
		if fit == FitMaxSize {
			height = 0
		}
		log.Debug("Extracting frame %s -> %s (%dx%d)", src, out, width, height)
		if err := d.frames.ExtractMidFrame(ctx, src, out, width, height); err != nil {
			return out, genError(err, src, "extract video frame")
		}
		return out, nil
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dest, apperr.Wrap(err, apperr.NotFound, "source missing").WithContext("path", src)
		}
		return dest, genError(err, src, "decode image")
	}

	if fit == FitMaxSize {
		b := img.Bounds()
		if b.Dy() > 0 && float64(b.Dx())/float64(b.Dy()) > 1 {
			height = 0
		} else {
			width = 0
		}
	}

	if err := ctx.Err(); err != nil {
		return dest, genError(err, src, "resize image")
	}
	if err := save(resize(img, width, height), dest); err != nil {
		return dest, genError(err, src, "write thumbnail")
	}
	return dest, nil
}

func resize(img image.Image, width, height int) image.Image {
	switch {
	case width <= 0 && height <= 0:
		return img
	case width > 0 && height > 0:
		return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	default:
		return imaging.Resize(img, max(width, 0), max(height, 0), imaging.Lanczos)
	}
}

// save encodes by extension, falling back to JPEG for formats imaging cannot write.
func save(img image.Image, dest string) error {
	if _, err := imaging.FormatFromFilename(dest); err == nil {
		return imaging.Save(img, dest)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func genError(err error, src, msg string) error {
	return apperr.Wrap(err, apperr.IOFailure, fmt.Sprintf("thumbnail: %s", msg)).WithContext("path", src)
}
