package thumbnail

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
)

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, imaging.Save(img, path))
}

func setMtime(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func imageSize(t *testing.T, path string) (int, int) {
	t.Helper()
	img, err := imaging.Open(path)
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

type recordingExtractor struct {
	src, dest     string
	width, height int
	err           error
}

func (r *recordingExtractor) ExtractMidFrame(_ context.Context, src, dest string, width, height int) error {
	r.src, r.dest, r.width, r.height = src, dest, width, height
	return r.err
}

func TestIsVideo(t *testing.T) {
	for _, name := range []string{"clip.mov", "CLIP.MP4", "a.m4a", "b.mpg", "c.mpeg", "dir/x.MoV"} {
		assert.True(t, IsVideo(name), name)
	}
	for _, name := range []string{".mov", "photo.jpg", "mov", "clip.mov.jpg", "dir/.hidden.mp4"} {
		assert.False(t, IsVideo(name), name)
	}
}

func TestImageFileName(t *testing.T) {
	assert.Equal(t, filepath.Join("cache", "300", "clip.jpg"), ImageFileName(filepath.Join("cache", "300", "clip.mov")))
	assert.Equal(t, filepath.Join("cache", "300", "a.png"), ImageFileName(filepath.Join("cache", "300", "a.png")))
}

func TestNeedsRegeneration(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dest := filepath.Join(dir, "out", "src.png")
	writeImage(t, src, 4, 4)
	now := time.Now()
	setMtime(t, src, now)

	got, err := NeedsRegeneration(src, dest)
	require.NoError(t, err)
	assert.True(t, got, "missing destination")

	writeImage(t, dest, 2, 2)
	setMtime(t, dest, now.Add(-time.Minute))
	got, err = NeedsRegeneration(src, dest)
	require.NoError(t, err)
	assert.True(t, got, "older destination")

	setMtime(t, dest, now)
	got, err = NeedsRegeneration(src, dest)
	require.NoError(t, err)
	assert.False(t, got, "same mtime")

	setMtime(t, dest, now.Add(time.Minute))
	got, err = NeedsRegeneration(src, dest)
	require.NoError(t, err)
	assert.False(t, got, "newer destination")
}

func TestNeedsRegeneration_VideoChecksStillImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.mov")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))
	now := time.Now()
	setMtime(t, src, now)

	still := filepath.Join(dir, "cache", "clip.jpg")
	writeImage(t, still, 2, 2)
	setMtime(t, still, now.Add(time.Minute))

	got, err := NeedsRegeneration(src, filepath.Join(dir, "cache", "clip.mov"))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestNeedsRegeneration_MissingSource(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "dest.png")
	writeImage(t, dest, 2, 2)

	_, err := NeedsRegeneration(filepath.Join(dir, "gone.png"), dest)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestGenerate_ExactSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writeImage(t, src, 64, 32)
	dest := filepath.Join(dir, "cache", "300", "2020", "a.png")

	out, err := NewDeriver().Generate(context.Background(), src, dest, 16, 16, FitExact)
	require.NoError(t, err)
	assert.Equal(t, dest, out)
	w, h := imageSize(t, dest)
	assert.Equal(t, 16, w)
	assert.Equal(t, 16, h)
}

func TestGenerate_MaxSizeLandscapeConstrainsWidth(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "wide.png")
	writeImage(t, src, 80, 40)
	dest := filepath.Join(dir, "out", "wide.png")

	_, err := NewDeriver().Generate(context.Background(), src, dest, 20, 20, FitMaxSize)
	require.NoError(t, err)
	w, h := imageSize(t, dest)
	assert.Equal(t, 20, w)
	assert.Equal(t, 10, h)
}

func TestGenerate_MaxSizePortraitConstrainsHeight(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tall.png")
	writeImage(t, src, 40, 80)
	dest := filepath.Join(dir, "out", "tall.png")

	_, err := NewDeriver().Generate(context.Background(), src, dest, 20, 20, FitMaxSize)
	require.NoError(t, err)
	w, h := imageSize(t, dest)
	assert.Equal(t, 10, w)
	assert.Equal(t, 20, h)
}

func TestGenerate_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	dest := filepath.Join(dir, "out", "a.png")
	writeImage(t, src, 40, 40)
	writeImage(t, dest, 3, 3)

	_, err := NewDeriver().Generate(context.Background(), src, dest, 8, 8, FitExact)
	require.NoError(t, err)
	w, _ := imageSize(t, dest)
	assert.Equal(t, 8, w)
}

func TestGenerate_UnwritableFormatFallsBackToJPEG(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writeImage(t, src, 10, 10)
	dest := filepath.Join(dir, "out", "a.webp")

	_, err := NewDeriver().Generate(context.Background(), src, dest, 5, 5, FitExact)
	require.NoError(t, err)
	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	_, format, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestGenerate_VideoUsesStillPathAndMidFrame(t *testing.T) {
	dir := t.TempDir()
	fe := &recordingExtractor{}
	d := NewDeriver(WithFrameExtractor(fe))

	out, err := d.Generate(context.Background(), "/lib/2020/clip.mov", filepath.Join(dir, "1920", "clip.mov"), 1920, 1080, FitMaxSize)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1920", "clip.jpg"), out)
	assert.Equal(t, out, fe.dest)
	assert.Equal(t, 1920, fe.width)
	assert.Equal(t, 0, fe.height)
	assert.DirExists(t, filepath.Join(dir, "1920"))
}

func TestGenerate_VideoErrorCarriesSource(t *testing.T) {
	fe := &recordingExtractor{err: assert.AnError}
	d := NewDeriver(WithFrameExtractor(fe))

	_, err := d.Generate(context.Background(), "/lib/clip.mp4", filepath.Join(t.TempDir(), "clip.mp4"), 300, 300, FitExact)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.IOFailure))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "/lib/clip.mp4")
}

func TestGenerate_CorruptImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0o644))

	_, err := NewDeriver().Generate(context.Background(), src, filepath.Join(dir, "out", "broken.jpg"), 10, 10, FitExact)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.IOFailure))
	assert.Contains(t, err.Error(), src)
}

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs(DefaultSpecs)
	require.NoError(t, err)
	assert.Equal(t, []Spec{
		{Name: "300", Width: 300, Height: 300, Fit: FitExact},
		{Name: "1920", Width: 1920, Height: 1080, Fit: FitMaxSize},
	}, specs)

	specs, err = ParseSpecs("w:640x?")
	require.NoError(t, err)
	assert.Equal(t, []Spec{{Name: "w", Width: 640}}, specs)

	for _, bad := range []string{"", "300", "a:axb", "a:?x?", "a:1x1,a:2x2", "a:1x1:crop", "../x:1x1", "info:100x100", "faces:64x64", "..:1x1"} {
		_, err := ParseSpecs(bad)
		assert.Error(t, err, bad)
	}
}
