package faces

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/MimeLyc/media-pipeline/internal/faceinfo"
	"github.com/MimeLyc/media-pipeline/pkg/file"
)

// Finder turns detector boxes into descriptors with saved crops.
type Finder struct {
	detector Detector
	cropDir  string
}

func NewFinder(detector Detector, cropDir string) *Finder {
	if detector == nil {
		detector = NoDetector{}
	}
	return &Finder{detector: detector, cropDir: cropDir}
}

// CropPath is where the crop for bufferID is stored.
func (f *Finder) CropPath(bufferID string) string {
	return filepath.Join(f.cropDir, bufferID+".jpg")
}

// RemoveCrops deletes the crops of bufferIDs. Missing crops are ignored.
func (f *Finder) RemoveCrops(bufferIDs []string) error {
	var errs []error
	for _, id := range bufferIDs {
		if id == "" {
			continue
		}
		if err := os.Remove(f.CropPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearCrops deletes every crop in the crop directory.
func (f *Finder) ClearCrops() error {
	entries, err := os.ReadDir(f.cropDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read crop directory: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(f.cropDir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Find detects faces in the image at path. Each face is cropped, scored and
// saved under the crop directory named by its buffer id.
func (f *Finder) Find(ctx context.Context, path string) ([]faceinfo.Descriptor, error) {
	boxes, err := f.detector.Detect(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := file.EnsureDir(f.cropDir); err != nil {
		return nil, fmt.Errorf("create crop directory: %w", err)
	}

	ret := make([]faceinfo.Descriptor, 0, len(boxes))
	for _, box := range boxes {
		rect := toRect(box).Intersect(img.Bounds())
		if rect.Empty() {
			continue
		}
		crop := imaging.Crop(img, rect)
		d := faceinfo.Descriptor{
			X:         rect.Min.X,
			Y:         rect.Min.Y,
			W:         rect.Dx(),
			H:         rect.Dy(),
			BufferID:  uuid.NewString(),
			Sharpness: Sharpness(crop),
		}
		if err := imaging.Save(crop, f.CropPath(d.BufferID)); err != nil {
			_ = f.RemoveCrops(BufferIDs(ret))
			return nil, fmt.Errorf("save face crop: %w", err)
		}
		ret = append(ret, d)
	}
	return ret, nil
}

func toRect(b Box) image.Rectangle {
	x, y := faceinfo.Quantize(b.X), faceinfo.Quantize(b.Y)
	return image.Rect(x, y, x+faceinfo.Quantize(b.W), y+faceinfo.Quantize(b.H))
}

// Sharpness is the variance of the Laplacian of the grayscale image.
// Blurry crops score low.
func Sharpness(img image.Image) float64 {
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	if w < 3 || h < 3 {
		return 0
	}

	at := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x*4])
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// BufferIDs returns the buffer ids of faces in order.
func BufferIDs(faces []faceinfo.Descriptor) []string {
	ids := make([]string, 0, len(faces))
	for _, d := range faces {
		ids = append(ids, d.BufferID)
	}
	return ids
}
