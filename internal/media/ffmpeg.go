package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// FFmpeg shells out to ffmpeg and ffprobe found on PATH.
type FFmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
}

func NewFFmpeg() FFmpeg {
	return FFmpeg{
		ffmpegCmd:  "ffmpeg",
		ffprobeCmd: "ffprobe",
	}
}

// Duration returns the container duration of path in seconds.
func (ff FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmdPath, err := exec.LookPath(ff.ffprobeCmd)
	if err != nil {
		return 0, err
	}
	cmd := exec.CommandContext(ctx, cmdPath, ff.probeArgs(path)...)

	output, err := cmd.Output()
	if err != nil {
		log.Error("Failed to run ffprobe on %s: %v", path, err)
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	var probeResult struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probeResult); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	raw := strings.TrimSpace(probeResult.Format.Duration)
	if raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration for %s", path)
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return d, nil
}

// ExtractFrame writes the frame at offset seconds to dest, scaled to
// width x height. A zero dimension keeps the aspect ratio on that axis.
func (ff FFmpeg) ExtractFrame(ctx context.Context, src, dest string, offset float64, width, height int) error {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, cmdPath, ff.frameArgs(src, dest, offset, width, height)...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ExtractMidFrame extracts the frame at the temporal midpoint of src.
func (ff FFmpeg) ExtractMidFrame(ctx context.Context, src, dest string, width, height int) error {
	duration, err := ff.Duration(ctx, src)
	if err != nil {
		return err
	}
	return ff.ExtractFrame(ctx, src, dest, duration/2, width, height)
}

func (FFmpeg) probeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}
}

func (FFmpeg) frameArgs(src, dest string, offset float64, width, height int) []string {
	args := []string{
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", src,
		"-frames:v", "1",
	}
	if filter := ScaleFilter(width, height); filter != "" {
		args = append(args, "-vf", filter)
	}
	return append(args, "-q:v", "2", "-y", dest)
}

// ScaleFilter builds an ffmpeg scale filter, using -1 for unconstrained axes.
func ScaleFilter(width, height int) string {
	if width <= 0 && height <= 0 {
		return ""
	}
	return fmt.Sprintf("scale=%d:%d", dim(width), dim(height))
}

func dim(v int) int {
	if v <= 0 {
		return -1
	}
	return v
}
