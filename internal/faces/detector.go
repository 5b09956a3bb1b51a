package faces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoDetector is returned when face detection has not been configured.
var ErrNoDetector = errors.New("face detector not configured")

// Box is a detected face in source image pixels.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detector finds faces in the image at path.
type Detector interface {
	Detect(ctx context.Context, path string) ([]Box, error)
}

// CommandDetector runs an external program with the image path appended to
// its arguments. The program prints a JSON array of boxes on stdout.
type CommandDetector struct {
	name string
	args []string
}

// NewCommandDetector parses a whitespace separated command line.
func NewCommandDetector(cmdline string) (*CommandDetector, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, ErrNoDetector
	}
	return &CommandDetector{name: fields[0], args: fields[1:]}, nil
}

func (d *CommandDetector) Detect(ctx context.Context, path string) ([]Box, error) {
	cmdPath, err := exec.LookPath(d.name)
	if err != nil {
		return nil, fmt.Errorf("face detector: %w", err)
	}

	args := append(append([]string{}, d.args...), path)
	cmd := exec.CommandContext(ctx, cmdPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("face detector on %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	var boxes []Box
	if err := json.Unmarshal(out, &boxes); err != nil {
		return nil, fmt.Errorf("parse face detector output: %w", err)
	}
	return boxes, nil
}

// NoDetector fails every detection with ErrNoDetector.
type NoDetector struct{}

func (NoDetector) Detect(context.Context, string) ([]Box, error) {
	return nil, ErrNoDetector
}
