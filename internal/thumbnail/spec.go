package thumbnail

import (
	"fmt"
	"strconv"
	"strings"
)

// Spec names one derived size. Thumbnails for a spec live under <cacheDir>/<Name>.
type Spec struct {
	Name   string
	Width  int
	Height int
	Fit    FitMode
}

// reservedNames are cache subdirectories owned by the media index and the
// face crops.
var reservedNames = map[string]struct{}{
	"info":  {},
	"faces": {},
}

// IsReservedName reports whether name is a cache directory a size may not use.
func IsReservedName(name string) bool {
	_, ok := reservedNames[name]
	return ok || name == "." || name == ".."
}

// DefaultSpecs is the grid thumbnail plus the screen-sized preview.
const DefaultSpecs = "300:300x300,1920:1920x1080:max"

// ParseSpecs parses a comma separated list of name:WxH[:max] entries.
func ParseSpecs(raw string) ([]Spec, error) {
	var ret []Spec
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		s, err := parseSpec(entry)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate thumbnail size %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		ret = append(ret, s)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("no thumbnail sizes configured")
	}
	return ret, nil
}

func parseSpec(entry string) (Spec, error) {
	parts := strings.Split(entry, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Spec{}, fmt.Errorf("invalid thumbnail size %q: want name:WxH[:max]", entry)
	}
	s := Spec{Name: strings.TrimSpace(parts[0])}
	if s.Name == "" || strings.ContainsAny(s.Name, `/\`) {
		return Spec{}, fmt.Errorf("invalid thumbnail size name %q", parts[0])
	}
	if IsReservedName(s.Name) {
		return Spec{}, fmt.Errorf("thumbnail size name %q is reserved", s.Name)
	}

	w, h, ok := strings.Cut(strings.ToLower(parts[1]), "x")
	if !ok {
		return Spec{}, fmt.Errorf("invalid thumbnail dimensions %q", parts[1])
	}
	var err error
	if s.Width, err = parseDim(w); err != nil {
		return Spec{}, err
	}
	if s.Height, err = parseDim(h); err != nil {
		return Spec{}, err
	}
	if s.Width == 0 && s.Height == 0 {
		return Spec{}, fmt.Errorf("thumbnail size %q has no dimensions", entry)
	}

	if len(parts) == 3 {
		if strings.TrimSpace(parts[2]) != "max" {
			return Spec{}, fmt.Errorf("unknown fit mode %q", parts[2])
		}
		s.Fit = FitMaxSize
	}
	return s, nil
}

// parseDim accepts a positive integer, or "?" for an unconstrained axis.
func parseDim(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "?" || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid thumbnail dimension %q", v)
	}
	return n, nil
}
