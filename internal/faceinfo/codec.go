// Package faceinfo packs face-detection results into the compact form stored
// in the media index.
//
// Geometry is quantised to whole pixels. Each of x, y, w and h is rounded to
// the nearest integer, clamped to [0, 65535] and stored in 16 bits of a uint64
// in the order x, y, w, h (most significant first). Boxes with integer
// coordinates inside that range round-trip exactly.
package faceinfo

import (
	"math"
	"sort"
)

const maxCoord = math.MaxUint16

// Descriptor is the expanded form of a detected face.
type Descriptor struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	W         int     `json:"w"`
	H         int     `json:"h"`
	BufferID  string  `json:"bid"`
	Sharpness float64 `json:"sharp"`
}

// Compressed is the stored form. I is opaque and must be read with Expand.
type Compressed struct {
	I uint64  `json:"i,string"`
	B string  `json:"b"`
	S float64 `json:"s"`
}

// Compress packs the geometry of d into I and carries the buffer id and sharpness as-is.
func Compress(d Descriptor) Compressed {
	return Compressed{
		I: Pack(d.X, d.Y, d.W, d.H),
		B: d.BufferID,
		S: d.Sharpness,
	}
}

// Expand is the inverse of Compress.
func Expand(c Compressed) Descriptor {
	x, y, w, h := Unpack(c.I)
	return Descriptor{
		X:         x,
		Y:         y,
		W:         w,
		H:         h,
		BufferID:  c.B,
		Sharpness: c.S,
	}
}

func Pack(x, y, w, h int) uint64 {
	return uint64(clamp(x))<<48 | uint64(clamp(y))<<32 | uint64(clamp(w))<<16 | uint64(clamp(h))
}

func Unpack(i uint64) (x, y, w, h int) {
	return int(i >> 48 & maxCoord), int(i >> 32 & maxCoord), int(i >> 16 & maxCoord), int(i & maxCoord)
}

// Quantize rounds a floating point coordinate to the packing granularity.
func Quantize(v float64) int {
	return clamp(int(math.Round(v)))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > maxCoord {
		return maxCoord
	}
	return v
}

func Area(d Descriptor) int {
	return d.W * d.H
}

// RankDescending sorts faces by area, largest first. Equal areas keep input order.
func RankDescending(faces []Descriptor) {
	sort.SliceStable(faces, func(i, j int) bool {
		return Area(faces[i]) > Area(faces[j])
	})
}

// CompressAll ranks faces and returns their compressed forms.
func CompressAll(faces []Descriptor) []Compressed {
	ranked := make([]Descriptor, len(faces))
	copy(ranked, faces)
	RankDescending(ranked)

	ret := make([]Compressed, 0, len(ranked))
	for _, f := range ranked {
		ret = append(ret, Compress(f))
	}
	return ret
}
