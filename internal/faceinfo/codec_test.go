package faceinfo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressExpand_RoundTrip(t *testing.T) {
	cases := []Descriptor{
		{X: 0, Y: 0, W: 0, H: 0},
		{X: 12, Y: 34, W: 56, H: 78, BufferID: "buf-1", Sharpness: 0.125},
		{X: 65535, Y: 65535, W: 65535, H: 65535, BufferID: "max", Sharpness: 1e6},
		{X: 4032, Y: 3024, W: 310, H: 402, BufferID: "", Sharpness: -3.5},
	}

	for _, want := range cases {
		got := Expand(Compress(want))
		assert.Equal(t, want, got)
	}
}

func TestCompress_ClampsOutOfRange(t *testing.T) {
	got := Expand(Compress(Descriptor{X: -5, Y: 70000, W: 10, H: 20}))
	assert.Equal(t, 0, got.X)
	assert.Equal(t, 65535, got.Y)
	assert.Equal(t, 10, got.W)
	assert.Equal(t, 20, got.H)
}

func TestQuantize_RoundsToPixel(t *testing.T) {
	assert.Equal(t, 10, Quantize(10.4))
	assert.Equal(t, 11, Quantize(10.5))
	assert.Equal(t, 0, Quantize(-2))
}

func TestCompressed_JSONUsesStringGeometry(t *testing.T) {
	c := Compress(Descriptor{X: 1, Y: 2, W: 3, H: 4, BufferID: "b1", Sharpness: 2.5})

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"i":"281483566841860","b":"b1","s":2.5}`, string(data))

	var back Compressed
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c, back)
}

func TestRankDescending_ByAreaStable(t *testing.T) {
	faces := []Descriptor{
		{W: 10, H: 10, BufferID: "1"},
		{W: 5, H: 40, BufferID: "2"},
		{W: 3, H: 3, BufferID: "3"},
		{W: 20, H: 5, BufferID: "4"},
	}

	RankDescending(faces)

	ids := make([]string, 0, len(faces))
	areas := make([]int, 0, len(faces))
	for _, f := range faces {
		ids = append(ids, f.BufferID)
		areas = append(areas, Area(f))
	}
	assert.Equal(t, []int{200, 100, 100, 9}, areas)
	assert.Equal(t, []string{"2", "1", "4", "3"}, ids)
}

func TestCompressAll_DoesNotReorderInput(t *testing.T) {
	faces := []Descriptor{
		{W: 1, H: 1, BufferID: "small"},
		{W: 9, H: 9, BufferID: "big"},
	}

	out := CompressAll(faces)

	require.Len(t, out, 2)
	assert.Equal(t, "big", out[0].B)
	assert.Equal(t, "small", faces[0].BufferID)
}
