package mediaindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/media-pipeline/internal/faceinfo"
)

func seedPartition(t *testing.T, root, name, list string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MediaListFile), []byte(list), 0o644))
}

func TestPartitions_OnlyNumeric(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, "2020", "2020/a.jpg")
	seedPartition(t, root, "2019", "2019/b.jpg")
	seedPartition(t, root, "faces", "")
	seedPartition(t, root, "NaN", "")

	idx := New(root)
	got, err := idx.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"2019", "2020"}, got)
}

func TestPartitions_MissingRoot(t *testing.T) {
	idx := New(filepath.Join(t.TempDir(), "info"))
	got, err := idx.Partitions()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMediaList_ParsesCommaList(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, "2020", "2020/01/01/a.jpg, 2020/01/02/b.jpg,,")

	got, err := New(root).MediaList("2020")
	require.NoError(t, err)
	assert.Equal(t, []string{"2020/01/01/a.jpg", "2020/01/02/b.jpg"}, got)
}

func TestAllMedia(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, "2020", "2020/a.jpg,2020/b.jpg")
	seedPartition(t, root, "2021", "2021/c.jpg")
	seedPartition(t, root, "misc", "misc/d.jpg")

	got, err := New(root).AllMedia()
	require.NoError(t, err)
	assert.Equal(t, []string{"2020/a.jpg", "2020/b.jpg", "2021/c.jpg"}, got)
}

func TestAdd_ListsAndStoresRecord(t *testing.T) {
	ctx := context.Background()
	idx := New(t.TempDir())

	require.NoError(t, idx.Add(ctx, "2021/03/04/x.jpg", NewRecord(42)))
	require.NoError(t, idx.Add(ctx, "2021/03/04/x.jpg", NewRecord(43)))

	list, err := idx.MediaList("2021")
	require.NoError(t, err)
	assert.Equal(t, []string{"2021/03/04/x.jpg"}, list)

	rec, ok, err := idx.Get("2021/03/04/x.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{UserRating: 0.5, Size: 43}, rec)
}

func TestPutIfAbsent_KeepsExisting(t *testing.T) {
	ctx := context.Background()
	idx := New(t.TempDir())

	added, err := idx.PutIfAbsent(ctx, "2020/a.jpg", Record{UserRating: 0.9, Size: 1})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = idx.PutIfAbsent(ctx, "2020/a.jpg", NewRecord(2))
	require.NoError(t, err)
	assert.False(t, added)

	rec, _, err := idx.Get("2020/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 0.9, rec.UserRating)
}

func TestAddIfAbsent_ListsWithoutOverwriting(t *testing.T) {
	ctx := context.Background()
	idx := New(t.TempDir())
	_, err := idx.PutIfAbsent(ctx, "2020/a.jpg", Record{UserRating: 0.9, Size: 1})
	require.NoError(t, err)

	added, err := idx.AddIfAbsent(ctx, "2020/a.jpg", NewRecord(2))
	require.NoError(t, err)
	assert.False(t, added)

	list, err := idx.MediaList("2020")
	require.NoError(t, err)
	assert.Equal(t, []string{"2020/a.jpg"}, list)
	rec, _, err := idx.Get("2020/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, Record{UserRating: 0.9, Size: 1}, rec)

	added, err = idx.AddIfAbsent(ctx, "2020/b.jpg", NewRecord(3))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestSetFaces_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	idx := New(t.TempDir())
	require.NoError(t, idx.Add(ctx, "2020/a.jpg", NewRecord(10)))

	first := []faceinfo.Compressed{faceinfo.Compress(faceinfo.Descriptor{W: 1, H: 1, BufferID: "old"})}
	second := []faceinfo.Compressed{faceinfo.Compress(faceinfo.Descriptor{W: 2, H: 2, BufferID: "new"})}
	prev, err := idx.SetFaces(ctx, "2020/a.jpg", first, NewRecord(0))
	require.NoError(t, err)
	assert.Empty(t, prev)
	prev, err = idx.SetFaces(ctx, "2020/a.jpg", second, NewRecord(0))
	require.NoError(t, err)
	assert.Equal(t, first, prev)

	rec, ok, err := idx.Get("2020/a.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, rec.Faces)
	assert.True(t, rec.FacesScanned)
	assert.Equal(t, int64(10), rec.Size)
}

func TestUpdate_ConcurrentWritersDoNotLoseRecords(t *testing.T) {
	ctx := context.Background()
	idx := New(t.TempDir())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.Add(ctx, fmt.Sprintf("2022/%02d.jpg", i), NewRecord(int64(i))))
		}()
	}
	wg.Wait()

	recs, err := idx.Records("2022")
	require.NoError(t, err)
	assert.Len(t, recs, 20)
	list, err := idx.MediaList("2022")
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

func TestUpdate_CallbackErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	idx := New(t.TempDir())

	err := idx.Update(ctx, "2020", func(p *Partition) error {
		p.Records["2020/a.jpg"] = NewRecord(1)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, ok, err := idx.Get("2020/a.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPartitionOf(t *testing.T) {
	assert.Equal(t, "2020", PartitionOf("2020/01/02/a.jpg"))
	assert.Equal(t, "a.jpg", PartitionOf("a.jpg"))
}
