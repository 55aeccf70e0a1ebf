package memory

import (
	"context"
	"testing"

	"github.com/larrabee/ecssync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, fn func(out chan<- *storage.ObjectSummary) error) []string {
	t.Helper()
	out := make(chan *storage.ObjectSummary, 100)
	require.NoError(t, fn(out))
	close(out)
	var ids []string
	for s := range out {
		ids = append(ids, s.Identifier)
	}
	return ids
}

func TestStorage_ListLevels(t *testing.T) {
	ctx := context.Background()
	st := NewStorage(false)
	st.Put("a.txt", []byte("a"), nil)
	st.Put("dir/b.txt", []byte("b"), nil)
	st.Put("dir/sub/c.txt", []byte("c"), nil)
	st.Put("empty", nil, &storage.ObjectMetadata{Directory: true})

	root := collect(t, func(out chan<- *storage.ObjectSummary) error { return st.List(ctx, out) })
	assert.Equal(t, []string{"a.txt", "dir/", "empty/"}, root)

	children := collect(t, func(out chan<- *storage.ObjectSummary) error {
		return st.Children(ctx, &storage.ObjectSummary{Identifier: "dir/", Directory: true}, out)
	})
	assert.Equal(t, []string{"dir/b.txt", "dir/sub/"}, children)

	obj, err := st.LoadObject(ctx, "dir/")
	require.NoError(t, err)
	assert.True(t, obj.IsDirectory())
	assert.Equal(t, "dir", obj.RelativePath())
}

func TestStorage_IdentifierRoundTrip(t *testing.T) {
	st := NewStorage(false)
	for _, tc := range []struct {
		rel string
		dir bool
	}{{"a/b.txt", false}, {"a/b", true}} {
		id := st.Identifier(tc.rel, tc.dir)
		assert.Equal(t, tc.rel, st.RelativePath(id, tc.dir))
	}
}

func TestStorage_VersionsAndDeleteMarkers(t *testing.T) {
	ctx := context.Background()
	st := NewStorage(true)
	id := st.Put("k", []byte("1"), nil)
	require.NoError(t, st.Delete(ctx, id, nil))
	_, err := st.LoadObject(ctx, id)
	assert.True(t, storage.IsErrNotExist(err))

	st.Put("k", []byte("2"), nil)
	versions, err := st.LoadVersions(ctx, id)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.NoError(t, storage.ValidateChain(versions))
	assert.True(t, versions[1].DeleteMarker)
	assert.True(t, versions[0].Metadata().ModificationTime.Before(versions[1].Metadata().ModificationTime))

	require.NoError(t, st.DeleteVersions(ctx, id, versions[:2]))
	versions, err = st.LoadVersions(ctx, id)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	data, ok := st.Data(id)
	require.True(t, ok)
	assert.Equal(t, "2", string(data))
}

func TestStorage_VersionDeleteDisabled(t *testing.T) {
	st := NewStorage(true)
	id := st.Put("k", []byte("1"), nil)
	st.DisableVersionDelete()
	err := st.DeleteVersions(context.Background(), id, nil)
	assert.ErrorIs(t, err, storage.ErrVersionDeleteUnsupported)
}

func TestStorage_EtagMatchKeepsData(t *testing.T) {
	ctx := context.Background()
	st := NewStorage(false)
	id := st.Put("k", []byte("old"), &storage.ObjectMetadata{ContentType: "a"})

	obj := storage.NewSyncObject(nil, "k", &storage.ObjectMetadata{ContentType: "b"}, nil, nil)
	obj.SetProperty(storage.PropSourceEtagMatches, true)
	require.NoError(t, st.UpdateObject(ctx, id, obj))
	assert.False(t, obj.IsStreamOpened())

	loaded, err := st.LoadObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b", loaded.Metadata().ContentType)
	assert.Equal(t, int64(3), loaded.Metadata().ContentLength)
}

func TestStorage_DeleteMissing(t *testing.T) {
	err := NewStorage(false).Delete(context.Background(), "nope", nil)
	assert.True(t, storage.IsErrNotExist(err))
}
