package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/larrabee/ecssync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*FSStorage, string) {
	dir := t.TempDir()
	return NewFSStorage(dir, 0644, 0755, 0, false, 0, true), dir
}

func newObject(rel, data string, mtime time.Time) *storage.SyncObject {
	md := &storage.ObjectMetadata{ModificationTime: mtime, ContentLength: int64(len(data))}
	return storage.NewSyncObject(nil, rel, md, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte(data))), nil
	}, nil)
}

func collect(t *testing.T, fn func(out chan<- *storage.ObjectSummary) error) []*storage.ObjectSummary {
	t.Helper()
	out := make(chan *storage.ObjectSummary, 100)
	require.NoError(t, fn(out))
	close(out)
	var res []*storage.ObjectSummary
	for s := range out {
		res = append(res, s)
	}
	return res
}

func TestFSStorage_IdentifierRoundTrip(t *testing.T) {
	st, dir := newTestStorage(t)
	id := st.Identifier("a/b.txt", false)
	assert.Equal(t, filepath.Join(dir, "a", "b.txt"), id)
	assert.Equal(t, "a/b.txt", st.RelativePath(id, false))

	dirID := st.Identifier("a", true)
	assert.Equal(t, filepath.Join(dir, "a")+string(os.PathSeparator), dirID)
	assert.Equal(t, "a", st.RelativePath(dirID, true))
}

func TestFSStorage_CreateAndLoad(t *testing.T) {
	st, dir := newTestStorage(t)
	ctx := context.Background()
	mtime := time.Unix(1600000000, 0)

	id, err := st.CreateObject(ctx, newObject("sub/c.txt", "hello", mtime))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "sub", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	obj, err := st.LoadObject(ctx, id)
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, "sub/c.txt", obj.RelativePath())
	assert.Equal(t, int64(5), obj.Metadata().ContentLength)
	assert.Contains(t, obj.Metadata().ContentType, "text/plain")
	assert.True(t, obj.Metadata().ModificationTime.Equal(mtime))

	r, err := obj.DataStream()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed")
}

func TestFSStorage_BufferSize(t *testing.T) {
	st, dir := newTestStorage(t)
	assert.Equal(t, godirwalk.MinimumScratchBufferSize, st.bufSize)
	st.SetBufferSize(1)
	assert.Equal(t, godirwalk.MinimumScratchBufferSize, st.bufSize)

	st.SetBufferSize(godirwalk.MinimumScratchBufferSize + 3)
	payload := strings.Repeat("0123456789", 10*godirwalk.MinimumScratchBufferSize/10+7)
	_, err := st.CreateObject(context.Background(), newObject("big.bin", payload, time.Unix(1600000000, 0)))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFSStorage_LoadMissing(t *testing.T) {
	st, _ := newTestStorage(t)
	_, err := st.LoadObject(context.Background(), st.Identifier("nope", false))
	assert.True(t, storage.IsErrNotExist(err))
}

func TestFSStorage_ListLevels(t *testing.T) {
	st, dir := newTestStorage(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d", "e"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d", "f.txt"), []byte("f"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt.temp.abcdefgh"), []byte("x"), 0644))
	ctx := context.Background()

	root := collect(t, func(out chan<- *storage.ObjectSummary) error { return st.List(ctx, out) })
	require.Len(t, root, 2)
	assert.Equal(t, "b.txt", st.RelativePath(root[0].Identifier, false))
	assert.False(t, root[0].Directory)
	assert.Equal(t, "d", st.RelativePath(root[1].Identifier, true))
	assert.True(t, root[1].Directory)

	children := collect(t, func(out chan<- *storage.ObjectSummary) error { return st.Children(ctx, root[1], out) })
	require.Len(t, children, 2)
	assert.Equal(t, "d/e", st.RelativePath(children[0].Identifier, true))
	assert.Equal(t, "d/f.txt", st.RelativePath(children[1].Identifier, false))
}

func TestFSStorage_ListErrorMask(t *testing.T) {
	st, dir := newTestStorage(t)
	missing := &storage.ObjectSummary{Identifier: filepath.Join(dir, "gone") + "/", Directory: true}
	out := make(chan *storage.ObjectSummary, 1)
	assert.Error(t, st.Children(context.Background(), missing, out))

	st.listErrorMask = storage.HandleErrNotExist
	assert.NoError(t, st.Children(context.Background(), missing, out))
}

func TestFSStorage_DirectoryAndDelete(t *testing.T) {
	st, dir := newTestStorage(t)
	ctx := context.Background()
	dirObj := storage.NewSyncObject(nil, "x/y", &storage.ObjectMetadata{Directory: true}, nil, nil)
	id, err := st.CreateObject(ctx, dirObj)
	require.NoError(t, err)
	fi, err := os.Stat(filepath.Join(dir, "x", "y"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	loaded, err := st.LoadObject(ctx, id)
	require.NoError(t, err)
	assert.True(t, loaded.IsDirectory())

	require.NoError(t, st.Delete(ctx, id, loaded))
	_, err = os.Stat(filepath.Join(dir, "x", "y"))
	assert.True(t, os.IsNotExist(err))
}

func TestFSStorage_EtagMatchKeepsData(t *testing.T) {
	st, dir := newTestStorage(t)
	ctx := context.Background()
	id, err := st.CreateObject(ctx, newObject("k", "old", time.Unix(100, 0)))
	require.NoError(t, err)

	obj := newObject("k", "new", time.Unix(200, 0))
	obj.SetProperty(storage.PropSourceEtagMatches, true)
	require.NoError(t, st.UpdateObject(ctx, id, obj))
	assert.False(t, obj.IsStreamOpened())

	data, err := os.ReadFile(filepath.Join(dir, "k"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	fi, err := os.Stat(filepath.Join(dir, "k"))
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(time.Unix(200, 0)))
}

func TestFSStorage_OwnerAcl(t *testing.T) {
	st, dir := newTestStorage(t)
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("f"), 0644))
	require.NoError(t, os.Chmod(path, 0644))

	obj, err := st.LoadObject(context.Background(), path)
	require.NoError(t, err)
	acl, err := obj.Acl()
	require.NoError(t, err)
	if acl == nil {
		t.Skip("file owner is not available on this platform")
	}
	assert.NotEmpty(t, acl.Owner)
	assert.Equal(t, []string{storage.PermissionRead, storage.PermissionWrite}, acl.UserGrants[acl.Owner])
	assert.Equal(t, []string{storage.PermissionRead}, acl.GroupGrants["other"])
	assert.Equal(t, 1, st.owners.Len())
}
