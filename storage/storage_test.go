package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	io.Reader
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

func TestLazy_ResolvesOnce(t *testing.T) {
	calls := 0
	l := NewLazy(func() (int, error) {
		calls++
		return 42, nil
	})
	assert.False(t, l.IsResolved())

	for i := 0; i < 3; i++ {
		v, err := l.Get()
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)
	assert.True(t, l.IsResolved())
}

func TestLazy_MemoizesError(t *testing.T) {
	calls := 0
	l := NewLazy(func() (string, error) {
		calls++
		return "", errors.New("boom")
	})
	_, err1 := l.Get()
	_, err2 := l.Get()
	assert.EqualError(t, err1, "boom")
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, calls)
}

func TestSyncObject_StreamOpenedOnceClosedOnce(t *testing.T) {
	opened := 0
	rc := &countingCloser{Reader: bytes.NewReader([]byte("hello"))}
	obj := NewSyncObject(nil, "a.txt", &ObjectMetadata{ContentLength: 5}, func() (io.ReadCloser, error) {
		opened++
		return rc, nil
	}, nil)

	assert.False(t, obj.IsStreamOpened())
	require.NoError(t, obj.WrapDataStream(func(r io.Reader) io.Reader { return io.LimitReader(r, 100) }))
	r, err := obj.DataStream()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), obj.BytesRead())

	require.NoError(t, obj.Close())
	require.NoError(t, obj.Close())
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, rc.closed)
}

func TestSyncObject_CloseWithoutStream(t *testing.T) {
	opened := false
	obj := NewSyncObject(nil, "a", nil, func() (io.ReadCloser, error) {
		opened = true
		return io.NopCloser(bytes.NewReader(nil)), nil
	}, nil)
	require.NoError(t, obj.Close())
	assert.False(t, opened)
}

func TestSyncObject_Md5Hex(t *testing.T) {
	obj := NewSyncObject(nil, "a", nil, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("A"))), nil
	}, nil)
	_, err := obj.Md5Hex(false)
	assert.Error(t, err)

	sum, err := obj.Md5Hex(true)
	require.NoError(t, err)
	assert.Equal(t, "7fc56270e7a70fa81a5935b72eacbe29", sum)
}

func TestSyncObject_DetachedMd5HexKeepsStream(t *testing.T) {
	opens := 0
	obj := NewSyncObject(nil, "a", nil, func() (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader([]byte("A"))), nil
	}, nil)
	sum, err := obj.DetachedMd5Hex()
	require.NoError(t, err)
	assert.Equal(t, "7fc56270e7a70fa81a5935b72eacbe29", sum)
	assert.False(t, obj.IsStreamOpened())

	r, err := obj.DataStream()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
	assert.Equal(t, 2, opens)

	sum, err = obj.DetachedMd5Hex()
	require.NoError(t, err)
	assert.Equal(t, "7fc56270e7a70fa81a5935b72eacbe29", sum)
	assert.Equal(t, 2, opens, "digest of a consumed stream is reused")
}

func TestSyncObject_ZeroByteMd5(t *testing.T) {
	obj := NewSyncObject(nil, "empty", nil, nil, nil)
	sum, err := obj.Md5Hex(true)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", sum)
}

func TestSyncObject_SealedMetadataIsCopy(t *testing.T) {
	obj := NewSyncObject(nil, "a", &ObjectMetadata{ContentType: "text/plain"}, nil, nil)
	obj.Metadata().SetUserMetadata("k", "v")
	obj.Seal()
	obj.Metadata().SetUserMetadata("k", "changed")
	assert.Equal(t, "v", obj.Metadata().UserMetadataValue("k"))
}

func TestObjectAcl_Equal(t *testing.T) {
	a := &ObjectAcl{Owner: "bob"}
	a.AddUserGrant("bob", PermissionWrite)
	a.AddUserGrant("bob", PermissionRead)
	a.AddUserGrant("bob", PermissionRead)
	a.AddGroupGrant("all", PermissionRead)

	b := &ObjectAcl{Owner: "bob"}
	b.AddGroupGrant("all", PermissionRead)
	b.AddUserGrant("bob", PermissionRead)
	b.AddUserGrant("bob", PermissionWrite)

	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(a.Clone()))
	assert.Equal(t, []string{PermissionRead, PermissionWrite}, a.UserGrants["bob"])

	b.AddUserGrant("alice", PermissionRead)
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(nil))
	assert.True(t, (*ObjectAcl)(nil).Equal(nil))
}

func newVersion(id string, mtime time.Time) *ObjectVersion {
	return &ObjectVersion{
		SyncObject: NewSyncObject(nil, "key", &ObjectMetadata{ModificationTime: mtime}, nil, nil),
		VersionID:  id,
	}
}

func TestSortVersions_TieBreakByVersionID(t *testing.T) {
	t0 := time.Unix(1000, 0)
	chain := []*ObjectVersion{
		newVersion("c", t0.Add(time.Second)),
		newVersion("b", t0),
		newVersion("a", t0),
	}
	SortVersions(chain)
	var ids []string
	for _, v := range chain {
		ids = append(ids, v.VersionID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestValidateChain(t *testing.T) {
	t0 := time.Unix(1000, 0)
	v1, v2 := newVersion("1", t0), newVersion("2", t0.Add(time.Second))
	assert.NoError(t, ValidateChain(nil))

	v2.Latest = true
	assert.NoError(t, ValidateChain([]*ObjectVersion{v1, v2}))

	v1.Latest = true
	assert.Error(t, ValidateChain([]*ObjectVersion{v1, v2}))

	v2.Latest = false
	assert.Error(t, ValidateChain([]*ObjectVersion{v1, v2}))
}

func TestErrorClassification(t *testing.T) {
	nf := fmt.Errorf("load: %w", &ObjectNotFoundError{Identifier: "x"})
	assert.True(t, IsErrNotExist(nf))
	assert.ErrorIs(t, nf, ErrObjectNotFound)

	nr := NonRetriable(errors.New("too large"))
	assert.True(t, IsNonRetriable(fmt.Errorf("wrap: %w", nr)))
	assert.False(t, IsNonRetriable(errors.New("plain")))
	assert.Nil(t, NonRetriable(nil))

	assert.True(t, IsConfigError(ConfigErrorf("bad %s", "table")))
	assert.EqualError(t, ConfigErrorf("bad %s", "table"), "configuration error: bad table")
}

func TestStrongEtag(t *testing.T) {
	s := `W/"abc"`
	assert.Equal(t, "abc", StrongEtag(&s))
	assert.Equal(t, "", StrongEtag(nil))
}
