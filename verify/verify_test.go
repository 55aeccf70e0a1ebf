package verify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ecssync/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackedReader struct {
	io.Reader
	closed bool
}

func (r *trackedReader) Close() error {
	r.closed = true
	return nil
}

func object(data string, md *storage.ObjectMetadata) (*storage.SyncObject, *trackedReader) {
	r := &trackedReader{Reader: bytes.NewReader([]byte(data))}
	return storage.NewSyncObject(nil, "key", md, func() (io.ReadCloser, error) { return r, nil }, nil), r
}

func TestVerify_MatchAndClose(t *testing.T) {
	src, srcR := object("hello", nil)
	dst, dstR := object("hello", nil)
	v := &Verifier{}
	require.NoError(t, v.Verify(context.Background(), src, dst))
	assert.True(t, srcR.closed)
	assert.True(t, dstR.closed)
}

func TestVerify_MismatchClosesBoth(t *testing.T) {
	src, srcR := object("hello", nil)
	dst, dstR := object("HELLO", nil)
	err := (&Verifier{}).Verify(context.Background(), src, dst)
	var mErr *MismatchError
	require.True(t, errors.As(err, &mErr))
	assert.Contains(t, mErr.Reason, "MD5")
	assert.True(t, srcR.closed)
	assert.True(t, dstR.closed)
}

func TestVerify_ZeroByteObjects(t *testing.T) {
	src, _ := object("", nil)
	dst, _ := object("", nil)
	assert.NoError(t, (&Verifier{}).Verify(context.Background(), src, dst))
}

func TestVerify_Directories(t *testing.T) {
	src, srcR := object("", &storage.ObjectMetadata{Directory: true})
	dst, _ := object("", &storage.ObjectMetadata{Directory: true})
	require.NoError(t, (&Verifier{}).Verify(context.Background(), src, dst))
	assert.False(t, srcR.closed, "directory streams are never opened")

	file, _ := object("", nil)
	dir, _ := object("", &storage.ObjectMetadata{Directory: true})
	assert.Error(t, (&Verifier{}).Verify(context.Background(), file, dir))
}

func TestVerify_MetadataChecksum(t *testing.T) {
	src, srcR := object("ignored", &storage.ObjectMetadata{
		Checksum: &storage.Checksum{Algorithm: "MD5", Value: "7FC56270E7A70FA81A5935B72EACBE29"},
	})
	dst, _ := object("A", nil)
	v := &Verifier{UseMetadataChecksum: true}
	require.NoError(t, v.Verify(context.Background(), src, dst))
	assert.False(t, srcR.closed, "source stream is not opened when checksum is trusted")
}

func TestVerify_MetadataAndAcl(t *testing.T) {
	md := func(v string) *storage.ObjectMetadata {
		m := &storage.ObjectMetadata{ContentType: "text/plain"}
		m.SetUserMetadata("k", v)
		return m
	}
	src, _ := object("A", md("1"))
	dst, _ := object("A", md("2"))
	err := (&Verifier{CompareMetadata: true}).Verify(context.Background(), src, dst)
	assert.ErrorContains(t, err, "user metadata")

	acl := &storage.ObjectAcl{Owner: "bob"}
	acl.AddUserGrant("bob", storage.PermissionFullControl)
	src, _ = object("A", nil)
	src.SetAcl(acl)
	dst, _ = object("A", nil)
	dst.SetAcl(&storage.ObjectAcl{Owner: "bob"})
	err = (&Verifier{CompareAcl: true}).Verify(context.Background(), src, dst)
	assert.ErrorContains(t, err, "ACL")
}

func TestVerifyVersions(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	for _, st := range []*memory.Storage{src, dst} {
		id := st.Put("key", []byte("A"), nil)
		require.NoError(t, st.Delete(ctx, id, nil))
		st.Put("key", []byte("B"), nil)
	}
	s, err := src.LoadVersions(ctx, "key")
	require.NoError(t, err)
	d, err := dst.LoadVersions(ctx, "key")
	require.NoError(t, err)
	assert.NoError(t, (&Verifier{}).VerifyVersions(ctx, s, d))

	dst.Put("key", []byte("C"), nil)
	s, _ = src.LoadVersions(ctx, "key")
	d, _ = dst.LoadVersions(ctx, "key")
	assert.ErrorContains(t, (&Verifier{}).VerifyVersions(ctx, s, d), "version count")

	s[1].DeleteMarker = false
	assert.Error(t, (&Verifier{}).VerifyVersions(ctx, s, d[:3]))
}
