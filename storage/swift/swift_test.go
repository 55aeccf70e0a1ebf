package swift

import (
	"testing"

	"github.com/gophercloud/gophercloud/openstack/objectstorage/v1/objects"
	"github.com/larrabee/ecssync/storage"
	"github.com/stretchr/testify/assert"
)

func TestStorage_Identifier(t *testing.T) {
	st := newStorage(nil, "c", "/backup")
	assert.Equal(t, "backup/a/b.txt", st.Identifier("a/b.txt", false))
	assert.Equal(t, "backup/a/", st.Identifier("/a/", true))
	assert.Equal(t, "a/b.txt", st.RelativePath("backup/a/b.txt", false))
	assert.Equal(t, "a", st.RelativePath("backup/a/", true))
}

func TestSummariesFromInfo(t *testing.T) {
	res := summariesFromInfo("p/", []objects.Object{
		{Subdir: "p/d/"},
		{Name: "p/", Bytes: 0},
		{Name: "p/a.txt", Bytes: 3},
		{Name: "p/marker/", Bytes: 0},
	})
	assert.Equal(t, []*storage.ObjectSummary{
		{Identifier: "p/d/", Directory: true},
		{Identifier: "p/a.txt", Size: 3},
	}, res)
}

func TestCreateOpts(t *testing.T) {
	md := &storage.ObjectMetadata{
		ContentType: "text/plain",
		Checksum:    &storage.Checksum{Algorithm: "MD5", Value: "7fc56270e7a70fa81a5935b72eacbe29"},
	}
	md.SetUserMetadata("owner", "bob")
	obj := storage.NewSyncObject(nil, "a", md, nil, nil)

	opts := createOpts(obj)
	assert.Equal(t, "text/plain", opts.ContentType)
	assert.Equal(t, "7fc56270e7a70fa81a5935b72eacbe29", opts.ETag)
	assert.Equal(t, map[string]string{"owner": "bob"}, opts.Metadata)

	obj.SetProperty(storage.PropSkipMetadata, true)
	assert.Nil(t, swiftMetadata(obj))
	assert.Equal(t, map[string]string{"owner": "bob"}, userMetadata(map[string]string{"Owner": "bob"}))
}
