package reconcile

import (
	"context"
	"testing"

	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ecssync/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	data   string
	delete bool
}

func seed(t *testing.T, st *memory.Storage, key string, steps ...step) string {
	t.Helper()
	id := st.Identifier(key, false)
	for _, s := range steps {
		if s.delete {
			require.NoError(t, st.Delete(context.Background(), id, nil))
			continue
		}
		st.Put(key, []byte(s.data), nil)
	}
	return id
}

func loadChain(t *testing.T, st *memory.Storage, id string) []*storage.ObjectVersion {
	t.Helper()
	chain, err := st.LoadVersions(context.Background(), id)
	require.NoError(t, err)
	return chain
}

func describe(t *testing.T, chain []*storage.ObjectVersion) []string {
	t.Helper()
	res := make([]string, 0, len(chain))
	for _, v := range chain {
		if v.DeleteMarker {
			res = append(res, "<deleted>")
			continue
		}
		data, err := v.Md5Hex(true)
		require.NoError(t, err)
		res = append(res, data)
	}
	return res
}

func syncKey(t *testing.T, src, dst *memory.Storage, id string, force bool) (Result, error) {
	t.Helper()
	chain := loadChain(t, src, id)
	defer storage.CloseVersions(chain)
	return Sync(context.Background(), dst, id, chain, chain[len(chain)-1].SyncObject, force)
}

func TestSync_ReplayIntoEmptyTarget(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"}, step{delete: true}, step{data: "B"}, step{data: "C"})

	res, err := syncKey(t, src, dst, id, false)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Writes)
	assert.Equal(t, 0, res.Deleted)

	got := loadChain(t, dst, id)
	require.Len(t, got, 4)
	assert.Equal(t, describe(t, loadChain(t, src, id)), describe(t, got))
	assert.True(t, got[1].DeleteMarker)
	assert.True(t, got[3].Latest)
	data, ok := dst.Data(id)
	require.True(t, ok)
	assert.Equal(t, "C", string(data))

	writes := dst.Stats.Writes.Load()
	res, err = syncKey(t, src, dst, id, false)
	require.NoError(t, err)
	assert.True(t, res.Plan.UpToDate())
	assert.Equal(t, 0, res.Writes)
	assert.Equal(t, writes, dst.Stats.Writes.Load())
}

func TestSync_AppendsNewVersions(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"}, step{data: "B"})
	seed(t, dst, "key", step{data: "A"})

	res, err := syncKey(t, src, dst, id, false)
	require.NoError(t, err)
	assert.False(t, res.Plan.Replace)
	assert.Equal(t, 1, res.Writes)
	assert.Equal(t, int64(0), dst.Stats.VersionDeletes.Load())
	assert.Len(t, loadChain(t, dst, id), 2)
}

func TestSync_DivergenceReplacesWholeChain(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"}, step{data: "B"})
	seed(t, dst, "key", step{data: "A"}, step{data: "X"})

	res, err := syncKey(t, src, dst, id, false)
	require.NoError(t, err)
	assert.True(t, res.Plan.Replace)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 2, res.Writes)
	assert.Equal(t, int64(2), dst.Stats.VersionDeletes.Load())
	assert.Equal(t, describe(t, loadChain(t, src, id)), describe(t, loadChain(t, dst, id)))
}

func TestSync_TargetLongerReplaces(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"})
	seed(t, dst, "key", step{data: "A"}, step{data: "B"})

	res, err := syncKey(t, src, dst, id, false)
	require.NoError(t, err)
	assert.True(t, res.Plan.Replace)
	assert.Len(t, loadChain(t, dst, id), 1)
}

func TestSync_DeleteMarkerMismatchReplaces(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"}, step{delete: true})
	seed(t, dst, "key", step{data: "A"}, step{data: "A"})

	res, err := syncKey(t, src, dst, id, false)
	require.NoError(t, err)
	assert.True(t, res.Plan.Replace)
	_, ok := dst.Data(id)
	assert.False(t, ok)
}

func TestSync_ForceReplacesMatchingChain(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"})
	seed(t, dst, "key", step{data: "A"})

	res, err := syncKey(t, src, dst, id, true)
	require.NoError(t, err)
	assert.True(t, res.Plan.Replace)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Writes)
}

func TestSync_VersionDeleteUnsupportedIsNonRetriable(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	dst.DisableVersionDelete()
	id := seed(t, src, "key", step{data: "A"})
	seed(t, dst, "key", step{data: "X"})

	_, err := syncKey(t, src, dst, id, false)
	require.Error(t, err)
	assert.True(t, storage.IsNonRetriable(err))
	assert.ErrorIs(t, err, storage.ErrVersionDeleteUnsupported)
}

func TestSync_EmptySourceChain(t *testing.T) {
	_, err := Sync(context.Background(), memory.NewStorage(true), "key", nil, nil, false)
	assert.True(t, storage.IsNonRetriable(err))
}

func TestCompare_FallsBackToDigest(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"})
	seed(t, dst, "key", step{data: "A"})
	s, d := loadChain(t, src, id), loadChain(t, dst, id)
	s[0].ETag = ""

	plan, err := Compare(s, d, false)
	require.NoError(t, err)
	assert.True(t, plan.UpToDate())
}

func TestSync_DigestCompareKeepsDataForReplay(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"}, step{data: "B"})
	seed(t, dst, "key", step{data: "A"}, step{data: "X"})

	chain := loadChain(t, src, id)
	defer storage.CloseVersions(chain)
	for _, v := range chain {
		v.ETag = ""
	}
	res, err := Sync(context.Background(), dst, id, chain, chain[len(chain)-1].SyncObject, false)
	require.NoError(t, err)
	assert.True(t, res.Plan.Replace)
	assert.Equal(t, 2, res.Writes)

	got := describe(t, loadChain(t, dst, id))
	require.Len(t, got, 2)
	assert.Equal(t, "7fc56270e7a70fa81a5935b72eacbe29", got[0], "md5 of A")
	assert.Equal(t, describe(t, loadChain(t, src, id)), got)
	data, _ := dst.Data(id)
	assert.Equal(t, "B", string(data))
}

func TestCompare_MultipartEtagFallsBackToDigest(t *testing.T) {
	src, dst := memory.NewStorage(true), memory.NewStorage(true)
	id := seed(t, src, "key", step{data: "A"})
	seed(t, dst, "key", step{data: "A"})
	s, d := loadChain(t, src, id), loadChain(t, dst, id)
	d[0].ETag = "0123456789abcdef0123456789abcdef-3"

	plan, err := Compare(s, d, false)
	require.NoError(t, err)
	assert.True(t, plan.UpToDate())
	assert.False(t, s[0].IsStreamOpened())
}
