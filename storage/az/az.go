// Package az implements an Azure Blob storage. Blob containers have no version history here,
// directories exist implicitly as name prefixes.
package az

import (
	"context"
	"encoding/hex"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
)

// AzStorage configuration.
type AzStorage struct {
	client     *container.Client
	prefix     string
	keysPerReq int32
	rlBucket   ratelimit.Bucket
}

// NewAzStorage return new configured AZ storage.
//
// You should always create new storage with this constructor.
func NewAzStorage(accountName, accountKey, endpoint, containerName, prefix string, keysPerReq int64) (*AzStorage, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, storage.ConfigErrorf("azure credentials: %s", err)
	}
	cl, err := azblob.NewClientWithSharedKeyCredential(endpoint, credential, nil)
	if err != nil {
		return nil, storage.ConfigErrorf("azure client: %s", err)
	}
	return newAzStorage(cl.ServiceClient().NewContainerClient(containerName), prefix, keysPerReq), nil
}

func newAzStorage(client *container.Client, prefix string, keysPerReq int64) *AzStorage {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if keysPerReq <= 0 || keysPerReq > 5000 {
		keysPerReq = 5000
	}
	return &AzStorage{
		client:     client,
		prefix:     prefix,
		keysPerReq: int32(keysPerReq),
		rlBucket:   ratelimit.NewFakeBucket(),
	}
}

func (st *AzStorage) Type() storage.Type {
	return storage.TypeAz
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *AzStorage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

func (st *AzStorage) Identifier(relativePath string, directory bool) string {
	rel := strings.Trim(relativePath, "/")
	if directory && rel != "" {
		return st.prefix + rel + "/"
	}
	return st.prefix + rel
}

func (st *AzStorage) RelativePath(identifier string, directory bool) string {
	return strings.Trim(strings.TrimPrefix(identifier, st.prefix), "/")
}

// List AZ container root and send founded blobs and prefixes to chan.
func (st *AzStorage) List(ctx context.Context, output chan<- *storage.ObjectSummary) error {
	return st.listPrefix(ctx, st.prefix, output)
}

func (st *AzStorage) Children(ctx context.Context, parent *storage.ObjectSummary, output chan<- *storage.ObjectSummary) error {
	return st.listPrefix(ctx, parent.Identifier, output)
}

func (st *AzStorage) listPrefix(ctx context.Context, prefix string, output chan<- *storage.ObjectSummary) error {
	pager := st.client.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix:     to.Ptr(prefix),
		MaxResults: to.Ptr(st.keysPerReq),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		var summaries []*storage.ObjectSummary
		for _, p := range page.Segment.BlobPrefixes {
			summaries = append(summaries, &storage.ObjectSummary{Identifier: deref(p.Name), Directory: true})
		}
		for _, item := range page.Segment.BlobItems {
			name := deref(item.Name)
			if name == prefix || strings.HasSuffix(name, "/") {
				continue
			}
			s := &storage.ObjectSummary{Identifier: name}
			if item.Properties != nil {
				s.Size = deref(item.Properties.ContentLength)
			}
			summaries = append(summaries, s)
		}
		for _, s := range summaries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case output <- s:
			}
		}
	}
	storage.Log.Debugf("Listing prefix %s finished", prefix)
	return nil
}

// LoadObject read blob properties. Data is downloaded on demand.
func (st *AzStorage) LoadObject(ctx context.Context, identifier string) (*storage.SyncObject, error) {
	if identifier == st.prefix || strings.HasSuffix(identifier, "/") {
		return storage.NewSyncObject(st, st.RelativePath(identifier, true), &storage.ObjectMetadata{Directory: true}, nil, nil), nil
	}
	blobClient := st.client.NewBlobClient(identifier)
	props, err := blobClient.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, &storage.ObjectNotFoundError{Identifier: identifier}
	} else if err != nil {
		return nil, err
	}

	md := &storage.ObjectMetadata{
		ContentType:        deref(props.ContentType),
		ContentLength:      deref(props.ContentLength),
		ModificationTime:   deref(props.LastModified),
		CacheControl:       deref(props.CacheControl),
		ContentEncoding:    deref(props.ContentEncoding),
		ContentDisposition: deref(props.ContentDisposition),
		RetentionEndDate:   props.ImmutabilityPolicyExpiresOn,
		UserMetadata:       userMetadata(props.Metadata),
	}
	if props.ETag != nil {
		etag := string(*props.ETag)
		md.HttpEtag = storage.StrongEtag(&etag)
	}
	if len(props.ContentMD5) > 0 {
		md.Checksum = &storage.Checksum{Algorithm: "MD5", Value: hex.EncodeToString(props.ContentMD5)}
	}

	stream := func() (io.ReadCloser, error) {
		resp, err := blobClient.DownloadStream(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: ratelimit.NewReader(resp.Body, st.rlBucket), Closer: resp.Body}, nil
	}
	return storage.NewSyncObject(st, st.RelativePath(identifier, false), md, stream, nil), nil
}

// CreateObject saves blob under name derived from its relative path.
func (st *AzStorage) CreateObject(ctx context.Context, obj *storage.SyncObject) (string, error) {
	id := st.Identifier(obj.RelativePath(), obj.IsDirectory())
	return id, st.UpdateObject(ctx, id, obj)
}

// UpdateObject uploads blob data in blocks together with headers and metadata.
func (st *AzStorage) UpdateObject(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	if obj.IsDirectory() {
		return nil
	}
	if obj.BoolProperty(storage.PropSourceEtagMatches) {
		if err := st.UpdateMetadata(ctx, identifier, obj); !storage.IsErrNotExist(err) {
			return err
		}
	}

	r, err := obj.DataStream()
	if err != nil {
		return err
	}
	md := obj.Metadata()
	_, err = st.client.NewBlockBlobClient(identifier).UploadStream(ctx, ratelimit.NewReader(r, st.rlBucket), &blockblob.UploadStreamOptions{
		HTTPHeaders: httpHeaders(md),
		Metadata:    blobMetadata(md, obj.BoolProperty(storage.PropSkipMetadata)),
	})
	return err
}

// UpdateMetadata replace headers and user metadata of existing blob.
func (st *AzStorage) UpdateMetadata(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	md := obj.Metadata()
	blobClient := st.client.NewBlobClient(identifier)
	_, err := blobClient.SetHTTPHeaders(ctx, *httpHeaders(md), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return &storage.ObjectNotFoundError{Identifier: identifier}
	} else if err != nil {
		return err
	}
	_, err = blobClient.SetMetadata(ctx, blobMetadata(md, obj.BoolProperty(storage.PropSkipMetadata)), nil)
	return err
}

// Delete remove blob from container.
func (st *AzStorage) Delete(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	if strings.HasSuffix(identifier, "/") {
		return nil
	}
	_, err := st.client.NewBlobClient(identifier).Delete(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return &storage.ObjectNotFoundError{Identifier: identifier}
	}
	return err
}

func httpHeaders(md *storage.ObjectMetadata) *blob.HTTPHeaders {
	h := &blob.HTTPHeaders{}
	if md.ContentType != "" {
		h.BlobContentType = to.Ptr(md.ContentType)
	}
	if md.CacheControl != "" {
		h.BlobCacheControl = to.Ptr(md.CacheControl)
	}
	if md.ContentEncoding != "" {
		h.BlobContentEncoding = to.Ptr(md.ContentEncoding)
	}
	if md.ContentDisposition != "" {
		h.BlobContentDisposition = to.Ptr(md.ContentDisposition)
	}
	if md.Checksum != nil && md.Checksum.Algorithm == "MD5" {
		if sum, err := hex.DecodeString(md.Checksum.Value); err == nil {
			h.BlobContentMD5 = sum
		}
	}
	return h
}

func blobMetadata(md *storage.ObjectMetadata, skip bool) map[string]*string {
	if skip || len(md.UserMetadata) == 0 {
		return nil
	}
	res := make(map[string]*string, len(md.UserMetadata))
	for k, v := range md.UserMetadata {
		// metadata names must be C# identifiers
		res[strings.ReplaceAll(k, "-", "_")] = to.Ptr(v)
	}
	return res
}

func userMetadata(m map[string]*string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[strings.ReplaceAll(strings.ToLower(k), "_", "-")] = deref(v)
	}
	return res
}

type readCloser struct {
	io.Reader
	io.Closer
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
