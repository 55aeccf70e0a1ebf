// Package swift implements an OpenStack Swift storage. Containers are flat, pseudo directories come
// from delimiter listings.
package swift

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/objectstorage/v1/objects"
	"github.com/gophercloud/gophercloud/pagination"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
)

// Storage configuration.
type Storage struct {
	conn     *gophercloud.ServiceClient
	bucket   string
	prefix   string
	rlBucket ratelimit.Bucket
}

// NewStorage return new configured Swift storage.
//
// You should always create new storage with this constructor.
func NewStorage(user, key, tenant, domain, authUrl string, bucketName, prefix string, skipSSLVerify bool) (*Storage, error) {
	auth := gophercloud.AuthOptions{
		IdentityEndpoint: authUrl,
		Username:         user,
		Password:         key,
		TenantName:       tenant,
		DomainName:       domain,
	}

	provider, err := openstack.AuthenticatedClient(auth)
	if err != nil {
		return nil, storage.ConfigErrorf("swift auth: %s", err)
	}

	if skipSSLVerify {
		tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		provider.HTTPClient = http.Client{Transport: tr}
	}

	client, err := openstack.NewObjectStorageV1(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, storage.ConfigErrorf("swift endpoint: %s", err)
	}
	return newStorage(client, bucketName, prefix), nil
}

func newStorage(client *gophercloud.ServiceClient, bucketName, prefix string) *Storage {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Storage{
		conn:     client,
		bucket:   bucketName,
		prefix:   prefix,
		rlBucket: ratelimit.NewFakeBucket(),
	}
}

func (st *Storage) Type() storage.Type {
	return storage.TypeSwift
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *Storage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

func (st *Storage) Identifier(relativePath string, directory bool) string {
	rel := strings.Trim(relativePath, "/")
	if directory && rel != "" {
		return st.prefix + rel + "/"
	}
	return st.prefix + rel
}

func (st *Storage) RelativePath(identifier string, directory bool) string {
	return strings.Trim(strings.TrimPrefix(identifier, st.prefix), "/")
}

// List Swift container and send founded objects to chan.
func (st *Storage) List(ctx context.Context, output chan<- *storage.ObjectSummary) error {
	return st.listPrefix(ctx, st.prefix, output)
}

func (st *Storage) Children(ctx context.Context, parent *storage.ObjectSummary, output chan<- *storage.ObjectSummary) error {
	return st.listPrefix(ctx, parent.Identifier, output)
}

func (st *Storage) listPrefix(ctx context.Context, prefix string, output chan<- *storage.ObjectSummary) error {
	opts := &objects.ListOpts{Full: true, Prefix: prefix, Delimiter: "/"}
	pager := objects.List(st.conn, st.bucket, opts)

	err := pager.EachPage(func(page pagination.Page) (bool, error) {
		objectList, err := objects.ExtractInfo(page)
		if err != nil {
			return false, err
		}
		for _, summary := range summariesFromInfo(prefix, objectList) {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case output <- summary:
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	storage.Log.Debugf("Listing prefix %s finished", prefix)
	return nil
}

func summariesFromInfo(prefix string, infos []objects.Object) []*storage.ObjectSummary {
	res := make([]*storage.ObjectSummary, 0, len(infos))
	for _, n := range infos {
		switch {
		case n.Subdir != "":
			res = append(res, &storage.ObjectSummary{Identifier: n.Subdir, Directory: true})
		case n.Name == prefix || strings.HasSuffix(n.Name, "/"):
		default:
			res = append(res, &storage.ObjectSummary{Identifier: n.Name, Size: n.Bytes})
		}
	}
	return res
}

// LoadObject read object headers. Data is downloaded on demand.
func (st *Storage) LoadObject(ctx context.Context, identifier string) (*storage.SyncObject, error) {
	if identifier == st.prefix || strings.HasSuffix(identifier, "/") {
		return storage.NewSyncObject(st, st.RelativePath(identifier, true), &storage.ObjectMetadata{Directory: true}, nil, nil), nil
	}
	res := objects.Get(st.conn, st.bucket, identifier, objects.GetOpts{})
	if res.Err != nil {
		return nil, st.mapErr(identifier, res.Err)
	}
	header, err := res.Extract()
	if err != nil {
		return nil, err
	}
	meta, err := res.ExtractMetadata()
	if err != nil {
		return nil, err
	}

	md := &storage.ObjectMetadata{
		ContentType:        header.ContentType,
		ContentLength:      header.ContentLength,
		ModificationTime:   header.LastModified,
		HttpEtag:           storage.StrongEtag(&header.ETag),
		ContentEncoding:    header.ContentEncoding,
		ContentDisposition: header.ContentDisposition,
		UserMetadata:       userMetadata(meta),
	}

	stream := func() (io.ReadCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := objects.Download(st.conn, st.bucket, identifier, objects.DownloadOpts{})
		if res.Err != nil {
			return nil, st.mapErr(identifier, res.Err)
		}
		return &readCloser{Reader: ratelimit.NewReader(res.Body, st.rlBucket), Closer: res.Body}, nil
	}
	return storage.NewSyncObject(st, st.RelativePath(identifier, false), md, stream, nil), nil
}

// CreateObject saves object under name derived from its relative path.
func (st *Storage) CreateObject(ctx context.Context, obj *storage.SyncObject) (string, error) {
	id := st.Identifier(obj.RelativePath(), obj.IsDirectory())
	return id, st.UpdateObject(ctx, id, obj)
}

// UpdateObject saves object to Swift.
func (st *Storage) UpdateObject(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	if obj.IsDirectory() {
		return nil
	}
	if obj.BoolProperty(storage.PropSourceEtagMatches) {
		if err := st.UpdateMetadata(ctx, identifier, obj); !storage.IsErrNotExist(err) {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := obj.DataStream()
	if err != nil {
		return err
	}
	opts := createOpts(obj)
	opts.Content = ratelimit.NewReader(r, st.rlBucket)

	res := objects.Create(st.conn, st.bucket, identifier, opts)
	return res.Err
}

// UpdateMetadata replace user metadata of existing object.
func (st *Storage) UpdateMetadata(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := objects.UpdateOpts{Metadata: swiftMetadata(obj)}
	res := objects.Update(st.conn, st.bucket, identifier, opts)
	return st.mapErr(identifier, res.Err)
}

// Delete remove object from Swift.
func (st *Storage) Delete(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	if strings.HasSuffix(identifier, "/") {
		return nil
	}
	res := objects.Delete(st.conn, st.bucket, identifier, objects.DeleteOpts{})
	return st.mapErr(identifier, res.Err)
}

func (st *Storage) mapErr(identifier string, err error) error {
	var nf gophercloud.ErrDefault404
	if errors.As(err, &nf) {
		return &storage.ObjectNotFoundError{Identifier: identifier}
	}
	return err
}

func createOpts(obj *storage.SyncObject) objects.CreateOpts {
	md := obj.Metadata()
	opts := objects.CreateOpts{
		ContentType:        md.ContentType,
		ContentDisposition: md.ContentDisposition,
		ContentEncoding:    md.ContentEncoding,
		CacheControl:       md.CacheControl,
		Metadata:           swiftMetadata(obj),
	}
	if md.Checksum != nil && md.Checksum.Algorithm == "MD5" {
		opts.ETag = md.Checksum.Value
	}
	return opts
}

func swiftMetadata(obj *storage.SyncObject) map[string]string {
	md := obj.Metadata()
	if obj.BoolProperty(storage.PropSkipMetadata) || len(md.UserMetadata) == 0 {
		return nil
	}
	res := make(map[string]string, len(md.UserMetadata))
	for k, v := range md.UserMetadata {
		res[k] = v
	}
	return res
}

func userMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[strings.ToLower(k)] = v
	}
	return res
}

type readCloser struct {
	io.Reader
	io.Closer
}
