package s3

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type fakeObject struct {
	data     []byte
	etag     string
	meta     map[string]*string
	ctype    *string
	mtime    time.Time
	versions []*s3.ObjectVersion
}

type fakeUpload struct {
	key       string
	initiated time.Time
	parts     map[int64][]byte
}

// fakeS3 keeps objects in memory. Only the calls used by S3Storage are implemented.
type fakeS3 struct {
	s3iface.S3API
	mu             sync.Mutex
	objects        map[string]*fakeObject
	uploads        map[string]*fakeUpload
	seq            int
	partUploads    int
	deleteCalls    int
	deleteErrCode  string
	versions       []*s3.ObjectVersion
	deleteMarkers  []*s3.DeleteMarkerEntry
	capitalizeMeta bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]*fakeObject), uploads: make(map[string]*fakeUpload)}
}

func notFound() error {
	return awserr.New("NotFound", "not found", nil)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// multipartEtagOf mimics the etag S3 assigns to objects assembled from parts.
func multipartEtagOf(parts [][]byte) string {
	h := md5.New()
	for _, p := range parts {
		sum := md5.Sum(p)
		h.Write(sum[:])
	}
	return fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(h.Sum(nil)), len(parts))
}

func (o *fakeObject) etagValue() string {
	if o.etag != "" {
		return o.etag
	}
	return etagOf(o.data)
}

func (f *fakeS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	f.mu.Lock()
	prefix := aws.StringValue(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	seen := make(map[string]bool)
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				out.CommonPrefixes = append(out.CommonPrefixes, &s3.CommonPrefix{Prefix: aws.String(cp)})
			}
			continue
		}
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k].data)))})
	}
	f.mu.Unlock()
	fn(out, true)
	return nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound()
	}
	meta := o.meta
	if f.capitalizeMeta {
		meta = make(map[string]*string, len(o.meta))
		for k, v := range o.meta {
			meta[strings.ToUpper(k[:1])+k[1:]] = v
		}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ContentType:   o.ctype,
		ETag:          aws.String(o.etagValue()),
		LastModified:  aws.Time(o.mtime),
		Metadata:      meta,
	}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	// request options must accept a request with headers
	r := &request.Request{HTTPRequest: &http.Request{Header: http.Header{}}}
	for _, opt := range opts {
		opt(r)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(o.data))}, nil
}

func (f *fakeS3) GetObjectAclWithContext(ctx aws.Context, in *s3.GetObjectAclInput, opts ...request.Option) (*s3.GetObjectAclOutput, error) {
	return &s3.GetObjectAclOutput{Owner: &s3.Owner{ID: aws.String("owner")}}, nil
}

func (f *fakeS3) PutObjectAclWithContext(ctx aws.Context, in *s3.PutObjectAclInput, opts ...request.Option) (*s3.PutObjectAclOutput, error) {
	return &s3.PutObjectAclOutput{}, nil
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = &fakeObject{data: data, meta: in.Metadata, ctype: in.ContentType, mtime: time.Now()}
	return &s3.PutObjectOutput{ETag: aws.String(etagOf(data))}, nil
}

func (f *fakeS3) CopyObjectWithContext(ctx aws.Context, in *s3.CopyObjectInput, opts ...request.Option) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	o.meta = in.Metadata
	o.ctype = in.ContentType
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectVersionsPagesWithContext(ctx aws.Context, in *s3.ListObjectVersionsInput, fn func(*s3.ListObjectVersionsOutput, bool) bool, opts ...request.Option) error {
	fn(&s3.ListObjectVersionsOutput{Versions: f.versions, DeleteMarkers: f.deleteMarkers}, true)
	return nil
}

func (f *fakeS3) DeleteObjectsWithContext(ctx aws.Context, in *s3.DeleteObjectsInput, opts ...request.Option) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	out := &s3.DeleteObjectsOutput{}
	if f.deleteErrCode != "" {
		out.Errors = []*s3.Error{{Key: in.Delete.Objects[0].Key, VersionId: in.Delete.Objects[0].VersionId, Code: aws.String(f.deleteErrCode)}}
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUploadWithContext(ctx aws.Context, in *s3.CreateMultipartUploadInput, opts ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("upload-%d", f.seq)
	f.uploads[id] = &fakeUpload{key: aws.StringValue(in.Key), initiated: time.Now(), parts: make(map[int64][]byte)}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPartWithContext(ctx aws.Context, in *s3.UploadPartInput, opts ...request.Option) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.StringValue(in.UploadId)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchUpload, "no such upload", nil)
	}
	f.partUploads++
	u.parts[aws.Int64Value(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(etagOf(data))}, nil
}

func (f *fakeS3) CompleteMultipartUploadWithContext(ctx aws.Context, in *s3.CompleteMultipartUploadInput, opts ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.StringValue(in.UploadId)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchUpload, "no such upload", nil)
	}
	var data []byte
	parts := make([][]byte, 0, len(in.MultipartUpload.Parts))
	for _, p := range in.MultipartUpload.Parts {
		part := u.parts[aws.Int64Value(p.PartNumber)]
		parts = append(parts, part)
		data = append(data, part...)
	}
	delete(f.uploads, aws.StringValue(in.UploadId))
	etag := multipartEtagOf(parts)
	f.objects[u.key] = &fakeObject{data: data, etag: etag, mtime: time.Now()}
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) AbortMultipartUploadWithContext(ctx aws.Context, in *s3.AbortMultipartUploadInput, opts ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.StringValue(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListMultipartUploadsWithContext(ctx aws.Context, in *s3.ListMultipartUploadsInput, opts ...request.Option) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListMultipartUploadsOutput{}
	for id, u := range f.uploads {
		out.Uploads = append(out.Uploads, &s3.MultipartUpload{Key: aws.String(u.key), UploadId: aws.String(id), Initiated: aws.Time(u.initiated)})
	}
	return out, nil
}

func (f *fakeS3) ListPartsPagesWithContext(ctx aws.Context, in *s3.ListPartsInput, fn func(*s3.ListPartsOutput, bool) bool, opts ...request.Option) error {
	f.mu.Lock()
	u, ok := f.uploads[aws.StringValue(in.UploadId)]
	if !ok {
		f.mu.Unlock()
		return awserr.New(s3.ErrCodeNoSuchUpload, "no such upload", nil)
	}
	out := &s3.ListPartsOutput{}
	for num, data := range u.parts {
		out.Parts = append(out.Parts, &s3.Part{PartNumber: aws.Int64(num), ETag: aws.String(etagOf(data)), Size: aws.Int64(int64(len(data)))})
	}
	f.mu.Unlock()
	fn(out, true)
	return nil
}
