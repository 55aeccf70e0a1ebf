// Package s3 implements an S3 storage with version history, metadata finalization and resumable
// multipart uploads.
package s3

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/defaults"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
)

// S3Storage configuration.
type S3Storage struct {
	awsSvc        s3iface.S3API
	awsBucket     *string
	prefix        string
	keysPerReq    int64
	retryCnt      uint
	retryInterval time.Duration
	rlBucket      ratelimit.Bucket
	mpuThreshold  int64
	partSize      int64
	resume        bool
	uploads       *lru.Cache[string, string]
	control       storage.Control
	bufSize       int
}

// NewS3Storage return new configured S3 storage.
//
// You should always create new storage with this constructor.
func NewS3Storage(awsNoSign bool, awsAccessKey, awsSecretKey, awsToken, awsRegion, endpoint, bucketName, prefix string, keysPerReq int64, retryCnt uint, retryDelay time.Duration) *S3Storage {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	sess.Config.S3ForcePathStyle = aws.Bool(true)
	sess.Config.Region = aws.String(awsRegion)
	sess.Config.Retryer = &Retryer{RetryCnt: retryCnt, RetryDelay: retryDelay}

	if awsNoSign {
		sess.Config.Credentials = credentials.AnonymousCredentials
	} else if awsAccessKey != "" || awsSecretKey != "" {
		sess.Config.Credentials = credentials.NewStaticCredentials(awsAccessKey, awsSecretKey, awsToken)
	} else if _, err := sess.Config.Credentials.Get(); err != nil {
		storage.Log.Debugf("Failed to load credentials from default config")
		cred := credentials.NewChainCredentials(
			[]credentials.Provider{
				&credentials.EnvProvider{},
				defaults.RemoteCredProvider(*defaults.Config(), defaults.Handlers()),
			})
		sess.Config.Credentials = cred
	}

	if endpoint != "" {
		sess.Config.Endpoint = aws.String(endpoint)
	}
	if aws.StringValue(sess.Config.Region) == "" {
		sess.Config.Region = aws.String("us-east-1")
	}

	st := newS3Storage(s3.New(sess), bucketName, prefix, keysPerReq)
	st.retryCnt = retryCnt
	st.retryInterval = retryDelay
	return st
}

func newS3Storage(svc s3iface.S3API, bucketName, prefix string, keysPerReq int64) *S3Storage {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if keysPerReq <= 0 {
		keysPerReq = 1000
	}
	uploads, _ := lru.New[string, string](resumeCacheSize)
	return &S3Storage{
		awsSvc:       svc,
		awsBucket:    aws.String(bucketName),
		prefix:       prefix,
		keysPerReq:   keysPerReq,
		rlBucket:     ratelimit.NewFakeBucket(),
		mpuThreshold: DefaultMultipartThreshold,
		partSize:     DefaultPartSize,
		uploads:      uploads,
		bufSize:      storage.DefaultBufferSize,
	}
}

// SetBufferSize set the size of reads from the object data stream.
func (st *S3Storage) SetBufferSize(size int) {
	if size > 0 {
		st.bufSize = size
	}
}

func (st *S3Storage) Type() storage.Type {
	return storage.TypeS3
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *S3Storage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

// SetControl lets multipart uploads pause when the job stops.
func (st *S3Storage) SetControl(c storage.Control) {
	st.control = c
}

func (st *S3Storage) running() bool {
	return st.control == nil || st.control.IsRunning()
}

// Identifier of S3 object is its key. Directories are key prefixes ending with "/".
func (st *S3Storage) Identifier(relativePath string, directory bool) string {
	rel := strings.Trim(relativePath, "/")
	if directory && rel != "" {
		return st.prefix + rel + "/"
	}
	return st.prefix + rel
}

func (st *S3Storage) RelativePath(identifier string, directory bool) string {
	return strings.Trim(strings.TrimPrefix(identifier, st.prefix), "/")
}

// List send root level keys and common prefixes to output.
func (st *S3Storage) List(ctx context.Context, output chan<- *storage.ObjectSummary) error {
	return st.listPrefix(ctx, st.prefix, output)
}

// Children send keys and common prefixes directly below parent to output.
func (st *S3Storage) Children(ctx context.Context, parent *storage.ObjectSummary, output chan<- *storage.ObjectSummary) error {
	return st.listPrefix(ctx, parent.Identifier, output)
}

func (st *S3Storage) listPrefix(ctx context.Context, prefix string, output chan<- *storage.ObjectSummary) error {
	var token *string
	var sendErr error
	send := func(s *storage.ObjectSummary) bool {
		select {
		case <-ctx.Done():
			sendErr = ctx.Err()
			return false
		case output <- s:
			return true
		}
	}

	listObjectsFn := func(p *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, cp := range p.CommonPrefixes {
			if !send(&storage.ObjectSummary{Identifier: decodeKey(cp.Prefix), Directory: true}) {
				return false
			}
		}
		for _, o := range p.Contents {
			key := decodeKey(o.Key)
			// directory markers
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			if !send(&storage.ObjectSummary{Identifier: key, Size: aws.Int64Value(o.Size)}) {
				return false
			}
		}
		token = p.NextContinuationToken
		return !lastPage // continue paging
	}

	for i := uint(0); ; i++ {
		input := &s3.ListObjectsV2Input{
			Bucket:            st.awsBucket,
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			MaxKeys:           aws.Int64(st.keysPerReq),
			EncodingType:      aws.String(s3.EncodingTypeUrl),
			ContinuationToken: token,
		}

		err := st.awsSvc.ListObjectsV2PagesWithContext(ctx, input, listObjectsFn)
		if sendErr != nil {
			return sendErr
		}
		if (err != nil) && (i < st.retryCnt) && !storage.IsContextCanceled(err) {
			storage.Log.Debugf("S3 listing failed with error: %s", err)
			time.Sleep(st.retryInterval)
			continue
		} else if err != nil {
			storage.Log.Debugf("S3 listing failed with error: %s", err)
			return err
		}
		storage.Log.Debugf("Listing prefix %s finished", prefix)
		return nil
	}
}

func decodeKey(k *string) string {
	key, err := url.QueryUnescape(aws.StringValue(k))
	if err != nil {
		return aws.StringValue(k)
	}
	return key
}

// LoadObject read object metadata with HEAD request. Data and ACL are requested on demand.
func (st *S3Storage) LoadObject(ctx context.Context, identifier string) (*storage.SyncObject, error) {
	if identifier == st.prefix || strings.HasSuffix(identifier, "/") {
		md := &storage.ObjectMetadata{Directory: true}
		return storage.NewSyncObject(st, st.RelativePath(identifier, true), md, nil, nil), nil
	}
	return st.loadVersion(ctx, identifier, nil)
}

func (st *S3Storage) loadVersion(ctx context.Context, key string, versionID *string) (*storage.SyncObject, error) {
	head, err := st.awsSvc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket:    st.awsBucket,
		Key:       aws.String(key),
		VersionId: versionID,
	})
	if storage.IsErrNotExist(err) {
		return nil, &storage.ObjectNotFoundError{Identifier: key}
	} else if err != nil {
		return nil, err
	}

	stream := func() (io.ReadCloser, error) {
		result, err := st.awsSvc.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket:    st.awsBucket,
			Key:       aws.String(key),
			VersionId: versionID,
		}, withAcceptEncoding("gzip"))
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: ratelimit.NewReader(result.Body, st.rlBucket), Closer: result.Body}, nil
	}
	acl := func() (*storage.ObjectAcl, error) {
		result, err := st.awsSvc.GetObjectAclWithContext(ctx, &s3.GetObjectAclInput{
			Bucket:    st.awsBucket,
			Key:       aws.String(key),
			VersionId: versionID,
		})
		if err != nil {
			return nil, err
		}
		return aclFromS3(result.Owner, result.Grants), nil
	}
	return storage.NewSyncObject(st, st.RelativePath(key, false), metadataFromHead(head), stream, acl), nil
}

// CreateObject saves object under key derived from its relative path.
func (st *S3Storage) CreateObject(ctx context.Context, obj *storage.SyncObject) (string, error) {
	id := st.Identifier(obj.RelativePath(), obj.IsDirectory())
	return id, st.UpdateObject(ctx, id, obj)
}

// UpdateObject saves object to S3. Objects larger than the multipart threshold are uploaded in parts.
// Directories exist implicitly as key prefixes and are not written.
func (st *S3Storage) UpdateObject(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	if obj.IsDirectory() {
		return nil
	}
	if obj.BoolProperty(storage.PropSourceEtagMatches) {
		if err := st.UpdateMetadata(ctx, identifier, obj); err == nil {
			return st.putAcl(ctx, identifier, obj)
		} else if !storage.IsErrNotExist(err) {
			return err
		}
	}

	r, err := obj.DataStream()
	if err != nil {
		return err
	}
	md := obj.Metadata()
	if st.mpuThreshold > 0 && md.ContentLength >= st.mpuThreshold {
		if err := st.multipartUpload(ctx, identifier, obj, bufio.NewReaderSize(r, st.bufSize)); err != nil {
			return err
		}
		return st.putAcl(ctx, identifier, obj)
	}

	var data bytes.Buffer
	if _, err := storage.CopyBuffer(&data, r, st.bufSize); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: st.awsBucket,
		Key:    aws.String(identifier),
		Body:   ratelimit.NewReadSeeker(bytes.NewReader(data.Bytes()), st.rlBucket),
	}
	applyPutMetadata(input, md, obj.BoolProperty(storage.PropSkipMetadata))
	if _, err := st.awsSvc.PutObjectWithContext(ctx, input); err != nil {
		return err
	}
	return st.putAcl(ctx, identifier, obj)
}

func (st *S3Storage) putAcl(ctx context.Context, key string, obj *storage.SyncObject) error {
	if obj.BoolProperty(storage.PropSkipAcl) {
		return nil
	}
	acl, err := obj.Acl()
	if err != nil {
		return err
	}
	if acl == nil {
		return nil
	}
	_, err = st.awsSvc.PutObjectAclWithContext(ctx, &s3.PutObjectAclInput{
		Bucket:              st.awsBucket,
		Key:                 aws.String(key),
		AccessControlPolicy: aclToS3(acl),
	})
	return err
}

// UpdateMetadata replace metadata of existing object with a server side copy onto itself.
func (st *S3Storage) UpdateMetadata(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	input := &s3.CopyObjectInput{
		Bucket:            st.awsBucket,
		Key:               aws.String(identifier),
		CopySource:        aws.String(url.PathEscape(aws.StringValue(st.awsBucket) + "/" + identifier)),
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	}
	applyCopyMetadata(input, obj.Metadata(), obj.BoolProperty(storage.PropSkipMetadata))
	_, err := st.awsSvc.CopyObjectWithContext(ctx, input)
	if storage.IsErrNotExist(err) {
		return &storage.ObjectNotFoundError{Identifier: identifier}
	}
	return err
}

// Delete remove object from S3. With bucket versioning S3 writes a delete marker.
func (st *S3Storage) Delete(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	if strings.HasSuffix(identifier, "/") {
		return nil
	}
	_, err := st.awsSvc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: st.awsBucket,
		Key:    aws.String(identifier),
	})
	return err
}

type readCloser struct {
	io.Reader
	io.Closer
}
