package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
)

// Multipart defaults.
const (
	DefaultMultipartThreshold = 64 << 20
	DefaultPartSize           = 16 << 20
	minPartSize               = 5 << 20
	resumeCacheSize           = 4096
)

type uploadedPart struct {
	etag string
	size int64
}

// WithMultipart configure multipart uploads. threshold <= 0 disables them.
// With resume an interrupted upload of the same key is continued on the next attempt, and uploads
// pause instead of running to the end when the job stops.
func (st *S3Storage) WithMultipart(threshold, partSize int64, resume bool) {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	st.mpuThreshold = threshold
	st.partSize = partSize
	st.resume = resume
}

func (st *S3Storage) multipartUpload(ctx context.Context, key string, obj *storage.SyncObject, r io.Reader) error {
	md := obj.Metadata()
	uploadID, done := st.findUpload(ctx, key, md.ModificationTime)
	if uploadID == "" {
		input := &s3.CreateMultipartUploadInput{Bucket: st.awsBucket, Key: aws.String(key)}
		applyMultipartMetadata(input, md, obj.BoolProperty(storage.PropSkipMetadata))
		out, err := st.awsSvc.CreateMultipartUploadWithContext(ctx, input)
		if err != nil {
			return err
		}
		uploadID = aws.StringValue(out.UploadId)
	} else {
		storage.Log.Debugf("Resuming upload %s of %s, %d parts already uploaded", uploadID, key, len(done))
	}

	parts, err := st.uploadParts(ctx, key, uploadID, r, done)
	if err != nil {
		if st.resume {
			st.uploads.Add(key, uploadID)
		} else {
			st.abortUpload(key, uploadID)
		}
		return err
	}

	_, err = st.awsSvc.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          st.awsBucket,
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return err
	}
	st.uploads.Remove(key)
	return nil
}

func (st *S3Storage) uploadParts(ctx context.Context, key, uploadID string, r io.Reader, done map[int64]uploadedPart) ([]*s3.CompletedPart, error) {
	var parts []*s3.CompletedPart
	buf := make([]byte, st.partSize)
	for num := int64(1); ; num++ {
		n, readErr := io.ReadFull(r, buf)
		if readErr == io.EOF {
			break
		} else if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return nil, readErr
		}
		chunk := buf[:n]

		if st.resume && !st.running() {
			return nil, storage.ErrUploadPaused
		}

		sum := md5.Sum(chunk)
		etag := hex.EncodeToString(sum[:])
		if p, ok := done[num]; ok && p.size == int64(n) && p.etag == etag {
			parts = append(parts, &s3.CompletedPart{ETag: aws.String(etag), PartNumber: aws.Int64(num)})
		} else {
			out, err := st.awsSvc.UploadPartWithContext(ctx, &s3.UploadPartInput{
				Bucket:        st.awsBucket,
				Key:           aws.String(key),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int64(num),
				ContentLength: aws.Int64(int64(n)),
				Body:          ratelimit.NewReadSeeker(bytes.NewReader(chunk), st.rlBucket),
			})
			if err != nil {
				return nil, err
			}
			parts = append(parts, &s3.CompletedPart{ETag: out.ETag, PartNumber: aws.Int64(num)})
		}

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}
	return parts, nil
}

// findUpload return an unfinished upload of key started after mtime, with its uploaded parts.
func (st *S3Storage) findUpload(ctx context.Context, key string, mtime time.Time) (string, map[int64]uploadedPart) {
	if !st.resume {
		return "", nil
	}
	uploadID, ok := st.uploads.Get(key)
	if !ok {
		out, err := st.awsSvc.ListMultipartUploadsWithContext(ctx, &s3.ListMultipartUploadsInput{
			Bucket: st.awsBucket,
			Prefix: aws.String(key),
		})
		if err != nil {
			storage.Log.Debugf("Listing multipart uploads of %s failed: %s", key, err)
			return "", nil
		}
		var initiated time.Time
		for _, u := range out.Uploads {
			started := aws.TimeValue(u.Initiated)
			if aws.StringValue(u.Key) == key && started.After(mtime) && started.After(initiated) {
				uploadID, initiated = aws.StringValue(u.UploadId), started
			}
		}
	}
	if uploadID == "" {
		return "", nil
	}

	done := make(map[int64]uploadedPart)
	err := st.awsSvc.ListPartsPagesWithContext(ctx, &s3.ListPartsInput{
		Bucket:   st.awsBucket,
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}, func(p *s3.ListPartsOutput, lastPage bool) bool {
		for _, part := range p.Parts {
			done[aws.Int64Value(part.PartNumber)] = uploadedPart{
				etag: storage.StrongEtag(part.ETag),
				size: aws.Int64Value(part.Size),
			}
		}
		return !lastPage
	})
	if err != nil {
		storage.Log.Debugf("Listing parts of upload %s failed, starting a new upload: %s", uploadID, err)
		st.uploads.Remove(key)
		return "", nil
	}
	return uploadID, done
}

func (st *S3Storage) abortUpload(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err := st.awsSvc.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   st.awsBucket,
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		storage.Log.Debugf("Abort of upload %s failed: %s", uploadID, err)
	}
}
