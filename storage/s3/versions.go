package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/larrabee/ecssync/storage"
)

const deleteBatchSize = 1000

type versionEntry struct {
	id           string
	latest       bool
	deleteMarker bool
	mtime        time.Time
	etag         string
}

// LoadVersions return version chain of key, oldest first.
func (st *S3Storage) LoadVersions(ctx context.Context, identifier string) ([]*storage.ObjectVersion, error) {
	var entries []versionEntry
	input := &s3.ListObjectVersionsInput{
		Bucket: st.awsBucket,
		Prefix: aws.String(identifier),
	}
	err := st.awsSvc.ListObjectVersionsPagesWithContext(ctx, input, func(p *s3.ListObjectVersionsOutput, lastPage bool) bool {
		for _, v := range p.Versions {
			if aws.StringValue(v.Key) != identifier {
				continue
			}
			entries = append(entries, versionEntry{
				id:     aws.StringValue(v.VersionId),
				latest: aws.BoolValue(v.IsLatest),
				mtime:  aws.TimeValue(v.LastModified),
				etag:   storage.StrongEtag(v.ETag),
			})
		}
		for _, m := range p.DeleteMarkers {
			if aws.StringValue(m.Key) != identifier {
				continue
			}
			entries = append(entries, versionEntry{
				id:           aws.StringValue(m.VersionId),
				latest:       aws.BoolValue(m.IsLatest),
				deleteMarker: true,
				mtime:        aws.TimeValue(m.LastModified),
			})
		}
		return !lastPage
	})
	if err != nil {
		return nil, err
	}

	versions := make([]*storage.ObjectVersion, 0, len(entries))
	for _, e := range entries {
		v := &storage.ObjectVersion{VersionID: e.id, ETag: e.etag, Latest: e.latest, DeleteMarker: e.deleteMarker}
		if e.deleteMarker {
			md := &storage.ObjectMetadata{ModificationTime: e.mtime}
			v.SyncObject = storage.NewSyncObject(st, st.RelativePath(identifier, false), md, nil, nil)
		} else {
			obj, err := st.loadVersion(ctx, identifier, aws.String(e.id))
			if err != nil {
				storage.CloseVersions(versions)
				return nil, fmt.Errorf("load version %s of %s: %w", e.id, identifier, err)
			}
			obj.Metadata().ModificationTime = e.mtime
			v.SyncObject = obj
		}
		versions = append(versions, v)
	}
	storage.SortVersions(versions)
	latestLast(versions)
	return versions, nil
}

// latestLast moves the latest version behind versions written within the same second.
// S3 timestamps have second precision, so the mtime order alone may not match the write order.
func latestLast(chain []*storage.ObjectVersion) {
	n := len(chain)
	for i, v := range chain {
		if !v.Latest || i == n-1 {
			continue
		}
		if !v.Metadata().ModificationTime.Equal(chain[n-1].Metadata().ModificationTime) {
			return
		}
		copy(chain[i:], chain[i+1:])
		chain[n-1] = v
		return
	}
}

// DeleteVersions remove versions of key with batched DeleteObjects requests.
func (st *S3Storage) DeleteVersions(ctx context.Context, identifier string, versions []*storage.ObjectVersion) error {
	for start := 0; start < len(versions); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(versions) {
			end = len(versions)
		}
		ids := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, v := range versions[start:end] {
			ids = append(ids, &s3.ObjectIdentifier{Key: aws.String(identifier), VersionId: aws.String(v.VersionID)})
		}
		out, err := st.awsSvc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: st.awsBucket,
			Delete: &s3.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		for _, e := range out.Errors {
			switch aws.StringValue(e.Code) {
			case "NotImplemented", "MethodNotAllowed":
				return storage.ErrVersionDeleteUnsupported
			}
			return fmt.Errorf("delete version %s of %s: %s: %s",
				aws.StringValue(e.VersionId), identifier, aws.StringValue(e.Code), aws.StringValue(e.Message))
		}
	}
	return nil
}
