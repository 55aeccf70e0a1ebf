package collection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"

	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
)

type throttle struct {
	pipeline.ForwardOnly
	bucket ratelimit.Bucket
}

// Throttle limits the total read bandwidth (bytes/sec) of object data over all workers.
func Throttle(limit int) (pipeline.Filter, error) {
	if limit <= 0 {
		return nil, &pipeline.StepConfigurationError{StepName: "Throttle", Reason: "limit must be positive"}
	}
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return nil, err
	}
	return &throttle{bucket: bucket}, nil
}

func (f *throttle) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	if oc.Object.IsDirectory() {
		return pipeline.Forwarded, nil
	}
	err := oc.Object.WrapDataStream(func(r io.Reader) io.Reader {
		return ratelimit.NewReader(r, f.bucket)
	})
	return pipeline.Forwarded, err
}

// DefaultMd5MetadataKey is the user metadata key written by SourceMd5Tagger.
const DefaultMd5MetadataKey = "x-source-md5"

type md5Tagger struct {
	pipeline.ForwardOnly
	key string
}

// SourceMd5Tagger stores MD5 of the data read from source in user metadata key and as metadata checksum.
// The digest is known only after the data was written, so the target metadata is updated afterwards.
func SourceMd5Tagger(key string) pipeline.Filter {
	if key == "" {
		key = DefaultMd5MetadataKey
	}
	return &md5Tagger{key: key}
}

func (f *md5Tagger) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	if oc.Object.IsDirectory() {
		return pipeline.Forwarded, nil
	}
	md := oc.Object.Metadata()
	err := oc.Object.WrapDataStream(func(r io.Reader) io.Reader {
		return &md5Reader{r: r, h: md5.New(), done: func(sum string) {
			md.SetUserMetadata(f.key, sum)
			md.Checksum = &storage.Checksum{Algorithm: "MD5", Value: sum}
		}}
	})
	if err != nil {
		return pipeline.Failed, err
	}
	oc.Object.SetPostStreamUpdateRequired(true)
	return pipeline.Forwarded, nil
}

type md5Reader struct {
	r     io.Reader
	h     hash.Hash
	done  func(sum string)
	fired bool
}

func (m *md5Reader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.h.Write(p[:n])
	}
	if err == io.EOF && !m.fired {
		m.fired = true
		m.done(hex.EncodeToString(m.h.Sum(nil)))
	}
	return n, err
}
