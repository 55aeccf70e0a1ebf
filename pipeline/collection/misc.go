// Package collection contains filters that can be added to the sync pipeline.
package collection

import (
	"context"

	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
	"github.com/sirupsen/logrus"
)

type logger struct {
	pipeline.ForwardOnly
	log *logrus.Logger
}

// Logger prints object path with log and forwards the object.
func Logger(log *logrus.Logger) pipeline.Filter {
	return &logger{log: log}
}

func (f *logger) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	f.log.Infof("Key: %s", oc.Object.RelativePath())
	return pipeline.Forwarded, nil
}

type aclUpdater struct {
	pipeline.ForwardOnly
	acl *storage.ObjectAcl
}

// ACLUpdater replaces ACL of every object with acl.
func ACLUpdater(acl *storage.ObjectAcl) pipeline.Filter {
	return &aclUpdater{acl: acl}
}

func (f *aclUpdater) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	oc.Object.SetAcl(f.acl.Clone())
	return pipeline.Forwarded, nil
}

type cacheControlUpdater struct {
	pipeline.ForwardOnly
	value string
}

// CacheControlUpdater sets Cache-Control of every data object.
func CacheControlUpdater(value string) pipeline.Filter {
	return &cacheControlUpdater{value: value}
}

func (f *cacheControlUpdater) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	if !oc.Object.IsDirectory() {
		oc.Object.Metadata().CacheControl = f.value
	}
	return pipeline.Forwarded, nil
}

type metadataTagger struct {
	pipeline.ForwardOnly
	tags map[string]string
}

// UserMetadataTagger adds fixed user metadata to every object.
func UserMetadataTagger(tags map[string]string) pipeline.Filter {
	return &metadataTagger{tags: tags}
}

func (f *metadataTagger) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	md := oc.Object.Metadata()
	for k, v := range f.tags {
		md.SetUserMetadata(k, v)
	}
	return pipeline.Forwarded, nil
}

type rateLimit struct {
	pipeline.ForwardOnly
	wait func(count int64)
}

// PipelineRateLimit slows down the pipeline to the given rate (obj/sec).
func PipelineRateLimit(rate uint) (pipeline.Filter, error) {
	if rate == 0 {
		return nil, &pipeline.StepConfigurationError{StepName: "PipelineRateLimit", Reason: "rate must be positive"}
	}
	bucket, err := ratelimit.NewBucketWithRate(float64(rate), int64(rate*2))
	if err != nil {
		return nil, err
	}
	return &rateLimit{wait: bucket.Wait}, nil
}

func (f *rateLimit) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	f.wait(1)
	return pipeline.Forwarded, nil
}
