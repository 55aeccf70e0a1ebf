package collection

import (
	"context"
	"fmt"

	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
)

type targetEtagCheck struct {
	pipeline.ForwardOnly
	target storage.Storage
}

// TargetEtagCheck compares source ETag with the object already on target. When they match, only metadata
// and ACL are written.
func TargetEtagCheck(target storage.Storage) pipeline.Filter {
	return &targetEtagCheck{target: target}
}

func (f *targetEtagCheck) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	obj := oc.Object
	srcEtag := obj.Metadata().HttpEtag
	if obj.IsDirectory() || srcEtag == "" {
		return pipeline.Forwarded, nil
	}
	tobj, err := f.target.LoadObject(ctx, f.target.Identifier(obj.RelativePath(), false))
	if storage.IsErrNotExist(err) {
		return pipeline.Forwarded, nil
	}
	if err != nil {
		return pipeline.Failed, fmt.Errorf("load target object: %w", err)
	}
	defer tobj.Close()

	dstEtag := tobj.Metadata().HttpEtag
	if storage.StrongEtag(&srcEtag) == storage.StrongEtag(&dstEtag) {
		pipeline.Log.Debugf("ETag of %s matches target, skipping data", obj.RelativePath())
		obj.SetProperty(storage.PropSourceEtagMatches, true)
	}
	return pipeline.Forwarded, nil
}
