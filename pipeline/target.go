package pipeline

import (
	"context"
	"fmt"

	"github.com/larrabee/ecssync/reconcile"
	"github.com/larrabee/ecssync/storage"
)

// TargetFilter is the last step of every chain. It writes the object to the target storage and, on the way
// back, loads the target object for verification.
type TargetFilter struct {
	Target storage.Storage
}

// NewTargetFilter return TargetFilter writing to target.
func NewTargetFilter(target storage.Storage) *TargetFilter {
	return &TargetFilter{Target: target}
}

func (f *TargetFilter) targetID(oc *ObjectContext) string {
	if oc.TargetID != "" {
		return oc.TargetID
	}
	return f.Target.Identifier(oc.Object.RelativePath(), oc.Object.IsDirectory())
}

func (f *TargetFilter) Filter(ctx context.Context, oc *ObjectContext) (Outcome, error) {
	obj := oc.Object
	opts := oc.Options
	prepareObject(obj, opts)
	id := f.targetID(oc)

	if oc.SourceVersions != nil {
		vt, ok := f.Target.(storage.VersionedStorage)
		if !ok {
			return Failed, storage.NonRetriable(fmt.Errorf("%s target does not keep versions", f.Target.Type()))
		}
		for _, v := range oc.SourceVersions {
			prepareObject(v.SyncObject, opts)
		}
		res, err := reconcile.Sync(ctx, vt, id, oc.SourceVersions, obj, opts.ForceSync)
		if err != nil {
			return Failed, err
		}
		if res.Plan.UpToDate() {
			Log.Debugf("Versions of %s already match target", oc.Identifier())
		}
		written(oc, id)
		return Forwarded, nil
	}

	tobj, err := f.Target.LoadObject(ctx, id)
	switch {
	case err == nil:
		defer tobj.Close()
		if skipIfExists(oc, tobj) {
			return oc.Skip("target object exists with the same size and is not older"), nil
		}
		if !opts.SyncData && !obj.IsDirectory() {
			obj.SetProperty(storage.PropSourceEtagMatches, true)
		}
		if err := f.Target.UpdateObject(ctx, id, obj); err != nil {
			return Failed, fmt.Errorf("update target object %s: %w", id, err)
		}
	case storage.IsErrNotExist(err):
		if id, err = f.Target.CreateObject(ctx, obj); err != nil {
			return Failed, fmt.Errorf("create target object for %s: %w", obj.RelativePath(), err)
		}
	default:
		return Failed, fmt.Errorf("load target object %s: %w", id, err)
	}

	if err := storage.FinalizeMetadata(ctx, f.Target, id, obj); err != nil {
		return Failed, err
	}
	written(oc, id)
	return Forwarded, nil
}

func (f *TargetFilter) Reverse(ctx context.Context, oc *ObjectContext) error {
	id := f.targetID(oc)
	oc.TargetID = id

	if oc.SourceVersions != nil {
		vt, ok := f.Target.(storage.VersionedStorage)
		if !ok {
			return storage.NonRetriable(fmt.Errorf("%s target does not keep versions", f.Target.Type()))
		}
		versions, err := vt.LoadVersions(ctx, id)
		if err != nil {
			return fmt.Errorf("load target versions of %s: %w", id, err)
		}
		oc.TargetVersions = versions
		return nil
	}

	tobj, err := f.Target.LoadObject(ctx, id)
	if err != nil {
		return fmt.Errorf("load target object %s: %w", id, err)
	}
	oc.TargetObject = tobj
	return nil
}

func prepareObject(obj *storage.SyncObject, opts *Options) {
	obj.SetProperty(storage.PropSkipAcl, !opts.SyncAcl)
	obj.SetProperty(storage.PropSkipMetadata, !opts.SyncMetadata)
	if !opts.SyncRetentionExpiration {
		obj.Metadata().RetentionEndDate = nil
	}
}

func written(oc *ObjectContext, id string) {
	oc.TargetID = id
	oc.Object.SetTargetID(id)
	oc.Object.Seal()
}

// skipIfExists reports whether an existing target object can be left alone on the first attempt.
func skipIfExists(oc *ObjectContext, target *storage.SyncObject) bool {
	if oc.Object.IsDirectory() || oc.Options.ForceSync || !oc.Options.SyncData || oc.Failures > 0 {
		return false
	}
	src, dst := oc.Object.Metadata(), target.Metadata()
	return !dst.ModificationTime.Before(src.ModificationTime) && dst.ContentLength == src.ContentLength
}
