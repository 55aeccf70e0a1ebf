// Package reconcile replays version chains of a source key onto a versioned target.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/larrabee/ecssync/storage"
)

// Plan is the result of comparing two version chains.
type Plan struct {
	// Replace means every target version must be deleted and the whole source chain replayed.
	Replace bool
	// Append holds the source versions missing at the end of the target chain.
	Append []*storage.ObjectVersion
	// Reason describes why Replace was chosen.
	Reason string
}

// UpToDate reports whether the target already matches the source.
func (p Plan) UpToDate() bool {
	return !p.Replace && len(p.Append) == 0
}

// Result of Sync.
type Result struct {
	Plan    Plan
	Writes  int
	Deleted int
}

// Compare walks source and target chains (both oldest first) and decides what to write.
func Compare(source, target []*storage.ObjectVersion, force bool) (Plan, error) {
	if force {
		return Plan{Replace: true, Reason: "forced"}, nil
	}

	n := len(target)
	if len(source) < n {
		n = len(source)
	}
	for i := 0; i < n; i++ {
		s, t := source[i], target[i]
		if s.DeleteMarker != t.DeleteMarker {
			return Plan{Replace: true, Reason: fmt.Sprintf("delete marker mismatch at version %d", i)}, nil
		}
		if s.DeleteMarker {
			continue
		}
		same, err := sameContent(s, t)
		if err != nil {
			return Plan{}, err
		}
		if !same {
			return Plan{Replace: true, Reason: fmt.Sprintf("content mismatch at version %d", i)}, nil
		}
	}

	if len(target) > len(source) {
		return Plan{Replace: true, Reason: "target has versions missing on source"}, nil
	}
	return Plan{Append: source[len(target):]}, nil
}

// sameContent compares etags, falling back to data digests when an etag is unknown or multipart.
// Digests are computed on detached streams, the version data stays readable for a later replay.
func sameContent(s, t *storage.ObjectVersion) (bool, error) {
	if s.ETag != "" && t.ETag != "" && !isMultipartEtag(s.ETag) && !isMultipartEtag(t.ETag) {
		return storage.StrongEtag(&s.ETag) == storage.StrongEtag(&t.ETag), nil
	}
	sSum, err := s.DetachedMd5Hex()
	if err != nil {
		return false, fmt.Errorf("read source version %s: %w", s.VersionID, err)
	}
	tSum, err := t.DetachedMd5Hex()
	if err != nil {
		return false, fmt.Errorf("read target version %s: %w", t.VersionID, err)
	}
	return sSum == tSum, nil
}

// isMultipartEtag reports whether e has the "<md5>-<parts>" form, which is not a digest of the data.
func isMultipartEtag(e string) bool {
	return strings.Contains(e, "-")
}

// Sync makes the version chain of identifier on target equal to source.
//
// current is the object written for the latest source version. It may differ from the last chain entry when
// filters decorated it. Versions are written strictly oldest to newest and only the latest one gets metadata
// finalization.
func Sync(ctx context.Context, target storage.VersionedStorage, identifier string, source []*storage.ObjectVersion,
	current *storage.SyncObject, force bool) (Result, error) {
	if len(source) == 0 {
		return Result{}, storage.NonRetriable(fmt.Errorf("empty source version chain for %s", identifier))
	}
	if err := storage.ValidateChain(source); err != nil {
		return Result{}, storage.NonRetriable(fmt.Errorf("source chain of %s: %w", identifier, err))
	}

	existing, err := target.LoadVersions(ctx, identifier)
	if err != nil {
		return Result{}, fmt.Errorf("load target versions of %s: %w", identifier, err)
	}
	defer storage.CloseVersions(existing)

	plan, err := Compare(source, existing, force)
	if err != nil {
		return Result{}, err
	}
	res := Result{Plan: plan}
	if plan.UpToDate() {
		storage.Log.Debugf("Versions of %s are up to date", identifier)
		return res, nil
	}

	toWrite := plan.Append
	if plan.Replace {
		storage.Log.Debugf("Replacing %d versions of %s: %s", len(existing), identifier, plan.Reason)
		if len(existing) > 0 {
			newestFirst := make([]*storage.ObjectVersion, len(existing))
			for i, v := range existing {
				newestFirst[len(existing)-1-i] = v
			}
			if err := target.DeleteVersions(ctx, identifier, newestFirst); err != nil {
				if errors.Is(err, storage.ErrVersionDeleteUnsupported) {
					return res, storage.NonRetriable(fmt.Errorf("replace versions of %s: %w", identifier, err))
				}
				return res, fmt.Errorf("delete target versions of %s: %w", identifier, err)
			}
			res.Deleted = len(existing)
		}
		toWrite = source
	}

	for i, v := range toWrite {
		latest := i == len(toWrite)-1
		obj := v.SyncObject
		if latest && current != nil {
			obj = current
		}
		if err := writeVersion(ctx, target, identifier, v, obj, latest); err != nil {
			return res, err
		}
		res.Writes++
	}
	return res, nil
}

func writeVersion(ctx context.Context, target storage.VersionedStorage, identifier string, v *storage.ObjectVersion,
	obj *storage.SyncObject, latest bool) error {
	if v.DeleteMarker {
		err := target.Delete(ctx, identifier, nil)
		if err != nil && !storage.IsErrNotExist(err) {
			return fmt.Errorf("write delete marker %s of %s: %w", v.VersionID, identifier, err)
		}
		return nil
	}
	if err := target.UpdateObject(ctx, identifier, obj); err != nil {
		return fmt.Errorf("write version %s of %s: %w", v.VersionID, identifier, err)
	}
	if latest {
		return storage.FinalizeMetadata(ctx, target, identifier, obj)
	}
	return nil
}
