// Package verify compares source and target objects after a sync.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/larrabee/ecssync/storage"
	"golang.org/x/sync/errgroup"
)

// MismatchError is returned when source and target differ. It is a regular per-object failure.
type MismatchError struct {
	Identifier string
	Reason     string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s", e.Identifier, e.Reason)
}

// Verifier compares data digests and optionally metadata and ACL.
type Verifier struct {
	// UseMetadataChecksum trusts an MD5 checksum stored in source metadata instead of reading the source.
	UseMetadataChecksum bool
	CompareMetadata     bool
	CompareAcl          bool
}

// Verify compares source and target. Both objects are closed before return.
func (v *Verifier) Verify(ctx context.Context, source, target *storage.SyncObject) (err error) {
	defer func() {
		if cErr := source.Close(); cErr != nil {
			storage.Log.Debugf("Failed to close source %s: %s", source.RelativePath(), cErr)
		}
		if cErr := target.Close(); cErr != nil {
			storage.Log.Debugf("Failed to close target %s: %s", target.TargetID(), cErr)
		}
	}()

	id := source.RelativePath()
	if source.IsDirectory() != target.IsDirectory() {
		return &MismatchError{Identifier: id, Reason: fmt.Sprintf("directory flag differs (source %t, target %t)",
			source.IsDirectory(), target.IsDirectory())}
	}
	if source.IsDirectory() {
		return nil
	}

	srcSum, dstSum, err := v.digests(ctx, source, target)
	if err != nil {
		return err
	}
	if srcSum != dstSum {
		return &MismatchError{Identifier: id, Reason: fmt.Sprintf("MD5 differs (source %s, target %s)", srcSum, dstSum)}
	}

	if v.CompareMetadata {
		if reason := compareMetadata(source.Metadata(), target.Metadata()); reason != "" {
			return &MismatchError{Identifier: id, Reason: reason}
		}
	}
	if v.CompareAcl {
		srcAcl, err := source.Acl()
		if err != nil {
			return fmt.Errorf("load source acl of %s: %w", id, err)
		}
		dstAcl, err := target.Acl()
		if err != nil {
			return fmt.Errorf("load target acl of %s: %w", id, err)
		}
		if !srcAcl.Equal(dstAcl) {
			return &MismatchError{Identifier: id, Reason: "ACL differs"}
		}
	}
	return nil
}

// digests computes source and target MD5 in parallel.
func (v *Verifier) digests(ctx context.Context, source, target *storage.SyncObject) (string, string, error) {
	var srcSum, dstSum string
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if sum, ok := v.metadataChecksum(source); ok {
			srcSum = sum
			return nil
		}
		sum, err := source.Md5Hex(true)
		if err != nil {
			return fmt.Errorf("read source %s: %w", source.RelativePath(), err)
		}
		srcSum = sum
		return nil
	})
	g.Go(func() error {
		sum, err := target.Md5Hex(true)
		if err != nil {
			return fmt.Errorf("read target %s: %w", target.RelativePath(), err)
		}
		dstSum = sum
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return srcSum, dstSum, nil
}

func (v *Verifier) metadataChecksum(obj *storage.SyncObject) (string, bool) {
	if !v.UseMetadataChecksum {
		return "", false
	}
	cs := obj.Metadata().Checksum
	if cs == nil || !strings.EqualFold(cs.Algorithm, "MD5") || cs.Value == "" {
		return "", false
	}
	return strings.ToLower(cs.Value), true
}

func compareMetadata(src, dst *storage.ObjectMetadata) string {
	switch {
	case src.ContentLength != dst.ContentLength:
		return fmt.Sprintf("size differs (source %d, target %d)", src.ContentLength, dst.ContentLength)
	case src.ContentType != "" && src.ContentType != dst.ContentType:
		return fmt.Sprintf("content type differs (source %q, target %q)", src.ContentType, dst.ContentType)
	}
	// target may carry extra keys added by filters
	for k, val := range src.UserMetadata {
		if dstVal, ok := dst.UserMetadata[k]; !ok || dstVal != val {
			return fmt.Sprintf("user metadata %q differs", k)
		}
	}
	return ""
}

// VerifyVersions compares two version chains. Delete markers are compared by presence only,
// data versions by MD5.
func (v *Verifier) VerifyVersions(ctx context.Context, source, target []*storage.ObjectVersion) error {
	id := ""
	if len(source) > 0 {
		id = source[0].RelativePath()
	}
	if len(source) != len(target) {
		return &MismatchError{Identifier: id, Reason: fmt.Sprintf("version count differs (source %d, target %d)",
			len(source), len(target))}
	}
	for i := range source {
		s, t := source[i], target[i]
		if s.DeleteMarker != t.DeleteMarker {
			return &MismatchError{Identifier: id, Reason: fmt.Sprintf("delete marker differs at version %d", i)}
		}
		if s.DeleteMarker {
			continue
		}
		srcSum, dstSum, err := v.digests(ctx, s.SyncObject, t.SyncObject)
		if err != nil {
			return err
		}
		if srcSum != dstSum {
			return &MismatchError{Identifier: id, Reason: fmt.Sprintf("MD5 differs at version %d (source %s, target %s)",
				i, srcSum, dstSum)}
		}
	}
	return nil
}
