package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ecssync/tracking"
)

type taskResult int

const (
	resultSkipped taskResult = iota
	resultComplete
	resultVerified
)

// runTask processes one attempt of one object and records its outcome.
func (j *Job) runTask(ctx context.Context, oc *pipeline.ObjectContext) {
	id := oc.Identifier()
	j.tracking.Lock(id)
	res, update, err := j.process(ctx, oc)
	oc.Close()
	if err != nil {
		j.fail(ctx, oc, update, err)
	} else {
		j.succeed(oc, res)
	}
	j.tracking.Unlock(id)
}

// process runs the copy phase and the verify phase. update is the base record used for status changes.
func (j *Job) process(ctx context.Context, oc *pipeline.ObjectContext) (taskResult, *tracking.Update, error) {
	id := oc.Identifier()
	update := &tracking.Update{SourceID: id, RetryCount: oc.Failures}

	record, err := j.tracking.GetRecord(ctx, id)
	if err != nil {
		return resultSkipped, update, fmt.Errorf("read tracking record: %w", err)
	}
	if err := j.loadSource(ctx, oc); err != nil {
		return resultSkipped, update, err
	}
	md := oc.Object.Metadata()
	update.Directory = oc.Object.IsDirectory()
	update.Size = md.ContentLength
	update.Mtime = md.ModificationTime
	update.Metadata = j.metadataValues(md)

	res := resultSkipped
	if !j.opts.VerifyOnly {
		// tracking keeps millisecond precision
		if record != nil && record.Status.IsSuccess() && !j.opts.ForceSync && md.ModificationTime.UnixMilli() <= record.Mtime.UnixMilli() {
			pipeline.Log.Infof("O--* %s is already synced, skipping copy", id)
			j.stats.objectsCopySkipped.Add(1)
		} else {
			if err := j.setStatus(ctx, update, tracking.StatusInTransfer); err != nil {
				return res, update, err
			}
			pipeline.Log.Infof("O--+ syncing %s (size %d)", id, md.ContentLength)
			outcome, err := j.chain.Run(ctx, oc)
			if err != nil {
				return res, update, err
			}
			update.TargetID = oc.TargetID
			if outcome == pipeline.Skipped {
				pipeline.Log.Infof("O--* %s skipped: %s", id, oc.SkipReason)
				return resultSkipped, update, j.setStatus(ctx, update, tracking.StatusComplete)
			}
			if err := j.setStatus(ctx, update, tracking.StatusComplete); err != nil {
				return res, update, err
			}
			j.stats.bytesComplete.Add(uint64(oc.Object.BytesRead()))
			pipeline.Log.Infof("O--O finished syncing %s", id)
			res = resultComplete
		}
	}

	if j.opts.Verify || j.opts.VerifyOnly {
		if err := j.setStatus(ctx, update, tracking.StatusInVerification); err != nil {
			return res, update, err
		}
		pipeline.Log.Infof("O==? verifying %s", id)
		if err := j.verifyObject(ctx, oc); err != nil {
			return res, update, err
		}
		update.TargetID = oc.TargetID
		if err := j.setStatus(ctx, update, tracking.StatusVerified); err != nil {
			return res, update, err
		}
		pipeline.Log.Infof("O==O verification successful for %s", id)
		res = resultVerified
	}

	if res != resultSkipped && j.opts.DeleteSource {
		j.deleteSource(ctx, oc, update)
	}
	return res, update, nil
}

func (j *Job) loadSource(ctx context.Context, oc *pipeline.ObjectContext) error {
	id := oc.Identifier()
	vs, versioned := j.source.(storage.VersionedStorage)
	if j.opts.IncludeVersions && versioned && !oc.SourceSummary.Directory {
		versions, err := vs.LoadVersions(ctx, id)
		if err != nil {
			return fmt.Errorf("load source versions: %w", err)
		}
		if len(versions) == 0 {
			return &storage.ObjectNotFoundError{Identifier: id}
		}
		oc.SourceVersions = versions
		oc.Object = versions[len(versions)-1].SyncObject
	} else {
		obj, err := j.source.LoadObject(ctx, id)
		if err != nil {
			return fmt.Errorf("load source object: %w", err)
		}
		oc.Object = obj
	}
	return nil
}

func (j *Job) verifyObject(ctx context.Context, oc *pipeline.ObjectContext) error {
	if err := j.chain.Reverse(ctx, oc); err != nil {
		return err
	}
	if oc.SourceVersions != nil {
		return j.verifier.VerifyVersions(ctx, oc.SourceVersions, oc.TargetVersions)
	}
	return j.verifier.Verify(ctx, oc.Object, oc.TargetObject)
}

func (j *Job) deleteSource(ctx context.Context, oc *pipeline.ObjectContext, update *tracking.Update) {
	id := oc.Identifier()
	if err := j.source.Delete(ctx, id, oc.Object); err != nil {
		pipeline.Log.Warnf("Failed to delete source object %s: %s", id, err)
		return
	}
	pipeline.Log.Debugf("Deleted source object %s", id)
	update.SourceDeleted = true
	if err := j.tracking.SetStatus(ctx, update); err != nil {
		pipeline.Log.Warnf("Failed to record source deletion of %s: %s", id, err)
	}
}

func (j *Job) metadataValues(md *storage.ObjectMetadata) map[string]string {
	if len(j.opts.DbMetadataColumns) == 0 {
		return nil
	}
	values := make(map[string]string, len(j.opts.DbMetadataColumns))
	for _, col := range j.opts.DbMetadataColumns {
		if v := md.UserMetadataValue(col); v != "" {
			values[col] = v
		}
	}
	return values
}

func (j *Job) setStatus(ctx context.Context, update *tracking.Update, status tracking.Status) error {
	update.Status = status
	update.Error = ""
	if err := j.tracking.SetStatus(ctx, update); err != nil {
		return fmt.Errorf("write tracking status %s: %w", status, err)
	}
	return nil
}

func (j *Job) succeed(oc *pipeline.ObjectContext, res taskResult) {
	defer j.inflight.Done()
	switch res {
	case resultComplete:
		j.stats.objectsComplete.Add(1)
	case resultVerified:
		j.stats.objectsComplete.Add(1)
		j.stats.objectsVerified.Add(1)
	default:
		j.stats.objectsSkipped.Add(1)
	}
}

// fail records a failed attempt and schedules a retry when allowed.
func (j *Job) fail(ctx context.Context, oc *pipeline.ObjectContext, update *tracking.Update, err error) {
	id := oc.Identifier()
	update.Error = err.Error()

	if j.retriable(oc, err) {
		update.Status = tracking.StatusRetryQueue
		update.RetryCount = oc.Failures + 1
		if tErr := j.tracking.SetStatus(ctx, update); tErr != nil {
			pipeline.Log.Warnf("Failed to record retry of %s: %s", id, tErr)
		}
		j.stats.objectsRetried.Add(1)
		pipeline.Log.Warnf("O--R %s failed (attempt %d of %d), queued for retry: %s",
			id, oc.Failures+1, j.opts.RetryAttempts+1, err)
		j.scheduleRetry(ctx, oc.NextAttempt())
		return
	}

	defer j.inflight.Done()
	update.Status = tracking.StatusError
	if errors.Is(err, storage.ErrUploadPaused) {
		// the next run resumes the upload
		update.Status = tracking.StatusRetryQueue
	}
	if tErr := j.tracking.SetStatus(ctx, update); tErr != nil {
		pipeline.Log.Warnf("Failed to record failure of %s: %s", id, tErr)
	}
	j.stats.objectsFailed.Add(1)
	if j.opts.RememberFailed {
		j.stats.addFailed(FailedObject{Identifier: id, ListRowNum: oc.SourceSummary.ListRowNum, Error: err.Error()})
	}
	pipeline.Log.Errorf("O--! %s failed: %s", id, err)
}
