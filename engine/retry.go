package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
)

const maxRetryDelay = 5 * time.Minute

// retriable reports whether a failed attempt may be repeated.
func (j *Job) retriable(oc *pipeline.ObjectContext, err error) bool {
	switch {
	case !j.IsRunning():
		return false
	case oc.Failures >= j.opts.RetryAttempts:
		return false
	case storage.IsNonRetriable(err), storage.IsConfigError(err), storage.IsErrNotExist(err):
		return false
	}
	return true
}

// retryDelay return the delay before attempt number failures+1.
func (j *Job) retryDelay(failures uint) time.Duration {
	if j.opts.RetryDelay <= 0 {
		return 0
	}
	var b backoff.BackOff
	if j.opts.RetryBackoff == pipeline.BackoffFlat {
		b = backoff.NewConstantBackOff(j.opts.RetryDelay)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = j.opts.RetryDelay
		eb.MaxInterval = maxRetryDelay
		eb.Reset()
		b = eb
	}
	delay := j.opts.RetryDelay
	for i := uint(0); i < failures; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// scheduleRetry resubmits oc after the backoff delay. The object stays in flight until the retry finished.
func (j *Job) scheduleRetry(ctx context.Context, oc *pipeline.ObjectContext) {
	delay := j.retryDelay(oc.Failures)
	stop := j.stopped()
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-stop:
			}
		}
		if !j.IsRunning() {
			j.dropRetry(ctx, oc)
			return
		}
		if err := j.pool.Submit(ctx, func() { j.runTask(ctx, oc) }); err != nil {
			j.dropRetry(ctx, oc)
		}
	}()
}

// dropRetry gives up a pending retry because the job stopped. The record stays in RetryQueue.
func (j *Job) dropRetry(ctx context.Context, oc *pipeline.ObjectContext) {
	defer j.inflight.Done()
	id := oc.Identifier()
	pipeline.Log.Warnf("O--! %s: job stopped before retry %d", id, oc.Failures)
	j.stats.objectsFailed.Add(1)
	if j.opts.RememberFailed {
		j.stats.addFailed(FailedObject{
			Identifier: id,
			ListRowNum: oc.SourceSummary.ListRowNum,
			Error:      "job stopped before retry",
		})
	}
}
