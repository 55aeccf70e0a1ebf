package s3

import (
	"time"

	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/larrabee/ecssync/storage"
)

const maxRetryShift = 6

// Retryer implements basic retry logic
// You can implement the request.Retryer interface.
type Retryer struct {
	// RetryCnt is the number of max retries that will be performed.
	// By default, this is zero.
	RetryCnt uint

	// RetryDelay is the delay before the first retry, it doubles with every next retry.
	// If not set, the value is 0ns.
	RetryDelay time.Duration
}

// MaxRetries returns the number of maximum returns the service will use to make
// an individual API request.
func (d Retryer) MaxRetries() int {
	return int(d.RetryCnt)
}

// RetryRules returns the delay duration before retrying this request again
func (d Retryer) RetryRules(r *request.Request) time.Duration {
	// if number of max retries is zero, no retries will be performed.
	if d.RetryCnt == 0 {
		return 0
	}

	shift := r.RetryCount
	if shift > maxRetryShift {
		shift = maxRetryShift
	}
	return d.RetryDelay << uint(shift)
}

// ShouldRetry returns true if the request should be retried.
// Missing objects, denied access and canceled requests are never retried.
func (d Retryer) ShouldRetry(r *request.Request) bool {
	// ShouldRetry returns false if number of max retries is 0.
	if d.RetryCnt == 0 {
		return false
	}

	// If one of the other handlers already set the retry state
	// we don't want to override it based on the service's state
	if r.Retryable != nil {
		return *r.Retryable
	}

	if storage.IsErrNotExist(r.Error) || storage.IsErrPermission(r.Error) || storage.IsContextCanceled(r.Error) {
		return false
	}
	return true
}
