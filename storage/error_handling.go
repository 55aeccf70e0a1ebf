package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

var (
	// ErrObjectNotFound is matched by every ObjectNotFoundError.
	ErrObjectNotFound = errors.New("object not found")
	// ErrVersionDeleteUnsupported is returned by targets that cannot delete a specific historical version.
	ErrVersionDeleteUnsupported = errors.New("storage does not support deleting specific versions")
	// ErrUploadPaused is returned when a resumable upload was paused because the job stopped.
	ErrUploadPaused = errors.New("upload paused")
)

// ObjectNotFoundError is returned by LoadObject when identifier does not exist.
type ObjectNotFoundError struct {
	Identifier string
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object not found: %s", e.Identifier)
}

func (e *ObjectNotFoundError) Is(target error) bool {
	return target == ErrObjectNotFound
}

// NonRetriableError marks failures that must not be retried.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetriableError) Unwrap() error {
	return e.Err
}

// NonRetriable wraps err so the engine records it as failed without retrying.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriableError{Err: err}
}

// IsNonRetriable reports whether err or any error it wraps is non-retriable.
func IsNonRetriable(err error) bool {
	var nrErr *NonRetriableError
	return errors.As(err, &nrErr)
}

// ConfigError is a fatal configuration problem, detected before any object is processed.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Msg
}

// ConfigErrorf return new ConfigError.
func ConfigErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var cErr *ConfigError
	return errors.As(err, &cErr)
}

func IsErrNotExist(err error) bool {
	if errors.Is(err, ErrObjectNotFound) {
		return true
	}

	var aErr awserr.Error
	if errors.As(err, &aErr) {
		if (aErr.Code() == s3.ErrCodeNoSuchKey) || (aErr.Code() == "NotFound") {
			return true
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	return false
}

func IsErrPermission(err error) bool {
	var aErr awserr.Error
	if errors.As(err, &aErr) {
		if aErr.Code() == "AccessDenied" {
			return true
		}
	}

	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return false
}

func IsContextCanceled(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return true
	}

	var aErr awserr.Error
	if ok := errors.As(err, &aErr); ok && aErr.OrigErr() == context.Canceled {
		return true
	} else if ok && aErr.Code() == request.CanceledErrorCode {
		return true
	}

	return false
}
