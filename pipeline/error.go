package pipeline

import (
	"fmt"

	"github.com/larrabee/ecssync/storage"
)

// FilterError wraps an error returned by a chain step.
type FilterError struct {
	Filter string
	Index  int
	Err    error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("pipeline step: %d (%s) failed with error: %s", e.Index, e.Filter, e.Err.Error())
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

// StepConfigurationError is returned by filter constructors for invalid configuration.
type StepConfigurationError struct {
	StepName string
	Reason   string
}

func (e *StepConfigurationError) Error() string {
	return fmt.Sprintf("pipeline step: %s invalid configuration passed: %s", e.StepName, e.Reason)
}

// Unwrap makes StepConfigurationError a storage.ConfigError, so it aborts the job.
func (e *StepConfigurationError) Unwrap() error {
	return &storage.ConfigError{Msg: e.StepName + ": " + e.Reason}
}
