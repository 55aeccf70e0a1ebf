package pipeline

import (
	"time"

	"github.com/larrabee/ecssync/storage"
)

// Retry backoff kinds.
const (
	BackoffFlat        = "flat"
	BackoffExponential = "exponential"
)

// Options of a sync run.
type Options struct {
	ThreadCount   int           `yaml:"threadCount"`
	RetryAttempts uint          `yaml:"retryAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	RetryBackoff  string        `yaml:"retryBackoff"`

	Verify     bool `yaml:"verify"`
	VerifyOnly bool `yaml:"verifyOnly"`
	ForceSync  bool `yaml:"forceSync"`

	SyncAcl                 bool `yaml:"syncAcl"`
	SyncData                bool `yaml:"syncData"`
	SyncMetadata            bool `yaml:"syncMetadata"`
	SyncRetentionExpiration bool `yaml:"syncRetentionExpiration"`

	RememberFailed  bool `yaml:"rememberFailed"`
	DeleteSource    bool `yaml:"deleteSource"`
	IncludeVersions bool `yaml:"includeVersions"`

	SourceListFile    string   `yaml:"sourceListFile"`
	DbTable           string   `yaml:"dbTable"`
	DbMetadataColumns []string `yaml:"dbMetadataColumns"`

	BufferSize int `yaml:"bufferSize"`
	ListBuffer int `yaml:"listBuffer"`

	UseMetadataChecksumForVerification bool `yaml:"useMetadataChecksumForVerification"`
}

// DefaultOptions return options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ThreadCount:   16,
		RetryAttempts: 2,
		RetryDelay:    time.Second,
		RetryBackoff:  BackoffExponential,
		SyncData:      true,
		SyncMetadata:  true,
		BufferSize:    storage.DefaultBufferSize,
		ListBuffer:    1000,
	}
}

// Validate checks options consistency.
func (o *Options) Validate() error {
	if o.ThreadCount < 1 {
		return storage.ConfigErrorf("thread count must be positive, got %d", o.ThreadCount)
	}
	if o.Verify && o.VerifyOnly {
		return storage.ConfigErrorf("verify and verify-only are mutually exclusive")
	}
	if o.VerifyOnly && o.DeleteSource {
		return storage.ConfigErrorf("delete-source cannot be used with verify-only")
	}
	if !o.VerifyOnly && !o.SyncData && !o.SyncMetadata && !o.SyncAcl {
		return storage.ConfigErrorf("nothing to sync: data, metadata and acl sync are all disabled")
	}
	if o.BufferSize < 1 {
		return storage.ConfigErrorf("buffer size must be positive, got %d", o.BufferSize)
	}
	if o.ListBuffer < 1 {
		return storage.ConfigErrorf("list buffer must be positive, got %d", o.ListBuffer)
	}
	if o.RetryDelay < 0 {
		return storage.ConfigErrorf("retry delay must not be negative")
	}
	switch o.RetryBackoff {
	case BackoffFlat, BackoffExponential:
	default:
		return storage.ConfigErrorf("unknown retry backoff %q", o.RetryBackoff)
	}
	return nil
}
