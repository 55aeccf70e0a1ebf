// Package tracking keeps the persisted sync status of every source object, so a stopped job can be resumed
// without transferring completed objects again.
package tracking

import (
	"context"
	"time"
)

// Status of an object in the tracking store.
type Status string

// Statuses.
const (
	StatusPending        Status = "Pending"
	StatusInTransfer     Status = "InTransfer"
	StatusComplete       Status = "Complete"
	StatusInVerification Status = "InVerification"
	StatusVerified       Status = "Verified"
	StatusRetryQueue     Status = "RetryQueue"
	StatusError          Status = "Error"
)

// IsSuccess reports whether the object was synced.
func (s Status) IsSuccess() bool {
	return s == StatusComplete || s == StatusVerified
}

// dateColumn return the timestamp column set when an object enters s.
func (s Status) dateColumn() string {
	switch s {
	case StatusInTransfer:
		return "transfer_start"
	case StatusComplete:
		return "transfer_complete"
	case StatusInVerification:
		return "verify_start"
	case StatusVerified:
		return "verify_complete"
	default:
		return ""
	}
}

// MaxErrorSize is the maximum number of characters stored in error_message.
const MaxErrorSize = 2048

// SyncRecord is one row of the tracking table.
type SyncRecord struct {
	SourceID         string
	TargetID         string
	IsDirectory      bool
	Size             int64
	Mtime            time.Time
	Status           Status
	TransferStart    time.Time
	TransferComplete time.Time
	VerifyStart      time.Time
	VerifyComplete   time.Time
	RetryCount       uint
	ErrorMessage     string
	IsSourceDeleted  bool
	SyncedAt         time.Time
	// Metadata holds the values of configured metadata columns.
	Metadata map[string]string
}

// Update describes a status change of one object.
type Update struct {
	SourceID      string
	TargetID      string
	Directory     bool
	Size          int64
	Mtime         time.Time
	Status        Status
	RetryCount    uint
	SourceDeleted bool
	// Error is stored when not empty. An empty Error keeps the previous message.
	Error string
	// Metadata values for configured metadata columns. Missing keys keep previous values.
	Metadata map[string]string
}

// Service is the tracking store used by the engine.
//
// Lock and Unlock serialize all work on one source identifier. GetRecord returns nil without error for unknown
// identifiers. SetStatus inserts the record on first use and updates it in place afterwards.
type Service interface {
	Lock(identifier string)
	Unlock(identifier string)
	GetRecord(ctx context.Context, identifier string) (*SyncRecord, error)
	SetStatus(ctx context.Context, update *Update) error
	AllRecords(ctx context.Context) ([]*SyncRecord, error)
	Errors(ctx context.Context) ([]*SyncRecord, error)
	Retries(ctx context.Context) ([]*SyncRecord, error)
	Close() error
}

func truncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorSize {
		return msg
	}
	return string(r[:MaxErrorSize])
}
