// Package storage provides the object model and the interface every source or target connector implements.
package storage

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Log implement Logrus logger for debug logging.
var Log = logrus.New()

// Type of Storage.
type Type int

// Storage types.
const (
	TypeS3 Type = iota + 1
	TypeFS
	TypeAz
	TypeSwift
	TypeMemory
)

func (t Type) String() string {
	switch t {
	case TypeS3:
		return "s3"
	case TypeFS:
		return "fs"
	case TypeAz:
		return "az"
	case TypeSwift:
		return "swift"
	case TypeMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Storage interface.
//
// List and Children push summaries to output and return when enumeration is finished. They block while output
// is full, so the consumer controls how far enumeration runs ahead.
// CreateObject and UpdateObject must be idempotent: writing the same object twice leaves the target in the same state.
// Identifier and RelativePath are inverse of each other for every valid input.
type Storage interface {
	Type() Type
	WithRateLimit(limit int) error
	List(ctx context.Context, output chan<- *ObjectSummary) error
	Children(ctx context.Context, parent *ObjectSummary, output chan<- *ObjectSummary) error
	LoadObject(ctx context.Context, identifier string) (*SyncObject, error)
	CreateObject(ctx context.Context, obj *SyncObject) (string, error)
	UpdateObject(ctx context.Context, identifier string, obj *SyncObject) error
	Delete(ctx context.Context, identifier string, obj *SyncObject) error
	Identifier(relativePath string, directory bool) string
	RelativePath(identifier string, directory bool) string
}

// VersionedStorage is implemented by storages that keep an ordered version history per key.
type VersionedStorage interface {
	Storage
	// LoadVersions returns the version chain of identifier sorted oldest to newest.
	// An empty chain is returned when the key has no versions.
	LoadVersions(ctx context.Context, identifier string) ([]*ObjectVersion, error)
	// DeleteVersions removes the given versions of identifier. Versions are passed newest first.
	// Returns ErrVersionDeleteUnsupported if the storage can only delete the current version.
	DeleteVersions(ctx context.Context, identifier string, versions []*ObjectVersion) error
}

// MetadataUpdater is implemented by storages that can replace metadata of an already written object.
// It is used when a filter computes metadata only after the data stream was fully read.
type MetadataUpdater interface {
	UpdateMetadata(ctx context.Context, identifier string, obj *SyncObject) error
}

// DefaultBufferSize is the stream copy buffer size used until SetBufferSize is called.
const DefaultBufferSize = 128 * 1024

// BufferSizer is implemented by storages copying data streams through a buffer of configurable size.
type BufferSizer interface {
	SetBufferSize(size int)
}

// CopyBuffer copies r to w through a buffer of size bytes. Unlike io.CopyBuffer, the buffer is used even when
// r implements io.WriterTo or w implements io.ReaderFrom.
func CopyBuffer(w io.Writer, r io.Reader, size int) (int64, error) {
	if size < 1 {
		size = DefaultBufferSize
	}
	return io.CopyBuffer(struct{ io.Writer }{w}, struct{ io.Reader }{r}, make([]byte, size))
}

// Control reports whether the owning job is still running.
type Control interface {
	IsRunning() bool
}

// Controllable is implemented by storages with long running writes that can pause when the job stops.
type Controllable interface {
	SetControl(c Control)
}

// Object properties shared between filters and connectors.
const (
	// PropSourceEtagMatches marks that target data already matches the source, only metadata must be written.
	PropSourceEtagMatches = "storage.sourceEtagMatches"
	// PropSkipAcl disables ACL writes for the object.
	PropSkipAcl = "storage.skipAcl"
	// PropSkipMetadata disables user metadata writes for the object.
	PropSkipMetadata = "storage.skipMetadata"
)
