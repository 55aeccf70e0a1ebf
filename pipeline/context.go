package pipeline

import (
	"github.com/larrabee/ecssync/storage"
)

// ObjectContext carries the state of one attempt to process one object. It is created per attempt and owned
// by the worker running it.
type ObjectContext struct {
	// SourceSummary is the enumerated source entry.
	SourceSummary *storage.ObjectSummary
	// Options is the run options snapshot.
	Options *Options
	// Failures is the number of failed attempts before this one.
	Failures uint

	// Object is the hydrated source object.
	Object *storage.SyncObject
	// SourceVersions is the source version chain when version sync is enabled. Object is its latest entry.
	SourceVersions []*storage.ObjectVersion

	// TargetID is set once the object was written to the target.
	TargetID string
	// TargetObject and TargetVersions are filled by the reverse chain.
	TargetObject   *storage.SyncObject
	TargetVersions []*storage.ObjectVersion

	// SkipReason is set by the filter that skipped the object.
	SkipReason string

	deferred []func()
}

// NewObjectContext return context for the first attempt.
func NewObjectContext(summary *storage.ObjectSummary, opts *Options) *ObjectContext {
	return &ObjectContext{SourceSummary: summary, Options: opts}
}

// Identifier return source identifier of the object.
func (oc *ObjectContext) Identifier() string {
	if oc.SourceSummary == nil {
		return ""
	}
	return oc.SourceSummary.Identifier
}

// Skip records reason and returns Skipped.
func (oc *ObjectContext) Skip(reason string) Outcome {
	oc.SkipReason = reason
	return Skipped
}

// Defer registers fn to run after the attempt finished. Deferred functions run in reverse order.
func (oc *ObjectContext) Defer(fn func()) {
	oc.deferred = append(oc.deferred, fn)
}

// Close runs deferred functions and releases source and target objects.
func (oc *ObjectContext) Close() {
	for i := len(oc.deferred) - 1; i >= 0; i-- {
		oc.deferred[i]()
	}
	oc.deferred = nil

	if oc.Object != nil {
		if err := oc.Object.Close(); err != nil {
			Log.Debugf("Failed to close object %s: %s", oc.Identifier(), err)
		}
	}
	storage.CloseVersions(oc.SourceVersions)
	if oc.TargetObject != nil {
		if err := oc.TargetObject.Close(); err != nil {
			Log.Debugf("Failed to close target object %s: %s", oc.TargetID, err)
		}
	}
	storage.CloseVersions(oc.TargetVersions)
}

// NextAttempt return a fresh context for the retry of this object.
func (oc *ObjectContext) NextAttempt() *ObjectContext {
	return &ObjectContext{
		SourceSummary: oc.SourceSummary,
		Options:       oc.Options,
		Failures:      oc.Failures + 1,
	}
}
