package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// FailedObject is an object that ended with an error.
type FailedObject struct {
	Identifier string
	ListRowNum int
	Error      string
}

// Stats of a job. Counters are safe for concurrent use.
type Stats struct {
	objectsComplete    atomic.Uint64
	objectsVerified    atomic.Uint64
	objectsSkipped     atomic.Uint64
	objectsCopySkipped atomic.Uint64
	objectsFailed      atomic.Uint64
	objectsRetried     atomic.Uint64
	bytesComplete      atomic.Uint64

	mu        sync.Mutex
	startTime time.Time
	endTime   time.Time
	failed    []FailedObject
}

// Snapshot is a point in time copy of Stats.
type Snapshot struct {
	ObjectsComplete    uint64
	ObjectsVerified    uint64
	ObjectsSkipped     uint64
	ObjectsCopySkipped uint64
	ObjectsFailed      uint64
	ObjectsRetried     uint64
	BytesComplete      uint64
	Duration           time.Duration
}

func (s *Stats) start() {
	s.mu.Lock()
	s.startTime = time.Now()
	s.endTime = time.Time{}
	s.mu.Unlock()
}

func (s *Stats) finish() {
	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()
}

func (s *Stats) addFailed(obj FailedObject) {
	s.mu.Lock()
	s.failed = append(s.failed, obj)
	s.mu.Unlock()
}

// Failed return remembered failed objects.
func (s *Stats) Failed() []FailedObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]FailedObject, len(s.failed))
	copy(res, s.failed)
	return res
}

// Snapshot return current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	var dur time.Duration
	switch {
	case s.startTime.IsZero():
	case s.endTime.IsZero():
		dur = time.Since(s.startTime)
	default:
		dur = s.endTime.Sub(s.startTime)
	}
	s.mu.Unlock()

	return Snapshot{
		ObjectsComplete:    s.objectsComplete.Load(),
		ObjectsVerified:    s.objectsVerified.Load(),
		ObjectsSkipped:     s.objectsSkipped.Load(),
		ObjectsCopySkipped: s.objectsCopySkipped.Load(),
		ObjectsFailed:      s.objectsFailed.Load(),
		ObjectsRetried:     s.objectsRetried.Load(),
		BytesComplete:      s.bytesComplete.Load(),
		Duration:           dur,
	}
}
