// Package engine drives the filter chain over every source object with bounded parallelism and retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ecssync/tracking"
	"github.com/larrabee/ecssync/verify"
)

// Config of a Job.
type Config struct {
	Source  storage.Storage
	Target  storage.Storage
	Filters []*pipeline.Step
	Options pipeline.Options
	// Tracking store, NoopService is used when nil.
	Tracking tracking.Service
	// ListInput overrides the source list file. It is used for stdin.
	ListInput io.Reader
}

// Job syncs every object of the source to the target.
type Job struct {
	ID string

	source   storage.Storage
	target   storage.Storage
	chain    *pipeline.Chain
	opts     pipeline.Options
	tracking tracking.Service
	verifier *verify.Verifier
	listIn   io.Reader

	pool     *Pool
	stats    *Stats
	seen     *seenSet
	inflight sync.WaitGroup
	running  atomic.Bool

	mu         sync.Mutex
	cancelList context.CancelFunc
	// stop is closed by Terminate, pending retries wait on it
	stop chan struct{}
}

// NewJob validates cfg and return a job ready to Run.
func NewJob(cfg Config) (*Job, error) {
	if cfg.Source == nil || cfg.Target == nil {
		return nil, storage.ConfigErrorf("source and target storage are required")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	if cfg.Options.IncludeVersions {
		if _, ok := cfg.Source.(storage.VersionedStorage); !ok {
			return nil, storage.ConfigErrorf("%s source does not support versions", cfg.Source.Type())
		}
		if _, ok := cfg.Target.(storage.VersionedStorage); !ok {
			return nil, storage.ConfigErrorf("%s target does not support versions", cfg.Target.Type())
		}
	}
	if cfg.Tracking == nil {
		cfg.Tracking = tracking.NewNoopService()
	}

	chain := pipeline.NewChain(cfg.Filters...)
	chain.AddStep("target", pipeline.NewTargetFilter(cfg.Target))

	j := &Job{
		ID:       uuid.NewString(),
		source:   cfg.Source,
		target:   cfg.Target,
		chain:    chain,
		opts:     cfg.Options,
		tracking: cfg.Tracking,
		listIn:   cfg.ListInput,
		verifier: &verify.Verifier{
			UseMetadataChecksum: cfg.Options.UseMetadataChecksumForVerification,
			CompareMetadata:     cfg.Options.SyncMetadata,
			CompareAcl:          cfg.Options.SyncAcl,
		},
		pool:  NewPool(cfg.Options.ThreadCount),
		stats: &Stats{},
		seen:  newSeenSet(),
	}
	if c, ok := cfg.Target.(storage.Controllable); ok {
		c.SetControl(j)
	}
	for _, st := range []storage.Storage{cfg.Source, cfg.Target} {
		if b, ok := st.(storage.BufferSizer); ok {
			b.SetBufferSize(cfg.Options.BufferSize)
		}
	}
	return j, nil
}

// Run enumerates the source and processes every object. It returns when all objects reached a terminal
// state. Per object failures are reported in Stats, only enumeration errors are returned.
func (j *Job) Run(ctx context.Context) error {
	if !j.running.CompareAndSwap(false, true) {
		return errors.New("job is already running")
	}
	defer j.running.Store(false)
	j.stats.start()
	defer j.stats.finish()

	listCtx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancelList = cancel
	j.stop = make(chan struct{})
	if !j.IsRunning() {
		// terminated before the run was set up
		cancel()
		j.closeStop()
	}
	j.mu.Unlock()
	defer cancel()
	// an object write in progress runs to completion even if the job is terminated
	workCtx := context.WithoutCancel(ctx)

	summaries := make(chan *storage.ObjectSummary, j.opts.ListBuffer)
	listErr := make(chan error, 1)
	go func() {
		defer close(summaries)
		listErr <- j.enumerate(listCtx, summaries)
	}()

	for summary := range summaries {
		if !j.IsRunning() {
			continue
		}
		j.submit(listCtx, workCtx, summary)
	}
	err := <-listErr

	j.inflight.Wait()
	j.pool.Wait()
	pipeline.Log.Debugf("Job %s finished", j.ID)

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("enumerate source: %w", err)
	}
	return nil
}

// submit schedules the first attempt of an enumerated object.
func (j *Job) submit(listCtx, workCtx context.Context, summary *storage.ObjectSummary) {
	if !j.seen.add(summary.Identifier) {
		pipeline.Log.Infof("O--* %s was already submitted, skipping duplicate", summary.Identifier)
		j.stats.objectsSkipped.Add(1)
		return
	}
	j.inflight.Add(1)
	oc := pipeline.NewObjectContext(summary, &j.opts)
	if err := j.pool.Submit(listCtx, func() { j.runTask(workCtx, oc) }); err != nil {
		pipeline.Log.Debugf("Object %s was not submitted: %s", summary.Identifier, err)
		j.inflight.Done()
	}
}

// IsRunning reports whether the job was started and not terminated.
func (j *Job) IsRunning() bool {
	return j.running.Load()
}

// Terminate stops enumeration. Objects already being written are finished, pending retries are dropped.
func (j *Job) Terminate() {
	if !j.running.CompareAndSwap(true, false) {
		return
	}
	pipeline.Log.Warnf("Terminating job %s", j.ID)
	j.mu.Lock()
	if j.cancelList != nil {
		j.cancelList()
	}
	j.closeStop()
	j.mu.Unlock()
}

// closeStop must be called with mu held.
func (j *Job) closeStop() {
	if j.stop == nil {
		return
	}
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
}

// stopped return the channel closed by Terminate during the current run.
func (j *Job) stopped() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stop
}

// SetThreadCount resize the worker pool while the job is running.
func (j *Job) SetThreadCount(n int) error {
	if n < 1 {
		return storage.ConfigErrorf("thread count must be positive, got %d", n)
	}
	j.pool.Resize(n)
	pipeline.Log.Infof("Thread count set to %d", n)
	return nil
}

// ThreadCount return the current worker limit.
func (j *Job) ThreadCount() int {
	return j.pool.Size()
}

// Stats return job statistics.
func (j *Job) Stats() Snapshot {
	return j.stats.Snapshot()
}

// FailedObjects return failed objects. It is empty unless RememberFailed is set.
func (j *Job) FailedObjects() []FailedObject {
	return j.stats.Failed()
}

// StepsInfo return per step statistics of the filter chain.
func (j *Job) StepsInfo() []pipeline.StepInfo {
	return j.chain.GetStepsInfo()
}
