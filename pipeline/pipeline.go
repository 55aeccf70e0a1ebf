// Package pipeline implements the filter chain every object passes through on its way from source to target.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/larrabee/ecssync/storage"
	"github.com/sirupsen/logrus"
)

// Log implement Logrus logger for debug logging.
var Log = logrus.New()

func init() {
	storage.Log = Log
}

// Outcome of running an object through a filter or the whole chain.
type Outcome int

const (
	// Forwarded means the object was passed to the next filter (or written by the last one).
	Forwarded Outcome = iota
	// Skipped means a filter intentionally stopped the object. It is not an error and is not retried.
	Skipped
	// Failed means a filter returned an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Forwarded:
		return "forwarded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Filter is a single stage of the chain.
//
// Filter is called in source to target order and must return Forwarded for objects it passes on, Skipped to
// stop processing of the object, or an error. Reverse is called in target to source order when an object is
// read back from the target for verification.
// One Filter value is shared by all workers, so implementations must be safe for concurrent use.
type Filter interface {
	Filter(ctx context.Context, oc *ObjectContext) (Outcome, error)
	Reverse(ctx context.Context, oc *ObjectContext) error
}

// ForwardOnly can be embedded by filters that do nothing on the way back.
type ForwardOnly struct{}

func (ForwardOnly) Reverse(ctx context.Context, oc *ObjectContext) error {
	return nil
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, oc *ObjectContext) (Outcome, error)

func (fn FilterFunc) Filter(ctx context.Context, oc *ObjectContext) (Outcome, error) {
	return fn(ctx, oc)
}

func (fn FilterFunc) Reverse(ctx context.Context, oc *ObjectContext) error {
	return nil
}

// Step binds a Filter to a name used in logs and errors.
type Step struct {
	Name   string
	Filter Filter
	stats  stepCounters
}

// StepStats to keep basic step statistics.
type StepStats struct {
	Input   uint64
	Output  uint64
	Skipped uint64
	Error   uint64
}

// StepInfo is used to represent step information and statistic.
type StepInfo struct {
	Stats StepStats
	Name  string
	Num   int
}

type stepCounters struct {
	input   atomic.Uint64
	output  atomic.Uint64
	skipped atomic.Uint64
	error   atomic.Uint64
}

// ErrFilterFailed is reported for a step returning Failed without an error.
var ErrFilterFailed = errors.New("filter reported failure")

// Chain is an ordered list of steps. It is built once before the job starts and is read only afterwards.
type Chain struct {
	steps []*Step
}

// NewChain return chain with given steps.
func NewChain(steps ...*Step) *Chain {
	return &Chain{steps: steps}
}

// AddStep append a filter to the end of the chain.
func (c *Chain) AddStep(name string, f Filter) {
	c.steps = append(c.steps, &Step{Name: name, Filter: f})
}

// Len return number of steps.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Run pass the object through every step in order. It stops at the first step returning Skipped or an error.
// Closers registered with ObjectContext.Defer are not run here, the caller owns the context.
func (c *Chain) Run(ctx context.Context, oc *ObjectContext) (Outcome, error) {
	for i, step := range c.steps {
		step.stats.input.Add(1)
		outcome, err := step.Filter.Filter(ctx, oc)
		if err == nil && outcome == Failed {
			err = ErrFilterFailed
		}
		if err != nil {
			step.stats.error.Add(1)
			return Failed, &FilterError{Filter: step.Name, Index: i, Err: err}
		}
		if outcome == Skipped {
			step.stats.skipped.Add(1)
			Log.Debugf("Step %s skipped object %s: %s", step.Name, oc.Identifier(), oc.SkipReason)
			return Skipped, nil
		}
		step.stats.output.Add(1)
	}
	return Forwarded, nil
}

// Reverse call Reverse of every step from the last to the first one.
func (c *Chain) Reverse(ctx context.Context, oc *ObjectContext) error {
	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		if err := step.Filter.Reverse(ctx, oc); err != nil {
			return &FilterError{Filter: step.Name, Index: i, Err: err}
		}
	}
	return nil
}

// GetStepsInfo return info about all steps.
func (c *Chain) GetStepsInfo() []StepInfo {
	res := make([]StepInfo, 0, len(c.steps))
	for i, step := range c.steps {
		res = append(res, StepInfo{
			Name: step.Name,
			Num:  i,
			Stats: StepStats{
				Input:   step.stats.input.Load(),
				Output:  step.stats.output.Load(),
				Skipped: step.stats.skipped.Load(),
				Error:   step.stats.error.Load(),
			},
		})
	}
	return res
}
