package engine

import (
	"context"
	"sync"

	"github.com/marusama/semaphore/v2"
)

// Pool runs tasks with bounded parallelism. The limit can be changed while tasks are running.
type Pool struct {
	sem semaphore.Semaphore
	wg  sync.WaitGroup
}

// NewPool return pool running at most size tasks at once.
func NewPool(size int) *Pool {
	return &Pool{sem: semaphore.New(size)}
}

// Submit blocks until a worker slot is free and runs fn in it.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Resize change the limit. Running tasks are not interrupted, a smaller limit takes effect as they finish.
func (p *Pool) Resize(size int) {
	p.sem.SetLimit(size)
}

// Size return the current limit.
func (p *Pool) Size() int {
	return p.sem.GetLimit()
}

// Active return number of running tasks.
func (p *Pool) Active() int {
	return p.sem.GetCount()
}

// Wait blocks until every submitted task returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
