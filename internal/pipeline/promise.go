package pipeline

import (
	"context"
	"sync"
)

// Promise tracks completion of one write.
type Promise struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewPromise returns a pending promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Succeed completes the promise without error. It reports whether this call
// completed it.
func (p *Promise) Succeed() bool {
	return p.complete(nil)
}

// Fail completes the promise with err.
func (p *Promise) Fail(err error) bool {
	return p.complete(err)
}

func (p *Promise) complete(err error) bool {
	ok := false
	p.once.Do(func() {
		p.err = err
		close(p.done)
		ok = true
	})
	return ok
}

// Done is closed once the promise completes.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// IsDone reports whether the promise has completed.
func (p *Promise) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error. It is nil while pending.
func (p *Promise) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Await blocks until completion or ctx is done.
func (p *Promise) Await(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
