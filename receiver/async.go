package receiver

import "sync"

// asyncPool bounds concurrent delivery work so that Session.Data/LMTPData
// can hand a fully-read message off and return immediately, keeping the
// accept/read loop from ever blocking on handler execution -- the
// "single-threaded cooperative" variant, built on a buffered channel as the
// semaphore rather than golang.org/x/sync/semaphore, since the only
// operation needed is acquire-one/release-one.
type asyncPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// newAsyncPool returns a pool that runs at most concurrency deliveries at
// once.
func newAsyncPool(concurrency int) *asyncPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &asyncPool{sem: make(chan struct{}, concurrency)}
}

// run schedules fn, blocking only until a pool slot is free (never until fn
// completes).
func (p *asyncPool) run(fn func()) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		fn()
	}()
}

// Wait blocks until every scheduled fn has returned. Used during shutdown.
func (p *asyncPool) Wait() {
	p.wg.Wait()
}
