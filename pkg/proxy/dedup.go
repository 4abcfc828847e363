package proxy

import (
	"context"
	"net/http"
	"sync"
)

// upstreamResult is the outcome of one upstream fetch, shared between the
// owning caller and all deduplicated waiters.
type upstreamResult struct {
	Status int
	Header http.Header
	Body   []byte
}

// pendingCall is one in-flight upstream fetch.
type pendingCall struct {
	done chan struct{}
	res  *upstreamResult
	err  error
}

// wait blocks until the owning call completes or the waiter's context is
// cancelled. Cancelling a waiter does not cancel the shared call.
func (c *pendingCall) wait(ctx context.Context) (*upstreamResult, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingTracker collapses concurrent identical upstream calls: at most one
// call is in flight per dedup key. Registration and lookup are a single
// atomic check-and-register under the tracker lock.
type pendingTracker struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTracker() *pendingTracker {
	return &pendingTracker{calls: make(map[string]*pendingCall)}
}

// getOrCreate returns the in-flight call for key and whether the caller is
// the owner responsible for executing it.
func (p *pendingTracker) getOrCreate(key string) (*pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if call, ok := p.calls[key]; ok {
		return call, false
	}

	call := &pendingCall{done: make(chan struct{})}
	p.calls[key] = call
	return call, true
}

// complete publishes the result and releases all waiters. The entry is
// removed from the map before the result is propagated so late arrivals
// start a fresh call instead of waiting on a finished one.
func (p *pendingTracker) complete(key string, call *pendingCall, res *upstreamResult, err error) {
	p.mu.Lock()
	delete(p.calls, key)
	p.mu.Unlock()

	call.res = res
	call.err = err
	close(call.done)
}

// inFlight returns the number of pending calls, for tests.
func (p *pendingTracker) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
