// Package rpcclient is the RPC client core (C5): proxy dispatch, load
// balancing, pooled connections with heartbeat/reconnect, a circuit
// breaker per address, and the future/callback machinery for both
// blocking and async call styles (spec.md §4.5).
package rpcclient

import "sync"

// Future is the result of one pending RPC call. Exactly one of
// {response, timeout, channel-close, cancel} completes it (spec.md §5
// "Ordering guarantees"); completion is enforced by the done flag under
// mu, a CAS-by-mutex rather than atomic.CompareAndSwap since the result
// and error must be set atomically with the completion flag.
type Future struct {
	mu        sync.Mutex
	done      bool
	cancelled bool
	result    any
	err       error
	callbacks []func(any, error)
}

// NewFuture returns an incomplete Future.
func NewFuture() *Future { return &Future{} }

// complete resolves the future exactly once; later calls are no-ops. Fires
// every attached callback, in attachment order, outside the lock so a
// callback can itself call back into the Future (e.g. OnComplete chaining)
// without deadlocking.
func (f *Future) complete(result any, err error) {
	f.mu.Lock()

	if f.done {
		f.mu.Unlock()
		return
	}

	f.done = true
	f.result = result
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil

	f.mu.Unlock()

	fireCallbacks(cbs, result, err)
}

func fireCallbacks(cbs []func(any, error), result any, err error) {
	for _, cb := range cbs {
		safeCall(cb, result, err)
	}
}

// safeCall runs cb and recovers a panic, matching spec.md §4.5's "exceptions
// in callbacks are logged and swallowed" (logging is the caller's
// responsibility; this package only guarantees they never propagate).
func safeCall(cb func(any, error), result any, err error) {
	defer func() { _ = recover() }()
	cb(result, err)
}

// Get blocks until the future completes and returns its result or error.
// Callers that need a timeout should race this against a timer/context
// themselves, or use Client.Call which does so internally.
func (f *Future) Get() (any, error) {
	ch := make(chan struct{})

	f.OnComplete(func(any, error) { close(ch) })
	<-ch

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.result, f.err
}

// OnSuccess attaches cb, fired only if the future completes without error.
func (f *Future) OnSuccess(cb func(result any)) *Future {
	return f.OnComplete(func(result any, err error) {
		if err == nil {
			cb(result)
		}
	})
}

// OnFail attaches cb, fired only if the future completes with an error.
func (f *Future) OnFail(cb func(err error)) *Future {
	return f.OnComplete(func(_ any, err error) {
		if err != nil {
			cb(err)
		}
	})
}

// OnComplete attaches cb unconditionally. If the future has already
// completed, cb fires immediately (still under the "at most once, in
// attachment order" contract relative to other OnComplete calls).
func (f *Future) OnComplete(cb func(result any, err error)) *Future {
	f.mu.Lock()

	if f.done {
		result, err := f.result, f.err
		f.mu.Unlock()
		safeCall(cb, result, err)

		return f
	}

	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()

	return f
}

// Cancel succeeds only if the future has not yet completed (spec.md §5):
// it marks cancelled and completes with ErrCancelled-shaped error supplied
// by the caller (the pending table owns the timing-wheel slot cancel).
func (f *Future) Cancel(err error) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}

	f.cancelled = true
	f.mu.Unlock()

	f.complete(nil, err)

	return true
}

// Cancelled reports whether Cancel won the race to complete this future.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cancelled
}
