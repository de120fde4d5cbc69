package rpcclient

import (
	"sync"
	"time"

	"github.com/stonegate/slgcore/internal/slgerrors"
)

// pendingEntry pairs a Future with the timer that enforces its timeout.
type pendingEntry struct {
	future *Future
	timer  *time.Timer
}

// pendingTable is the concurrent map keyed by reqId spec.md §5 names
// ("Pending-request table"). One exists per connection; request reqIds come
// from the Client-wide counter, so they are unique across all of a Client's
// connections.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: map[uint64]pendingEntry{}}
}

// register stores f under reqId and arms a timer that fails the future with
// a TimeoutError if no response/cancel/close arrives first.
func (t *pendingTable) register(reqID uint64, timeout time.Duration, f *Future) {
	timer := time.AfterFunc(timeout, func() {
		if t.remove(reqID) != nil {
			f.complete(nil, slgerrors.TimeoutError{ReqID: reqID, TimeoutMs: timeout.Milliseconds()})
		}
	})

	t.mu.Lock()
	t.entries[reqID] = pendingEntry{future: f, timer: timer}
	t.mu.Unlock()
}

// remove pops and returns the future for reqId, stopping its timer, or nil
// if already resolved/absent. Used so response-delivery, timeout-firing and
// close-all never double-complete the same future.
func (t *pendingTable) remove(reqID uint64) *Future {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[reqID]
	if !ok {
		return nil
	}

	delete(t.entries, reqID)
	e.timer.Stop()

	return e.future
}

// complete resolves reqId's future, if still pending.
func (t *pendingTable) complete(reqID uint64, result any, err error) {
	if f := t.remove(reqID); f != nil {
		f.complete(result, err)
	}
}

// closeAll completes every still-pending future with err (spec.md §4.5:
// "On channel close, all pending futures keyed to that channel complete
// with ChannelClosedError").
func (t *pendingTable) closeAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = map[uint64]pendingEntry{}
	t.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.future.complete(nil, err)
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
