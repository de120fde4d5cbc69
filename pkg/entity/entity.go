// Package entity implements the entity metadata cache (C1) and the
// per-instance change-tracking state (the "Entity" row of spec.md §3) that
// the writeback manager (C3) and SQL executor (C2) build on.
package entity

import (
	"fmt"
	"sync"
)

// State is the lifecycle of a persisted record.
type State int8

const (
	StateNew State = iota
	StatePersistent
	StateDeleted
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePersistent:
		return "PERSISTENT"
	case StateDeleted:
		return "DELETED"
	case StateDetached:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}

// Base is embedded by every persisted domain struct. It tracks the fields
// spec.md §3 assigns to "Entity": state, the two monotonic version
// counters, the changed-field set, and the in-land-queue flag.
//
// Invariants enforced here: businessVersion >= dbVersion always; the
// changed-field set and businessVersion update atomically with respect to
// each mutating write (guarded by mu, not by atomics, since both must move
// together).
type Base struct {
	mu sync.Mutex

	state           State
	businessVersion uint64
	dbVersion       uint64
	changed         map[string]struct{}
	inLandQueue     bool
}

// NewBase returns a Base in state NEW with businessVersion 1 (the initial
// insert is itself a mutation).
func NewBase() *Base {
	return &Base{state: StateNew, businessVersion: 1, changed: map[string]struct{}{}}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// MarkChanged records field as dirty and bumps businessVersion atomically
// with respect to any concurrent mutation.
func (b *Base) MarkChanged(field string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.changed[field] = struct{}{}
	b.businessVersion++
}

// ChangedFields returns a snapshot of the currently-dirty field names.
func (b *Base) ChangedFields() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.changed))
	for f := range b.changed {
		out = append(out, f)
	}

	return out
}

// ClearChanged empties the changed-field set, e.g. after a successful
// partial UPDATE has been flushed.
func (b *Base) ClearChanged() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.changed = map[string]struct{}{}
}

// BusinessVersion returns the current business version.
func (b *Base) BusinessVersion() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.businessVersion
}

// DBVersion returns the last value successfully written.
func (b *Base) DBVersion() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dbVersion
}

// NeedsLand reports businessVersion > dbVersion.
func (b *Base) NeedsLand() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.businessVersion > b.dbVersion
}

// SyncVersion sets dbVersion := businessVersion, called after a row is
// confirmed landed (or SUCCESS_NO_INFO, treated as success per spec.md §4.2).
func (b *Base) SyncVersion() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dbVersion = b.businessVersion
}

// CapturedVersion returns businessVersion for embedding into a land task;
// the task is stale if a later call to this returns a larger value before
// the task is flushed.
func (b *Base) CapturedVersion() uint64 { return b.BusinessVersion() }

// InLandQueue reports whether an in-flight task already represents this
// entity's mutations.
func (b *Base) InLandQueue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.inLandQueue
}

// SetInLandQueue flips the in-land-queue flag.
func (b *Base) SetInLandQueue(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inLandQueue = v
}

// transitions enumerates every state pair allowed by spec.md §3. Anything
// not listed here is an invariant violation.
var transitions = map[[2]State]bool{
	{StateNew, StatePersistent}:     true,
	{StatePersistent, StateDeleted}: true,
	{StateNew, StateDeleted}:        true, // NEW->DELETED while still queued cancels the pending INSERT.
	{StateDetached, StateDetached}:  true,
}

// TransitionTo moves the entity to next, rejecting any pair not in the
// table above. NEW->DELETED is the "cancel pending insert" path: the caller
// (C3) is responsible for dropping the queued INSERT task, not this method.
func (b *Base) TransitionTo(next State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == next {
		return nil
	}

	if !transitions[[2]State{b.state, next}] {
		return fmt.Errorf("entity: illegal state transition %s -> %s", b.state, next)
	}

	b.state = next

	return nil
}

// PrevState reads the state without requiring the caller to hold the lock;
// used by submitDelete to capture prevState before transitioning.
func (b *Base) PrevState() State { return b.State() }
