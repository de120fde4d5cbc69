// Package writeback is the async-writeback manager (C3): it shards
// mutations across worker goroutines by class, coalesces them into
// batches, and flushes them through a SQLExecutor with retry and adaptive
// batching, per spec.md §4.3.
package writeback

import "github.com/stonegate/slgcore/pkg/entity"

// Entity is the lifecycle contract writeback needs from a persisted
// domain struct. entity.Base implements every method here, so any struct
// embedding *entity.Base and implementing Identifiable satisfies it for
// free.
type Entity interface {
	State() entity.State
	TransitionTo(next entity.State) error
	NeedsLand() bool
	SyncVersion()
	CapturedVersion() uint64
	InLandQueue() bool
	SetInLandQueue(bool)
	ChangedFields() []string
	ClearChanged()
}

// Identifiable gives writeback a stable key for the dirty cache and a class
// name for worker routing. Class is typically the table or Go type name.
type Identifiable interface {
	Class() string
	Key() string
}

// Row bundles the two contracts writeback actually needs, plus the raw
// value handed to sqlexec for descriptor-driven column extraction.
type Row interface {
	Entity
	Identifiable
}
