package writeback_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/entity"
	"github.com/stonegate/slgcore/pkg/sqlexec"
	"github.com/stonegate/slgcore/pkg/writeback"
)

type playerRow struct {
	*entity.Base
	ID    int64  `db:"id" pk:"true"`
	Name  string `db:"name"`
	Level int64  `db:"level"`
}

func (r *playerRow) Class() string { return "player_rows" }
func (r *playerRow) Key() string   { return strconv.FormatInt(r.ID, 10) }

// fakeExecutor is a hand-written SQLExecutor stub: it records every batch it
// receives and answers via a configurable resultFn, defaulting to
// all-success.
type fakeExecutor struct {
	mu       sync.Mutex
	batches  [][]sqlexec.Task
	resultFn func([]sqlexec.Task) ([]sqlexec.RowResult, error)
}

func (f *fakeExecutor) ExecuteBatch(_ context.Context, tasks []sqlexec.Task) ([]sqlexec.RowResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, tasks)
	f.mu.Unlock()

	if f.resultFn != nil {
		return f.resultFn(tasks)
	}

	out := make([]sqlexec.RowResult, len(tasks))
	for i := range out {
		out[i] = sqlexec.RowResult{Code: sqlexec.ResultSuccess, RowsAffected: 1}
	}

	return out, nil
}

func (f *fakeExecutor) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.batches)
}

type fakeDLQ struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeDLQ) PublishDeadLetter(_ context.Context, _, key, _ string) error {
	f.mu.Lock()
	f.published = append(f.published, key)
	f.mu.Unlock()

	return nil
}

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.published)
}

func testConfig() writeback.Config {
	cfg := writeback.DefaultConfig()
	cfg.LandThreads = 1
	cfg.LandIntervalMs = 2
	cfg.AdjustInterval = time.Millisecond
	cfg.MaxRetries = 3

	return cfg
}

// TestManager_SubmitOrderingCoalescesToFinalState covers spec.md §8's
// "INSERT then UPDATE(5) then UPDATE(7)" scenario: while the row is still
// NEW and already queued, later submits are pure dedup no-ops, so exactly
// one INSERT lands, carrying whatever the row's live fields are by flush
// time.
func TestManager_SubmitOrderingCoalescesToFinalState(t *testing.T) {
	exec := &fakeExecutor{}
	m := writeback.New(testConfig(), exec, nil, nil)
	m.Start()

	d := entity.Describe[playerRow]()
	row := &playerRow{Base: entity.NewBase(), ID: 1, Name: "alice", Level: 1}

	m.SubmitInsert(d, row)

	row.Level = 5
	row.MarkChanged("level")
	m.SubmitUpdate(d, row, false)

	row.Level = 7
	row.MarkChanged("level")
	m.SubmitUpdate(d, row, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	require.Equal(t, 1, exec.batchCount(), "dedup should coalesce to a single flushed batch")
	assert.Equal(t, int64(7), row.Level)
	assert.Equal(t, uint64(3), row.DBVersion())
	assert.Equal(t, int64(1), m.Snapshot().TotalSuccess)
}

// TestManager_CreateThenDeleteCoalesces covers spec.md §8's "create then
// immediately delete while still queued" scenario: no SQL is ever executed
// for the row, and it leaves the dirty cache once the worker observes the
// DELETED state.
func TestManager_CreateThenDeleteCoalesces(t *testing.T) {
	exec := &fakeExecutor{}
	m := writeback.New(testConfig(), exec, nil, nil)
	m.Start()

	d := entity.Describe[playerRow]()
	row := &playerRow{Base: entity.NewBase(), ID: 2, Name: "bob", Level: 1}

	m.SubmitInsert(d, row)
	m.SubmitDelete(d, row)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	assert.Zero(t, exec.batchCount(), "a row deleted while its insert is still queued should never reach the database")
	assert.Equal(t, int64(0), m.Snapshot().TotalSuccess)
	assert.Nil(t, m.GetDirty(row.Class(), row.Key()))
}

// TestManager_RetryExhaustionDropsAndDeadLetters covers spec.md §8's retry
// exhaustion scenario: a row that always fails transiently is retried until
// maxRetries, then recorded as a final failure, dead-lettered, and evicted
// from the dirty cache.
func TestManager_RetryExhaustionDropsAndDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3

	exec := &fakeExecutor{
		resultFn: func(tasks []sqlexec.Task) ([]sqlexec.RowResult, error) {
			out := make([]sqlexec.RowResult, len(tasks))
			err := slgerrors.TransientError{Op: "exec", Err: assert.AnError}

			for i := range out {
				out[i] = sqlexec.RowResult{Code: sqlexec.ResultFailed, Err: err}
			}

			return out, err
		},
	}

	dlq := &fakeDLQ{}
	m := writeback.New(cfg, exec, dlq, nil)
	m.Start()

	d := entity.Describe[playerRow]()
	row := &playerRow{Base: entity.NewBase(), ID: 3, Name: "carol", Level: 1}

	m.SubmitInsert(d, row)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.FinalFailure)
	assert.Equal(t, int64(cfg.MaxRetries-1), snap.RetryCount)
	assert.Equal(t, 1, dlq.count())
	assert.Nil(t, m.GetDirty(row.Class(), row.Key()))
}
