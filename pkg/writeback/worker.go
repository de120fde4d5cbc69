package writeback

import (
	"context"
	"strconv"
	"time"

	"github.com/stonegate/slgcore/internal/obs"
	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/entity"
	"github.com/stonegate/slgcore/pkg/sqlexec"
)

// worker owns one shard of the land queue: it samples its own queue depth
// into the adaptive controller, drains batches, and flushes them through the
// manager's SQLExecutor in DELETE, INSERT, UPDATE order (spec.md §4.3).
type worker struct {
	id       int
	q        *queue
	manager  *Manager
	adaptive *adaptiveControl
}

// run is the worker's main loop. Once its poison pill is seen it stops
// waiting on new work but keeps draining — including tasks a failed flush
// re-queues for retry — until the queue is actually empty, so a retry born
// in the same tick as the poison pill is never lost.
func (w *worker) run() {
	adjustInterval := w.manager.cfg.AdjustInterval
	if adjustInterval <= 0 {
		adjustInterval = 5 * time.Second
	}

	lastSample := time.Now()
	draining := false

	for {
		if time.Since(lastSample) >= adjustInterval {
			depth := w.q.len()
			w.adaptive.Sample(depth)
			obs.WritebackQueueDepth.WithLabelValues(strconv.Itoa(w.id)).Set(float64(depth))
			obs.WritebackDirtyCacheSize.Set(float64(w.manager.dirty.Size()))
			lastSample = time.Now()
		}

		batchSize := w.adaptive.BatchSize()
		interval := time.Duration(w.adaptive.IntervalMs()) * time.Millisecond

		raw := w.q.drainUpTo(batchSize)
		if len(raw) == 0 && !draining {
			w.q.waitTimeout(interval)
			raw = w.q.drainUpTo(batchSize)
		}

		batch, sawPoison := splitPoison(raw)
		if sawPoison {
			draining = true
		}

		if len(batch) > 0 {
			w.processBatch(batch)
		}

		if draining && w.q.len() == 0 {
			return
		}
	}
}

// splitPoison separates the poison-pill sentinel (if present) from real
// tasks in a drained slice.
func splitPoison(raw []Task) (batch []Task, sawPoison bool) {
	for _, t := range raw {
		if t.poison {
			sawPoison = true
			continue
		}

		batch = append(batch, t)
	}

	return batch, sawPoison
}

type groupKey struct {
	op Op
	d  *entity.Descriptor
}

// processBatch groups tasks by (op, descriptor) — ExecuteBatch requires a
// homogeneous group — and flushes the groups in DELETE, INSERT, UPDATE order
// (spec.md §4.3). An INSERT or UPDATE whose row has since transitioned to
// DELETED is dropped without touching the database: the delete already won.
func (w *worker) processBatch(tasks []Task) {
	groups := map[groupKey][]Task{}

	for _, t := range tasks {
		if (t.Op == OpInsert || t.Op == OpUpdate) && t.Row.State() == entity.StateDeleted {
			t.Row.SetInLandQueue(false)
			w.manager.dirty.RemoveIfSame(t.Class, t.Key, t.Row)

			continue
		}

		key := groupKey{op: t.Op, d: t.Descriptor}
		groups[key] = append(groups[key], t)
	}

	for _, op := range [...]Op{OpDelete, OpInsert, OpUpdate} {
		for key, group := range groups {
			if key.op != op {
				continue
			}

			w.flushGroup(key.d, op, group)
		}
	}
}

// flushGroup executes one homogeneous group through the manager's executor
// and routes each row to onSuccess or onFailure.
func (w *worker) flushGroup(d *entity.Descriptor, op Op, tasks []Task) {
	sqlTasks := make([]sqlexec.Task, len(tasks))
	for i, t := range tasks {
		sqlTasks[i] = sqlexec.Task{
			Op:            op.toSQLExec(),
			Descriptor:    d,
			Row:           t.Row,
			ChangedFields: t.ChangedFields,
		}
	}

	results, err := w.manager.executor.ExecuteBatch(context.Background(), sqlTasks)
	if results == nil {
		results = make([]sqlexec.RowResult, len(tasks))
		for i := range results {
			results[i] = sqlexec.RowResult{Code: sqlexec.ResultFailed, Err: err}
		}
	}

	for i, t := range tasks {
		if results[i].Code == sqlexec.ResultSuccess {
			w.onSuccess(t)
		} else {
			w.onFailure(t, results[i].Err)
		}
	}
}

func (w *worker) onSuccess(t Task) {
	if t.Op == OpInsert {
		_ = t.Row.TransitionTo(entity.StatePersistent)
	}

	t.Row.ClearChanged()
	t.Row.SyncVersion()
	t.Row.SetInLandQueue(false)
	w.manager.dirty.RemoveIfSame(t.Class, t.Key, t.Row)

	w.manager.totalSuccess.Add(1)
	obs.WritebackSuccess.WithLabelValues(t.Op.String()).Inc()
}

// onFailure retries a transient failure up to cfg.MaxRetries, drops a stale
// retry in favor of the newer task already representing the row, and
// otherwise records a final failure: the row leaves the queue and dirty
// cache and a dead-letter event is published (spec.md §4.2, §4.3).
func (w *worker) onFailure(t Task, err error) {
	if !slgerrors.IsRetryable(err) || t.RetryCount+1 >= w.manager.cfg.MaxRetries {
		t.Row.SetInLandQueue(false)
		w.manager.dirty.RemoveIfSame(t.Class, t.Key, t.Row)

		w.manager.totalFinalFail.Add(1)
		obs.WritebackFinalFailure.WithLabelValues(t.Op.String()).Inc()

		if w.manager.dlq != nil {
			_ = w.manager.dlq.PublishDeadLetter(context.Background(), t.Class, t.Key, err.Error())
		}

		w.manager.logger.Errorf("writeback: final failure class=%s key=%s op=%s err=%v", t.Class, t.Key, t.Op, err)

		return
	}

	if t.IsStale() {
		// A newer submit already carries this row's retry; don't duplicate it.
		t.Row.SetInLandQueue(false)
		return
	}

	t.RetryCount++
	w.manager.totalRetry.Add(1)
	obs.WritebackRetry.Inc()

	b := retryBackoff()
	delay := b.NextBackOff()

	for i := 1; i < t.RetryCount; i++ {
		delay = b.NextBackOff()
	}

	time.Sleep(delay)

	w.q.push(t)
}
