package writeback

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/stonegate/slgcore/internal/mlog"
	"github.com/stonegate/slgcore/pkg/entity"
	"github.com/stonegate/slgcore/pkg/sqlexec"
)

// SQLExecutor is the C2 seam the manager writes through. Defined here (not
// imported as a concrete type) so tests can substitute a hand-written
// fake without a live database.
type SQLExecutor interface {
	ExecuteBatch(ctx context.Context, tasks []sqlexec.Task) ([]sqlexec.RowResult, error)
}

// DeadLetterPublisher publishes a PersistenceDeadLettered event when a task
// exhausts maxRetries (SPEC_FULL §11: rabbitmq/amqp091-go domain wiring).
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, class, key, reason string) error
}

// AMQPDeadLetterPublisher publishes to a configured exchange over an
// amqp091-go channel.
type AMQPDeadLetterPublisher struct {
	Channel  *amqp.Channel
	Exchange string
}

func (p *AMQPDeadLetterPublisher) PublishDeadLetter(ctx context.Context, class, key, reason string) error {
	if p.Channel == nil {
		return nil
	}

	body := []byte(`{"class":"` + class + `","key":"` + key + `","reason":"` + reason + `"}`)

	return p.Channel.PublishWithContext(ctx, p.Exchange, "persistence.deadletter", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// MongoDeadLetterPublisher archives a permanent-failure document instead of
// (or in addition to) routing it to a queue, for deployments that want
// dead letters queryable rather than just consumed once.
type MongoDeadLetterPublisher struct {
	Collection *mongo.Collection
}

func (p *MongoDeadLetterPublisher) PublishDeadLetter(ctx context.Context, class, key, reason string) error {
	if p.Collection == nil {
		return nil
	}

	_, err := p.Collection.InsertOne(ctx, bson.M{"class": class, "key": key, "reason": reason})

	return err
}

// FanOutDeadLetterPublisher publishes to every configured sink (e.g. both
// the AMQP queue a consumer drains and the Mongo archive an operator
// queries later), tolerating any individual sink's failure.
type FanOutDeadLetterPublisher struct {
	Publishers []DeadLetterPublisher
}

func (p *FanOutDeadLetterPublisher) PublishDeadLetter(ctx context.Context, class, key, reason string) error {
	var firstErr error

	for _, pub := range p.Publishers {
		if err := pub.PublishDeadLetter(ctx, class, key, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Config is the writeback tuning surface from spec.md §6.
type Config struct {
	LandThreads      int
	LandIntervalMs   int64
	BatchSize        int
	MaxRetries       int
	BacklogThreshold int
	IdleThreshold    int
	// AdjustInterval controls how often each worker samples its queue
	// depth to drive the adaptive state machine (spec.md §4.3: "~5s").
	AdjustInterval time.Duration
	// ClassWorkerIndex lets a class pin to a specific worker index
	// (spec.md §4.3 worker_of: "annotatedIndex(class)"); classes absent
	// from this map fall back to the hash route.
	ClassWorkerIndex map[string]int
}

// DefaultConfig returns spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		LandThreads:      4,
		LandIntervalMs:   25,
		BatchSize:        400,
		MaxRetries:       3,
		BacklogThreshold: 1000,
		IdleThreshold:    10,
		AdjustInterval:   5 * time.Second,
	}
}

// Manager is the per-process async-writeback singleton (spec.md §4.3),
// modeled as an explicit lifecycle object rather than a package-level
// global (spec.md §9 "Global singletons" design note).
type Manager struct {
	cfg      Config
	executor SQLExecutor
	dlq      DeadLetterPublisher
	logger   mlog.Logger
	dirty    *DirtyCache

	workers  []*worker
	shutdown atomic.Bool
	wg       sync.WaitGroup

	totalSubmitted atomic.Int64
	totalSuccess   atomic.Int64
	totalFinalFail atomic.Int64
	totalRetry     atomic.Int64
}

// New builds a Manager with cfg.LandThreads workers, none yet started.
func New(cfg Config, executor SQLExecutor, dlq DeadLetterPublisher, logger mlog.Logger) *Manager {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	m := &Manager{
		cfg:      cfg,
		executor: executor,
		dlq:      dlq,
		logger:   logger,
		dirty:    NewDirtyCache(),
	}

	m.workers = make([]*worker, cfg.LandThreads)
	for i := range m.workers {
		m.workers[i] = &worker{
			id:       i,
			q:        newQueue(),
			manager:  m,
			adaptive: newAdaptiveControl(cfg.BatchSize, cfg.LandIntervalMs, cfg.BacklogThreshold, cfg.IdleThreshold),
		}
	}

	return m
}

// Start launches every worker goroutine.
func (m *Manager) Start() {
	m.wg.Add(len(m.workers))

	for _, w := range m.workers {
		go func(w *worker) {
			defer m.wg.Done()
			w.run()
		}(w)
	}
}

// WorkerOf implements worker_of(class) from spec.md §4.3: an explicit
// per-class pin if configured, else hash(class) mod W.
func (m *Manager) WorkerOf(class string) int {
	if idx, ok := m.cfg.ClassWorkerIndex[class]; ok && idx >= 0 && idx < len(m.workers) {
		return idx
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(class))

	return int(h.Sum32() & 0x7FFFFFFF % uint32(len(m.workers)))
}

// SubmitInsert enqueues a new entity for landing (spec.md §4.3
// submitInsert): sets state NEW (already set by NewBase) and enqueues
// INSERT unless already queued.
func (m *Manager) SubmitInsert(d *entity.Descriptor, row Row) {
	if m.shutdown.Load() {
		return
	}

	if row.InLandQueue() {
		return
	}

	m.enqueue(d, row, OpInsert, row.ChangedFields())
}

// SubmitUpdate enqueues a mutation (spec.md §4.3 submitUpdate): if the
// entity is still NEW, enqueue an INSERT instead; otherwise enqueue an
// UPDATE, deduplicated against an already-queued task unless force is set.
func (m *Manager) SubmitUpdate(d *entity.Descriptor, row Row, force bool) {
	if m.shutdown.Load() {
		return
	}

	if row.State() == entity.StateNew {
		m.SubmitInsert(d, row)
		return
	}

	if row.InLandQueue() && !force {
		return
	}

	m.enqueue(d, row, OpUpdate, row.ChangedFields())
}

// SubmitDelete enqueues a delete (spec.md §4.3 submitDelete). prevState==NEW
// and still-queued cancels the pending INSERT by simply not re-enqueuing
// (the worker skips an INSERT task whose row has since transitioned to
// DELETED); any other prevState force-enqueues the DELETE even if something
// is already queued. The dirty cache is always updated so reads see the
// tombstone immediately.
func (m *Manager) SubmitDelete(d *entity.Descriptor, row Row) {
	prevState := row.State()
	wasQueued := row.InLandQueue()

	_ = row.TransitionTo(entity.StateDeleted)

	m.dirty.Put(row.Class(), row.Key(), row)

	if m.shutdown.Load() {
		return
	}

	if prevState == entity.StateNew && wasQueued {
		// The queued INSERT will be skipped by the worker once it sees
		// state==DELETED; no new task is enqueued (spec.md §4.3).
		return
	}

	m.enqueue(d, row, OpDelete, nil)
}

func (m *Manager) enqueue(d *entity.Descriptor, row Row, op Op, changed []string) {
	m.dirty.Put(row.Class(), row.Key(), row)
	row.SetInLandQueue(true)

	idx := m.WorkerOf(row.Class())
	task := Task{
		Descriptor:    d,
		Row:           row,
		Op:            op,
		Class:         row.Class(),
		Key:           row.Key(),
		EnqueueTime:   time.Now(),
		CapturedVer:   row.CapturedVersion(),
		ChangedFields: changed,
	}

	m.workers[idx].q.push(task)
	m.totalSubmitted.Add(1)
}

// GetDirty returns the cached entity for (class, key), consulted by C8/C3
// read-merge callers before falling through to the database.
func (m *Manager) GetDirty(class, key string) Row { return m.dirty.Get(class, key) }

// GetAllDirty returns every non-deleted cached entity for class.
func (m *Manager) GetAllDirty(class string) []Row { return m.dirty.GetAllDirty(class) }

// Metrics snapshots the counters spec.md §4.3 requires be exposed.
type Metrics struct {
	TotalSubmitted int64
	TotalSuccess   int64
	FinalFailure   int64
	RetryCount     int64
	PendingDepth   int
	DirtyCacheSize int
}

// Snapshot returns current metric values.
func (m *Manager) Snapshot() Metrics {
	depth := 0
	for _, w := range m.workers {
		depth += w.q.len()
	}

	return Metrics{
		TotalSubmitted: m.totalSubmitted.Load(),
		TotalSuccess:   m.totalSuccess.Load(),
		FinalFailure:   m.totalFinalFail.Load(),
		RetryCount:     m.totalRetry.Load(),
		PendingDepth:   depth,
		DirtyCacheSize: m.dirty.Size(),
	}
}

// Shutdown flips the shutdown flag (rejecting new submits), enqueues a
// poison pill per worker, and joins every worker without timeout — an
// interruption-resilient wait, since data durability is the contract
// (spec.md §4.3 "Graceful shutdown", §9 "Shutdown is uninterruptible by
// design"). ctx is honored only to log a warning on cancellation; the wait
// itself still runs to completion.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdown.Store(true)

	for _, w := range m.workers {
		w.q.push(poisonPill())
	}

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			m.logger.Warn("writeback shutdown: context cancelled, continuing uninterruptible join")
			ctx = context.Background()
		case <-time.After(30 * time.Second):
			m.logger.Warn("writeback shutdown: still waiting for workers to drain")
		}
	}
}

// retryBackoff returns the exponential backoff policy used before
// re-enqueuing a transient failure, capped implicitly by maxRetries rather
// than by elapsed time.
func retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	return b
}
