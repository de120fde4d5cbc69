package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"reflect"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stonegate/slgcore/internal/obs"
	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/entity"
)

// pgConstraintClasses are the SQLSTATE class prefixes that represent a
// permanent, non-retryable failure (constraint/type), per spec.md §4.2's
// TransientError vs PermanentError taxonomy. Everything else observed from
// the driver is treated as transient.
var pgConstraintClasses = map[string]bool{
	"23": true, // integrity constraint violation
	"22": true, // data exception (type mismatch, out-of-range)
	"42": true, // syntax or access rule violation
}

// Executor runs batches of Tasks against the primary database inside a
// single transaction per spec.md §4.2.
type Executor struct {
	db      dbresolver.DB
	builder *Builder
}

// NewExecutor wraps db with a fresh statement Builder.
func NewExecutor(db dbresolver.DB) *Executor {
	return &Executor{db: db, builder: NewBuilder()}
}

// ExecuteBatch groups tasks by (op, class) is the caller's (C3's)
// responsibility; ExecuteBatch runs one already-homogeneous group — all
// tasks share Op and Descriptor — inside a single transaction: begin, one
// Exec per task (one batched Exec for deletes), commit on success, rollback on any
// driver error (then every task in the group is reported failed, matching
// the source's per-row-result semantics when the whole batch aborts).
func (e *Executor) ExecuteBatch(ctx context.Context, tasks []Task) ([]RowResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	ctx, span := obs.Tracer.Start(ctx, "sqlexec.ExecuteBatch")
	defer span.End()

	op := tasks[0].Op
	d := tasks[0].Descriptor

	switch op {
	case OpDelete:
		return e.executeDelete(ctx, d, tasks)
	case OpInsert:
		return e.executeRowByRow(ctx, tasks, func(t Task) (string, []any, error) {
			stmt, err := e.builder.Insert(t.Descriptor)
			if err != nil {
				return "", nil, err
			}

			return stmt, t.Descriptor.ValuesOf(reflect.ValueOf(t.Row)), nil
		})
	case OpUpdate:
		return e.executeRowByRow(ctx, tasks, func(t Task) (string, []any, error) {
			stmt, ok, err := e.builder.Update(t.Descriptor, t.ChangedFields)
			if err != nil {
				return "", nil, err
			}

			if !ok {
				return "", nil, nil // no-op: nothing changed outside the PK.
			}

			cols := t.Descriptor.ChangedColumns(t.ChangedFields)
			v := reflect.ValueOf(t.Row)

			args := make([]any, 0, len(cols)+1)
			for _, c := range cols {
				args = append(args, indirect(v).Field(c.FieldIndex).Interface())
			}

			args = append(args, t.Descriptor.PrimaryKeyValuesOf(v)...)

			return stmt, args, nil
		})
	default:
		return nil, errors.New("sqlexec: unknown op")
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	return v
}

// executeRowByRow runs build(task) for every task inside one transaction,
// Exec-ing each non-empty statement and classifying the result.
func (e *Executor) executeRowByRow(ctx context.Context, tasks []Task, build func(Task) (string, []any, error)) ([]RowResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, slgerrors.TransientError{Op: "begin", Err: err}
	}

	results := make([]RowResult, len(tasks))

	for i, t := range tasks {
		stmt, args, berr := build(t)
		if berr != nil {
			_ = tx.Rollback()
			return nil, berr
		}

		if stmt == "" {
			results[i] = RowResult{Code: ResultSuccess, RowsAffected: 0}
			continue
		}

		res, execErr := tx.ExecContext(ctx, stmt, args...)
		if execErr != nil {
			_ = tx.Rollback()
			return failAll(tasks, classify(execErr)), classify(execErr)
		}

		n, _ := res.RowsAffected()
		results[i] = RowResult{Code: ResultSuccess, RowsAffected: n}
	}

	if err := tx.Commit(); err != nil {
		return failAll(tasks, classify(err)), classify(err)
	}

	return results, nil
}

// executeDelete batches every task's primary key into one DELETE ... IN (...)
// (or OR-of-tuples for composite keys) per spec.md §4.2.
func (e *Executor) executeDelete(ctx context.Context, d *entity.Descriptor, tasks []Task) ([]RowResult, error) {
	stmt, err := e.builder.Delete(d, len(tasks))
	if err != nil {
		return nil, err
	}

	var args []any

	for _, t := range tasks {
		pk := t.Descriptor.PrimaryKeyValuesOf(reflect.ValueOf(t.Row))
		if len(pk) == 1 {
			args = append(args, pk[0])
		} else {
			args = append(args, pk...)
		}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, slgerrors.TransientError{Op: "begin", Err: err}
	}

	res, execErr := tx.ExecContext(ctx, stmt, args...)
	if execErr != nil {
		_ = tx.Rollback()
		return failAll(tasks, classify(execErr)), classify(execErr)
	}

	if err := tx.Commit(); err != nil {
		return failAll(tasks, classify(err)), classify(err)
	}

	n, _ := res.RowsAffected()

	// A returned count shorter than the input marks trailing tasks failed
	// (spec.md §4.2): we can't know which rows matched from RowsAffected
	// alone, so when n < len(tasks) the trailing (len(tasks)-n) are marked
	// failed, consistent with the spec's fallback rule for a short array.
	out := make([]RowResult, len(tasks))
	for i := range out {
		if int64(i) < n {
			out[i] = RowResult{Code: ResultSuccess, RowsAffected: 1}
		} else {
			out[i] = RowResult{Code: ResultFailed, RowsAffected: 0}
		}
	}

	return out, nil
}

func failAll(tasks []Task, err error) []RowResult {
	out := make([]RowResult, len(tasks))
	for i := range out {
		out[i] = RowResult{Code: ResultFailed, Err: err}
	}

	return out
}

// classify maps a driver error to TransientError or PermanentError per
// spec.md §4.2/§7. pgconn.PgError classes 22/23/42 (data/integrity/syntax)
// are permanent; anything else — including plain connection/timeout
// failures and sql.ErrTxDone — is treated as transient and retried by C3.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgConstraintClasses[pgErr.Code[:2]] {
		return slgerrors.PermanentError{Op: "exec", Err: err}
	}

	if errors.Is(err, sql.ErrTxDone) || errors.Is(err, context.DeadlineExceeded) {
		return slgerrors.TransientError{Op: "exec", Err: err}
	}

	return slgerrors.TransientError{Op: "exec", Err: err}
}

// arrayOfPKs wraps a slice of single-column int64 primary keys in lib/pq's
// array literal. Nothing in the module calls it; batch deletes go through
// Delete's IN (...) or OR-of-tuples form instead.
func arrayOfPKs(pks []int64) any {
	return pq.Array(pks)
}
