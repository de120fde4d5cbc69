// Package sqlexec is the SQL builder & executor (C2): it turns entity
// descriptors into cached INSERT/UPDATE/UPSERT/DELETE/SELECT statements and
// executes batches of them inside a single transaction on behalf of the
// writeback manager (C3).
package sqlexec

import "github.com/stonegate/slgcore/pkg/entity"

// Op is the kind of mutation a Task represents.
type Op int8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Task is one row's pending mutation, submitted by the writeback manager as
// part of a batch. Row is the live entity (used for ValuesOf/PrimaryKeyValuesOf
// via the descriptor); ChangedFields restricts an UPDATE's SET clause.
type Task struct {
	Op            Op
	Descriptor    *entity.Descriptor
	Row           any
	ChangedFields []string
}

// ResultCode classifies one row's outcome within a batch.
type ResultCode int8

const (
	ResultSuccess ResultCode = iota
	ResultFailed
)

// RowResult is the per-task outcome of a batch execution. There is no
// separate "success, count unknown" code (JDBC's SUCCESS_NO_INFO): on
// success RowsAffected holds the driver-reported count for an INSERT or
// UPDATE (0 for an UPDATE with nothing to change) and 1 or 0 per task for a
// batched DELETE; nothing in this package sets it to -1.
type RowResult struct {
	Code         ResultCode
	RowsAffected int64
	Err          error
}
