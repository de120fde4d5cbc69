package writeback

import (
	"time"

	"github.com/stonegate/slgcore/pkg/entity"
	"github.com/stonegate/slgcore/pkg/sqlexec"
)

// Op mirrors sqlexec.Op at the writeback layer so this package doesn't need
// to import sqlexec for its core task model.
type Op int8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func (o Op) toSQLExec() sqlexec.Op {
	switch o {
	case OpInsert:
		return sqlexec.OpInsert
	case OpUpdate:
		return sqlexec.OpUpdate
	case OpDelete:
		return sqlexec.OpDelete
	default:
		return sqlexec.OpInsert
	}
}

// Task is the immutable land-task tuple from spec.md §3: an entity
// reference, the operation, when it was enqueued, the business version
// captured at submit time, and a retry counter. A task is stale iff
// CapturedVersion < the live entity's current business version — a newer
// mutation will flush instead.
type Task struct {
	Descriptor    *entity.Descriptor
	Row           Row
	Op            Op
	Class         string
	Key           string
	EnqueueTime   time.Time
	CapturedVer   uint64
	RetryCount    int
	ChangedFields []string

	poison bool
}

// IsStale reports whether a newer version of Row has superseded this task.
func (t Task) IsStale() bool {
	return t.CapturedVer < t.Row.CapturedVersion()
}

// poisonPill is the sentinel task that tells a worker to drain and exit.
func poisonPill() Task { return Task{poison: true} }
