package sqlexec

import (
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/stonegate/slgcore/pkg/entity"
)

// Builder generates and memoizes canonical SQL for a given descriptor.
// Statements depending only on (class, table, sqlKind) are cached; a
// partial UPDATE additionally keys on the sorted set of changed columns,
// since its SET clause varies per call.
type Builder struct {
	placeholder sq.PlaceholderFormat

	mu    sync.RWMutex
	cache map[string]string
}

// NewBuilder returns a Builder using $N placeholders (pgx/postgres style).
func NewBuilder() *Builder {
	return &Builder{placeholder: sq.Dollar, cache: map[string]string{}}
}

func (b *Builder) memoKey(kind, table, signature string) string {
	return kind + "|" + table + "|" + signature
}

func (b *Builder) cached(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.cache[key]

	return s, ok
}

func (b *Builder) store(key, stmt string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cache[key] = stmt
}

// Insert returns the cached INSERT ... VALUES (...) template for d.
func (b *Builder) Insert(d *entity.Descriptor) (string, error) {
	key := b.memoKey("insert", d.Table, "")
	if s, ok := b.cached(key); ok {
		return s, nil
	}

	cols := d.ColumnNames()
	placeholders := make([]any, len(cols))

	for i := range placeholders {
		placeholders[i] = sq.Expr("?")
	}

	q := sq.Insert(d.Table).Columns(cols...).Values(placeholders...).PlaceholderFormat(b.placeholder)

	sqlStr, _, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("sqlexec: build insert for %s: %w", d.Table, err)
	}

	b.store(key, sqlStr)

	return sqlStr, nil
}

// Upsert returns the cached INSERT ... ON CONFLICT (pk) DO UPDATE template.
// This is the Postgres-native equivalent of the source engine's
// "INSERT ... ON DUPLICATE KEY UPDATE" (spec.md §4.2).
func (b *Builder) Upsert(d *entity.Descriptor) (string, error) {
	key := b.memoKey("upsert", d.Table, "")
	if s, ok := b.cached(key); ok {
		return s, nil
	}

	insertSQL, err := b.Insert(d)
	if err != nil {
		return "", err
	}

	var setClauses []string

	for _, c := range d.Columns {
		if c.IsPrimaryKey {
			continue
		}

		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
	}

	stmt := fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		insertSQL, strings.Join(d.PrimaryKeys(), ", "), strings.Join(setClauses, ", "))

	b.store(key, stmt)

	return stmt, nil
}

// Update returns the cached UPDATE ... SET <changed> WHERE <pk> template.
// If changedFields yields no non-PK columns, the second return value is
// false and the caller must treat the operation as a no-op success (spec.md
// §4.2: "if no non-PK changes, no statement is produced").
func (b *Builder) Update(d *entity.Descriptor, changedFields []string) (string, bool, error) {
	cols := d.ChangedColumns(changedFields)
	if len(cols) == 0 {
		return "", false, nil
	}

	signature := columnSignature(cols)

	key := b.memoKey("update", d.Table, signature)
	if s, ok := b.cached(key); ok {
		return s, true, nil
	}

	q := sq.Update(d.Table).PlaceholderFormat(b.placeholder)
	for _, c := range cols {
		q = q.Set(c.Name, sq.Expr("?"))
	}

	for _, pk := range d.PrimaryKeys() {
		q = q.Where(sq.Eq{pk: sq.Expr("?")})
	}

	sqlStr, _, err := q.ToSql()
	if err != nil {
		return "", false, fmt.Errorf("sqlexec: build update for %s: %w", d.Table, err)
	}

	b.store(key, sqlStr)

	return sqlStr, true, nil
}

// Delete returns the cached DELETE ... WHERE <pk> IN (...) template for a
// single-column PK, or a disjunction of PK tuples for composite keys.
func (b *Builder) Delete(d *entity.Descriptor, batchSize int) (string, error) {
	key := b.memoKey("delete", d.Table, fmt.Sprintf("%d", batchSize))
	if s, ok := b.cached(key); ok {
		return s, nil
	}

	pks := d.PrimaryKeys()

	var sqlStr string

	if len(pks) == 1 {
		placeholders := strings.TrimRight(strings.Repeat("?,", batchSize), ",")
		sqlStr = fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.Table, pks[0], placeholders)
	} else {
		tuple := "(" + strings.Join(pks, " = ? AND ") + " = ?)"
		disjuncts := make([]string, batchSize)

		for i := range disjuncts {
			disjuncts[i] = tuple
		}

		sqlStr = fmt.Sprintf("DELETE FROM %s WHERE %s", d.Table, strings.Join(disjuncts, " OR "))
	}

	sqlStr, err := b.placeholder.ReplacePlaceholders(sqlStr)
	if err != nil {
		return "", fmt.Errorf("sqlexec: build delete for %s: %w", d.Table, err)
	}

	b.store(key, sqlStr)

	return sqlStr, nil
}

// Select returns the cached SELECT ... WHERE <pk> template.
func (b *Builder) Select(d *entity.Descriptor) (string, error) {
	key := b.memoKey("select", d.Table, "")
	if s, ok := b.cached(key); ok {
		return s, nil
	}

	q := sq.Select(d.ColumnNames()...).From(d.Table).PlaceholderFormat(b.placeholder)
	for _, pk := range d.PrimaryKeys() {
		q = q.Where(sq.Eq{pk: sq.Expr("?")})
	}

	sqlStr, _, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("sqlexec: build select for %s: %w", d.Table, err)
	}

	b.store(key, sqlStr)

	return sqlStr, nil
}

func columnSignature(cols []entity.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	return strings.Join(names, ",")
}
