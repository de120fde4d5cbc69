package sqlexec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/entity"
	"github.com/stonegate/slgcore/pkg/sqlexec"
)

type widgetRow struct {
	*entity.Base
	ID    int64  `db:"id" pk:"true"`
	Name  string `db:"name"`
	Level int64  `db:"level"`
}

func TestBuilder_InsertIsMemoized(t *testing.T) {
	b := sqlexec.NewBuilder()
	d := entity.Describe[widgetRow]()

	s1, err := b.Insert(d)
	require.NoError(t, err)
	assert.Contains(t, s1, "INSERT INTO widget_rows")

	s2, err := b.Insert(d)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestBuilder_UpdateNoOpWhenNoNonPKChanges(t *testing.T) {
	b := sqlexec.NewBuilder()
	d := entity.Describe[widgetRow]()

	stmt, ok, err := b.Update(d, []string{"id"}) // id is the PK, not updatable.
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, stmt)
}

func TestBuilder_UpdateOnlyChangedFields(t *testing.T) {
	b := sqlexec.NewBuilder()
	d := entity.Describe[widgetRow]()

	stmt, ok, err := b.Update(d, []string{"level"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, stmt, "SET level")
	assert.NotContains(t, stmt, "name =")
}

func TestBuilder_DeleteSingleColumnPK(t *testing.T) {
	b := sqlexec.NewBuilder()
	d := entity.Describe[widgetRow]()

	stmt, err := b.Delete(d, 3)
	require.NoError(t, err)
	assert.Contains(t, stmt, "IN ($1,$2,$3)")
}

func TestBuilder_UpsertUsesOnConflict(t *testing.T) {
	b := sqlexec.NewBuilder()
	d := entity.Describe[widgetRow]()

	stmt, err := b.Upsert(d)
	require.NoError(t, err)
	assert.Contains(t, stmt, "ON CONFLICT (id) DO UPDATE SET")
}
