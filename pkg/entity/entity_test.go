package entity_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/entity"
)

type playerRow struct {
	*entity.Base
	ID    int64  `db:"id" pk:"true"`
	Name  string `db:"name"`
	Level int64  `db:"level"`
}

func TestDescribe_CachesByType(t *testing.T) {
	d1 := entity.Describe[playerRow]()
	d2 := entity.Describe[playerRow]()

	assert.Same(t, d1, d2, "Describe should memoize the descriptor per type")
	assert.Equal(t, []string{"id", "name", "level"}, d1.ColumnNames())
	assert.Equal(t, []string{"id"}, d1.PrimaryKeys())
}

func TestValuesOf_AndPrimaryKeyValuesOf(t *testing.T) {
	d := entity.Describe[playerRow]()
	row := &playerRow{Base: entity.NewBase(), ID: 10001, Name: "alice", Level: 5}

	values := d.ValuesOf(reflect.ValueOf(row))
	require.Len(t, values, 3)
	assert.Equal(t, int64(10001), values[0])
	assert.Equal(t, "alice", values[1])
	assert.Equal(t, int64(5), values[2])

	pk := d.PrimaryKeyValuesOf(reflect.ValueOf(row))
	assert.Equal(t, []any{int64(10001)}, pk)
}

func TestHydrate_UnknownColumnIgnored(t *testing.T) {
	d := entity.Describe[playerRow]()
	row := &playerRow{Base: entity.NewBase()}

	err := d.Hydrate(reflect.ValueOf(row), map[string]any{
		"id":            int64(42),
		"name":          "bob",
		"level":         int64(7),
		"unknown_field": "ignored",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), row.ID)
	assert.Equal(t, "bob", row.Name)
	assert.Equal(t, int64(7), row.Level)
}

func TestHydrate_TypeConversionFailureReturnsHydrationError(t *testing.T) {
	d := entity.Describe[playerRow]()
	row := &playerRow{Base: entity.NewBase()}

	err := d.Hydrate(reflect.ValueOf(row), map[string]any{"id": "not-a-number"})

	require.Error(t, err)

	var hErr *entity.HydrationError
	require.ErrorAs(t, err, &hErr)
	assert.Equal(t, "id", hErr.Column)
}

func TestBase_VersionInvariants(t *testing.T) {
	b := entity.NewBase()
	assert.True(t, b.NeedsLand())

	b.MarkChanged("level")
	assert.GreaterOrEqual(t, b.BusinessVersion(), b.DBVersion())

	b.SyncVersion()
	assert.False(t, b.NeedsLand())
	assert.Equal(t, b.BusinessVersion(), b.DBVersion())
}

func TestBase_StateTransitions(t *testing.T) {
	b := entity.NewBase()
	require.NoError(t, b.TransitionTo(entity.StatePersistent))
	require.NoError(t, b.TransitionTo(entity.StateDeleted))

	err := b.TransitionTo(entity.StatePersistent)
	assert.Error(t, err, "DELETED -> PERSISTENT is not an allowed transition")
}

func TestBase_NewToDeletedCancelsPendingInsert(t *testing.T) {
	b := entity.NewBase()
	b.SetInLandQueue(true)

	require.NoError(t, b.TransitionTo(entity.StateDeleted))
	assert.Equal(t, entity.StateDeleted, b.State())
}
