package gate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stonegate/slgcore/pkg/gate"
)

func TestSession_FullLifecycle(t *testing.T) {
	s := gate.NewSession()
	assert.Equal(t, gate.Connected, s.State())

	assert.True(t, s.Authenticate(42))
	assert.Equal(t, gate.Authenticated, s.State())
	assert.Equal(t, int64(42), s.PlayerID())

	assert.True(t, s.EnterGame(1, "world:1", 1, "game:1"))
	assert.Equal(t, gate.Gaming, s.State())
	assert.True(t, s.CanRouteToGame())
	assert.True(t, s.CanRouteToWorld())

	assert.True(t, s.StartMigration())
	assert.Equal(t, gate.Migrating, s.State())
	assert.True(t, s.IsMigrating())
	assert.False(t, s.CanRouteToGame(), "migrating session must not route to game")

	assert.True(t, s.CompleteWorldMigration(2, "world:2"))
	assert.Equal(t, gate.Gaming, s.State())
	assert.Equal(t, int64(2), s.WorldServerID())
	assert.Equal(t, "world:2", s.WorldAddr())

	assert.True(t, s.Disconnect())
	assert.Equal(t, gate.Offline, s.State())
}

func TestSession_InvalidTransitionsFail(t *testing.T) {
	s := gate.NewSession()

	assert.False(t, s.EnterGame(1, "w", 1, "g"), "cannot enter game before authenticating")
	assert.False(t, s.StartMigration(), "cannot migrate before gaming")
	assert.False(t, s.Disconnect(), "cannot disconnect a merely connected session")
}

func TestSession_MigrationRollback(t *testing.T) {
	s := gate.NewSession()
	s.Authenticate(1)
	s.EnterGame(1, "w:1", 1, "g:1")

	assert.True(t, s.StartMigration())
	assert.True(t, s.CancelMigration())
	assert.Equal(t, gate.Gaming, s.State())
	assert.Equal(t, "w:1", s.WorldAddr(), "rollback must not touch routing fields")
}

func TestSession_ConcurrentAuthenticateOnlyOneWins(t *testing.T) {
	s := gate.NewSession()

	results := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(id int64) { results <- s.Authenticate(id) }(int64(i))
	}

	wins := 0

	for i := 0; i < 10; i++ {
		if <-results {
			wins++
		}
	}

	assert.Equal(t, 1, wins, "exactly one CAS-based Authenticate call may win")
}

func TestSession_StateStringCoversEveryEnumeratedState(t *testing.T) {
	for _, st := range []gate.State{gate.Connected, gate.Authenticated, gate.Gaming, gate.Migrating, gate.Offline} {
		assert.NotEqual(t, "UNKNOWN", st.String())
	}
}
