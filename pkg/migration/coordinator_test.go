package migration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/gate"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (p *recordingPublisher) PublishMigrationEvent(_ context.Context, event AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)

	return nil
}

func gamingSession(t *testing.T) *gate.Session {
	t.Helper()

	s := gate.NewSession()
	require.True(t, s.Authenticate(1))
	require.True(t, s.EnterGame(1, "world:1", 1, "game:1"))

	return s
}

func TestCoordinator_WorldMigrationSuccess(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(nil, pub, nil)
	session := gamingSession(t)

	result := c.Migrate(context.Background(), session, Request{
		PlayerID:    1,
		Kind:        KindWorld,
		SourceWorld: Target{ServerID: 1, Address: "world:1"},
		TargetWorld: Target{ServerID: 2, Address: "world:2"},
	})

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, int64(2), result.NewWorldID)
	assert.Equal(t, gate.Gaming, session.State())
	assert.Equal(t, int64(2), session.WorldServerID())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, "success", pub.events[0].Result)
}

func TestCoordinator_RejectsConcurrentMigrationForSamePlayer(t *testing.T) {
	c := New(nil, nil, nil)
	session := gamingSession(t)

	require.True(t, c.tryClaim(1))
	defer c.release(1)

	result := c.Migrate(context.Background(), session, Request{PlayerID: 1, Kind: KindWorld})
	assert.Equal(t, OutcomeRejected, result.Outcome)
}

func TestCoordinator_RejectsWhenSessionNotGaming(t *testing.T) {
	c := New(nil, nil, nil)
	session := gate.NewSession() // CONNECTED, never entered GAMING

	result := c.Migrate(context.Background(), session, Request{PlayerID: 1, Kind: KindWorld})
	assert.Equal(t, OutcomeRejected, result.Outcome)
}

func TestCoordinator_SaveFailureRollsBackToGaming(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(nil, pub, nil)
	c.callStep = func(_ context.Context, _ Target, _, method string, _ int64) error {
		if method == "SaveRegionData" {
			return errors.New("source world unreachable")
		}

		return nil
	}

	session := gamingSession(t)

	result := c.Migrate(context.Background(), session, Request{PlayerID: 1, Kind: KindWorld})

	assert.Equal(t, OutcomeSaveFailed, result.Outcome)
	assert.Equal(t, gate.Gaming, session.State(), "failed migration must roll back to GAMING, not leave MIGRATING")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "rolled_back", pub.events[0].Result)
}

func TestCoordinator_LoadFailureRollsBackToGaming(t *testing.T) {
	c := New(nil, nil, nil)
	c.callStep = func(_ context.Context, _ Target, _, method string, _ int64) error {
		if method == "LoadPlayerData" {
			return errors.New("target world rejected load")
		}

		return nil
	}

	session := gamingSession(t)

	result := c.Migrate(context.Background(), session, Request{PlayerID: 1, Kind: KindWorld})

	assert.Equal(t, OutcomeLoadFailed, result.Outcome)
	assert.Equal(t, gate.Gaming, session.State())
}

func TestCoordinator_FullMigrationOrdersStepsSaveGameSaveWorldLoadGameLoadWorld(t *testing.T) {
	c := New(nil, nil, nil)

	var order []string

	var mu sync.Mutex

	c.callStep = func(_ context.Context, _ Target, _, method string, _ int64) error {
		mu.Lock()
		order = append(order, method)
		mu.Unlock()

		return nil
	}

	session := gamingSession(t)

	result := c.Migrate(context.Background(), session, Request{
		PlayerID:    1,
		Kind:        KindFull,
		SourceGame:  Target{ServerID: 1, Address: "game:1"},
		TargetGame:  Target{ServerID: 2, Address: "game:2"},
		SourceWorld: Target{ServerID: 1, Address: "world:1"},
		TargetWorld: Target{ServerID: 2, Address: "world:2"},
	})

	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, []string{"SaveGameData", "SaveRegionData", "LoadGameData", "LoadPlayerData"}, order)
	assert.Equal(t, int64(2), session.GameServerID())
	assert.Equal(t, int64(2), session.WorldServerID())
}

func TestCoordinator_GameMigrationSuccess(t *testing.T) {
	c := New(nil, nil, nil)
	session := gamingSession(t)

	result := c.Migrate(context.Background(), session, Request{
		PlayerID:   1,
		Kind:       KindGame,
		SourceGame: Target{ServerID: 1, Address: "game:1"},
		TargetGame: Target{ServerID: 3, Address: "game:3"},
	})

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, int64(3), result.NewGameID)
	assert.Equal(t, gate.Gaming, session.State())
}

func TestCoordinator_ReleasesInFlightSlotAfterCompletion(t *testing.T) {
	c := New(nil, nil, nil)
	session := gamingSession(t)

	c.Migrate(context.Background(), session, Request{PlayerID: 1, Kind: KindWorld})

	assert.True(t, c.tryClaim(1), "in-flight slot should be released once Migrate returns")
	c.release(1)
}
