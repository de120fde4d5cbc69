// Package gate is the gate session & router (C8): a CAS-driven connection
// state machine and an ordered routing table that decide which backend a
// given protocol id should reach for a given session (spec.md §4.8).
package gate

import (
	"sync/atomic"
)

// State is one of the five enumerated session states (spec.md §4.8, §8
// "no transition sequence yields a non-enumerated state").
type State int32

const (
	Connected State = iota
	Authenticated
	Gaming
	Migrating
	Offline
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Authenticated:
		return "AUTHENTICATED"
	case Gaming:
		return "GAMING"
	case Migrating:
		return "MIGRATING"
	case Offline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Session is one gate-terminated client connection. Every state transition
// is a single CAS on state; the routing fields (worldAddr/gameAddr/ids) are
// written only by the holder of a successful CAS, so readers never observe
// a torn state+address pair for longer than one transition.
type Session struct {
	playerID int64

	state atomic.Int32

	worldServerID atomic.Int64
	worldAddr     atomic.Value // string
	gameServerID  atomic.Int64
	gameAddr      atomic.Value // string
}

// NewSession returns a freshly CONNECTED session for playerId (0 until
// authenticated).
func NewSession() *Session {
	s := &Session{}
	s.state.Store(int32(Connected))
	s.worldAddr.Store("")
	s.gameAddr.Store("")

	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) PlayerID() int64 { return atomic.LoadInt64(&s.playerID) }

// Authenticate transitions CONNECTED -> AUTHENTICATED and records playerID.
// Returns false if the session was not in CONNECTED.
func (s *Session) Authenticate(playerID int64) bool {
	if !s.state.CompareAndSwap(int32(Connected), int32(Authenticated)) {
		return false
	}

	atomic.StoreInt64(&s.playerID, playerID)

	return true
}

// EnterGame transitions AUTHENTICATED -> GAMING, recording the assigned
// world/game backends.
func (s *Session) EnterGame(worldServerID int64, worldAddr string, gameServerID int64, gameAddr string) bool {
	if !s.state.CompareAndSwap(int32(Authenticated), int32(Gaming)) {
		return false
	}

	s.worldServerID.Store(worldServerID)
	s.worldAddr.Store(worldAddr)
	s.gameServerID.Store(gameServerID)
	s.gameAddr.Store(gameAddr)

	return true
}

// StartMigration transitions GAMING -> MIGRATING (spec.md §4.9 step 1).
func (s *Session) StartMigration() bool {
	return s.state.CompareAndSwap(int32(Gaming), int32(Migrating))
}

// CancelMigration rolls a failed migration back to GAMING (spec.md §4.9
// "rollback: session.cancelMigration()").
func (s *Session) CancelMigration() bool {
	return s.state.CompareAndSwap(int32(Migrating), int32(Gaming))
}

// CompleteWorldMigration atomically updates the world routing fields and
// flips MIGRATING -> GAMING (spec.md §4.9 step 4).
func (s *Session) CompleteWorldMigration(newWorldServerID int64, newWorldAddr string) bool {
	if !s.state.CompareAndSwap(int32(Migrating), int32(Gaming)) {
		return false
	}

	s.worldServerID.Store(newWorldServerID)
	s.worldAddr.Store(newWorldAddr)

	return true
}

// CompleteGameMigration is CompleteWorldMigration's game-plane analogue.
func (s *Session) CompleteGameMigration(newGameServerID int64, newGameAddr string) bool {
	if !s.state.CompareAndSwap(int32(Migrating), int32(Gaming)) {
		return false
	}

	s.gameServerID.Store(newGameServerID)
	s.gameAddr.Store(newGameAddr)

	return true
}

// CompleteFullMigration updates both planes at once (spec.md §4.9 "FULL").
func (s *Session) CompleteFullMigration(newWorldServerID int64, newWorldAddr string, newGameServerID int64, newGameAddr string) bool {
	if !s.state.CompareAndSwap(int32(Migrating), int32(Gaming)) {
		return false
	}

	s.worldServerID.Store(newWorldServerID)
	s.worldAddr.Store(newWorldAddr)
	s.gameServerID.Store(newGameServerID)
	s.gameAddr.Store(newGameAddr)

	return true
}

// Disconnect transitions GAMING or MIGRATING to OFFLINE.
func (s *Session) Disconnect() bool {
	for {
		cur := State(s.state.Load())
		if cur != Gaming && cur != Migrating {
			return false
		}

		if s.state.CompareAndSwap(int32(cur), int32(Offline)) {
			return true
		}
	}
}

// CanRouteToGame reports whether the session is GAMING with a known game
// address (spec.md §4.8).
func (s *Session) CanRouteToGame() bool {
	return s.State() == Gaming && s.GameAddr() != ""
}

// CanRouteToWorld is CanRouteToGame's world-plane analogue.
func (s *Session) CanRouteToWorld() bool {
	return s.State() == Gaming && s.WorldAddr() != ""
}

// IsMigrating reports state==MIGRATING.
func (s *Session) IsMigrating() bool { return s.State() == Migrating }

func (s *Session) WorldServerID() int64 { return s.worldServerID.Load() }
func (s *Session) WorldAddr() string    { return s.worldAddr.Load().(string) }
func (s *Session) GameServerID() int64  { return s.gameServerID.Load() }
func (s *Session) GameAddr() string     { return s.gameAddr.Load().(string) }
