package migration

import (
	"context"
	"sync"
	"time"

	"github.com/stonegate/slgcore/internal/mlog"
	"github.com/stonegate/slgcore/internal/obs"
	"github.com/stonegate/slgcore/pkg/gate"
	"github.com/stonegate/slgcore/pkg/rpcclient"
)

// Kind is one of the three migration kinds spec.md §4.9 names.
type Kind string

const (
	KindWorld Kind = "WORLD"
	KindGame  Kind = "GAME"
	KindFull  Kind = "FULL"
)

// deadline is the fixed 30s overall migration deadline (spec.md §4.9).
const deadline = 30 * time.Second

// Outcome is Migrate's result code.
type Outcome string

const (
	OutcomeSuccess      Outcome = "SUCCESS"
	OutcomeRejected     Outcome = "REJECTED" // already migrating, or StartMigration CAS lost
	OutcomeSaveFailed   Outcome = "SAVE_FAILED"
	OutcomeLoadFailed   Outcome = "LOAD_FAILED"
	OutcomeCommitFailed Outcome = "COMMIT_FAILED"
	OutcomeTimeout      Outcome = "TIMEOUT"
)

// Result is Migrate's return value.
type Result struct {
	Outcome    Outcome
	NewWorldID int64
	NewGameID  int64
	Message    string
}

// Target names the backend instance a migration moves a player to.
type Target struct {
	ServerID int64
	Address  string
}

// Request is one migration invocation (spec.md §4.9 "WORLD/GAME/FULL").
type Request struct {
	PlayerID int64
	Kind     Kind

	SourceWorld Target
	TargetWorld Target
	SourceGame  Target
	TargetGame  Target
}

// Coordinator is the migration coordinator (C9).
type Coordinator struct {
	client    *rpcclient.Client
	publisher AuditPublisher
	logger    mlog.Logger

	// callStep is the step-RPC seam: defaults to dispatching through
	// client, overridden in tests to inject step failures without a live
	// RPC server.
	callStep func(ctx context.Context, target Target, iface, method string, playerID int64) error

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// New builds a Coordinator. publisher may be nil to disable audit
// publishing (e.g. in tests).
func New(client *rpcclient.Client, publisher AuditPublisher, logger mlog.Logger) *Coordinator {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	c := &Coordinator{
		client:    client,
		publisher: publisher,
		logger:    logger,
		inflight:  map[int64]struct{}{},
	}
	c.callStep = c.defaultCallStep

	return c
}

// tryClaim rejects a migration if one is already in flight for playerID
// (spec.md §4.9 "registered in a per-player map; concurrent migrations for
// the same player are rejected").
func (c *Coordinator) tryClaim(playerID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[playerID]; busy {
		return false
	}

	c.inflight[playerID] = struct{}{}

	return true
}

func (c *Coordinator) release(playerID int64) {
	c.mu.Lock()
	delete(c.inflight, playerID)
	c.mu.Unlock()
}

// Migrate orchestrates req.Kind for session, never closing session's
// client connection regardless of outcome (spec.md §4.9).
func (c *Coordinator) Migrate(ctx context.Context, session *gate.Session, req Request) Result {
	if !c.tryClaim(req.PlayerID) {
		return Result{Outcome: OutcomeRejected, Message: "migration already in flight for this player"}
	}
	defer c.release(req.PlayerID)

	if !session.StartMigration() {
		return Result{Outcome: OutcomeRejected, Message: "session was not in GAMING state"}
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var result Result

	switch req.Kind {
	case KindWorld:
		result = c.migrateWorld(ctx, session, req)
	case KindGame:
		result = c.migrateGame(ctx, session, req)
	case KindFull:
		result = c.migrateFull(ctx, session, req)
	default:
		session.CancelMigration()
		result = Result{Outcome: OutcomeRejected, Message: "unknown migration kind"}
	}

	if ctx.Err() != nil && result.Outcome != OutcomeSuccess {
		session.CancelMigration()
		result = Result{Outcome: OutcomeTimeout, Message: "migration deadline exceeded"}
	}

	c.publishOutcome(ctx, req, result)
	obs.MigrationOutcome.WithLabelValues(string(req.Kind), string(result.Outcome)).Inc()

	return result
}

func (c *Coordinator) publishOutcome(ctx context.Context, req Request, result Result) {
	if c.publisher == nil {
		return
	}

	status := "rolled_back"
	if result.Outcome == OutcomeSuccess {
		status = "success"
	} else if result.Outcome == OutcomeTimeout {
		status = "timeout"
	}

	event := stampedEvent(AuditEvent{PlayerID: req.PlayerID, Kind: string(req.Kind), Result: status, Reason: result.Message})

	if err := c.publisher.PublishMigrationEvent(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warnf("migration: failed to publish audit event for player %d: %v", req.PlayerID, err)
	}
}

// migrateWorld implements spec.md §4.9's exemplified WORLD steps 1-5 (step
// 1, StartMigration, already ran in Migrate).
func (c *Coordinator) migrateWorld(ctx context.Context, session *gate.Session, req Request) Result {
	if err := c.callStep(ctx, req.SourceWorld, "WorldService", "SaveRegionData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeSaveFailed, Message: err.Error()}
	}

	if err := c.callStep(ctx, req.TargetWorld, "WorldService", "LoadPlayerData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeLoadFailed, Message: err.Error()}
	}

	if !session.CompleteWorldMigration(req.TargetWorld.ServerID, req.TargetWorld.Address) {
		session.CancelMigration()
		return Result{Outcome: OutcomeCommitFailed, Message: "completeWorldMigration CAS failed"}
	}

	c.notifyClient(ctx, req.PlayerID, KindWorld)

	return Result{Outcome: OutcomeSuccess, NewWorldID: req.TargetWorld.ServerID, Message: "world migration complete"}
}

func (c *Coordinator) migrateGame(ctx context.Context, session *gate.Session, req Request) Result {
	if err := c.callStep(ctx, req.SourceGame, "GameService", "SaveGameData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeSaveFailed, Message: err.Error()}
	}

	if err := c.callStep(ctx, req.TargetGame, "GameService", "LoadGameData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeLoadFailed, Message: err.Error()}
	}

	if !session.CompleteGameMigration(req.TargetGame.ServerID, req.TargetGame.Address) {
		session.CancelMigration()
		return Result{Outcome: OutcomeCommitFailed, Message: "completeGameMigration CAS failed"}
	}

	c.notifyClient(ctx, req.PlayerID, KindGame)

	return Result{Outcome: OutcomeSuccess, NewGameID: req.TargetGame.ServerID, Message: "game migration complete"}
}

// migrateFull implements spec.md §4.9's FULL ordering: save-game,
// save-world, load-game, load-world, commit, notify.
func (c *Coordinator) migrateFull(ctx context.Context, session *gate.Session, req Request) Result {
	if err := c.callStep(ctx, req.SourceGame, "GameService", "SaveGameData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeSaveFailed, Message: err.Error()}
	}

	if err := c.callStep(ctx, req.SourceWorld, "WorldService", "SaveRegionData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeSaveFailed, Message: err.Error()}
	}

	if err := c.callStep(ctx, req.TargetGame, "GameService", "LoadGameData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeLoadFailed, Message: err.Error()}
	}

	if err := c.callStep(ctx, req.TargetWorld, "WorldService", "LoadPlayerData", req.PlayerID); err != nil {
		session.CancelMigration()
		return Result{Outcome: OutcomeLoadFailed, Message: err.Error()}
	}

	if !session.CompleteFullMigration(req.TargetWorld.ServerID, req.TargetWorld.Address, req.TargetGame.ServerID, req.TargetGame.Address) {
		session.CancelMigration()
		return Result{Outcome: OutcomeCommitFailed, Message: "completeFullMigration CAS failed"}
	}

	c.notifyClient(ctx, req.PlayerID, KindFull)

	return Result{Outcome: OutcomeSuccess, NewWorldID: req.TargetWorld.ServerID, NewGameID: req.TargetGame.ServerID, Message: "full migration complete"}
}

// defaultCallStep dispatches one migration-step RPC through the RPC
// client, which resolves target.ServerID via discovery like any other call;
// target.Address is not used here.
func (c *Coordinator) defaultCallStep(ctx context.Context, target Target, iface, method string, playerID int64) error {
	if c.client == nil {
		return nil // no RPC client wired: treat every step as a no-op success
	}

	_, err := c.client.Call(ctx, iface, target.ServerID, method, []string{"long"}, []any{playerID}, "")

	return err
}

// notifyClient tells the client a migration completed (spec.md §4.9 step
// 5/6 "notify"). The coordinator never closes the client's connection.
func (c *Coordinator) notifyClient(ctx context.Context, playerID int64, kind Kind) {
	if c.client == nil {
		return
	}

	_ = c.client.CallOneWay(ctx, "GateService", 0, "NotifyMigrationComplete", []string{"long", "string"}, []any{playerID, string(kind)}, "")
}
