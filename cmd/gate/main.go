// Command gate runs the client-facing connection terminator (C8): it
// accepts client connections, authenticates them, routes every subsequent
// request to login/game/world/alliance over the RPC client core (C5), and
// drives player migrations (C9) on request.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/stonegate/slgcore/internal/config"
	"github.com/stonegate/slgcore/internal/console"
	"github.com/stonegate/slgcore/internal/launcher"
	"github.com/stonegate/slgcore/internal/mlog"
	"github.com/stonegate/slgcore/internal/mzap"
	"github.com/stonegate/slgcore/internal/store"
	"github.com/stonegate/slgcore/pkg/discovery"
	"github.com/stonegate/slgcore/pkg/gate"
	"github.com/stonegate/slgcore/pkg/migration"
	"github.com/stonegate/slgcore/pkg/rpcclient"
)

const ApplicationName = "gate"

// Config is gate's env-struct (SPEC_FULL §13).
type Config struct {
	EnvName          string `env:"ENV_NAME"`
	LogLevel         string `env:"LOG_LEVEL"`
	ListenAddr       string `env:"GATE_LISTEN_ADDR"`
	RabbitURI        string `env:"RABBITMQ_URI"`
	MigrationAuditEx string `env:"RABBITMQ_MIGRATION_EXCHANGE"`
	MongoURI         string `env:"MONGO_URI"`
	MongoDatabase    string `env:"MONGO_DATABASE"`
	EtcdEndpoints    string `env:"ETCD_ENDPOINTS"`
	RedisURI         string `env:"REDIS_URI"`
}

type gateApp struct {
	gate *gate.Gate
	ctx  context.Context
}

func (a *gateApp) Run(_ *launcher.Launcher) error {
	return a.gate.ListenAndServe(a.ctx)
}

func main() {
	cfg := &Config{}
	if err := config.LoadEnv(cfg); err != nil {
		panic(err)
	}

	logger := mzap.Initialize()
	defer logger.Sync()

	fmt.Println(console.Title(ApplicationName))

	discoveryRegistry := buildDiscovery(cfg, logger)

	client := rpcclient.New(rpcclient.DefaultConfig(), discoveryRegistry, logger)

	rules := []gate.Rule{
		{ProtoIDLow: 1, ProtoIDHigh: 999, Target: gate.TargetLogin, Description: "login/account"},
		{ProtoIDLow: 1000, ProtoIDHigh: 4999, Target: gate.TargetGame, RequireAuth: true, Description: "gameplay"},
		{ProtoIDLow: 5000, ProtoIDHigh: 7999, Target: gate.TargetWorld, RequireAuth: true, Description: "world/region"},
		{ProtoIDLow: 8000, ProtoIDHigh: 8999, Target: gate.TargetAlliance, RequireAuth: true, Description: "alliance"},
		{ProtoIDLow: 9000, ProtoIDHigh: 9999, Target: gate.TargetLocal, Description: "gate-local control (migration, ping)"},
	}
	router := gate.NewRouter(rules, discoveryRegistry)

	publisher := buildAuditPublisher(cfg, logger)
	coordinator := migration.New(client, publisher, logger)

	g := gate.New(gate.DefaultConfig(), router, client, adaptMigrate(coordinator), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := launcher.New(launcher.WithLogger(logger), launcher.RunApp("gate", &gateApp{gate: g, ctx: ctx}))
	l.Run()
}

func buildDiscovery(cfg *Config, logger mlog.Logger) *discovery.Registry {
	etcdConn := &store.EtcdConnection{Endpoints: cfg.EtcdEndpoints, Logger: logger}

	etcdClient, err := etcdConn.GetClient()
	if err != nil {
		logger.Fatalf("gate: connect etcd: %v", err)
	}

	var redisClient *redis.Client

	if cfg.RedisURI != "" {
		redisConn := &store.RedisConnection{ConnectionStringSource: cfg.RedisURI, Logger: logger}

		if c, err := redisConn.GetClient(context.Background()); err == nil {
			redisClient = c
		} else {
			logger.Warnf("gate: redis unavailable, discovery cache disabled: %v", err)
		}
	}

	return discovery.NewRegistry(discovery.NewEtcdStore(etcdClient), redisClient, logger)
}

func buildAuditPublisher(cfg *Config, logger mlog.Logger) migration.AuditPublisher {
	var sinks []migration.AuditPublisher

	if cfg.RabbitURI != "" {
		rabbit := &store.RabbitMQConnection{ConnectionStringSource: cfg.RabbitURI, Logger: logger}

		if ch, err := rabbit.GetChannel(); err == nil {
			exchange := cfg.MigrationAuditEx
			if exchange == "" {
				exchange = "slgcore.migration"
			}

			sinks = append(sinks, &migration.RabbitMQAuditPublisher{Channel: ch, Exchange: exchange, Logger: logger})
		} else {
			logger.Warnf("gate: rabbitmq unavailable, migration audit events disabled: %v", err)
		}
	}

	if cfg.MongoURI != "" {
		mongoConn := &store.MongoConnection{ConnectionStringSource: cfg.MongoURI, Database: cfg.MongoDatabase, Logger: logger}

		if mdb, err := mongoConn.GetDatabase(context.Background()); err == nil {
			sinks = append(sinks, &migration.MongoAuditPublisher{Collection: mdb.Collection("migration_audit"), Logger: logger})
		} else {
			logger.Warnf("gate: mongo unavailable, migration audit archive disabled: %v", err)
		}
	}

	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return &migration.FanOutAuditPublisher{Publishers: sinks}
	}
}

// adaptMigrate turns coordinator.Migrate into a gate.MigrationFunc, parsing
// the wire request's raw params into a migration.Request. Client param
// convention: [targetServerId, targetAddr] for WORLD/GAME, [targetWorldId,
// targetWorldAddr, targetGameId, targetGameAddr] for FULL.
func adaptMigrate(coordinator *migration.Coordinator) gate.MigrationFunc {
	return func(ctx context.Context, session *gate.Session, kind string, params []any) (any, error) {
		req := migration.Request{PlayerID: session.PlayerID(), Kind: migration.Kind(kind)}

		switch migration.Kind(kind) {
		case migration.KindWorld:
			req.SourceWorld = migration.Target{ServerID: session.WorldServerID(), Address: session.WorldAddr()}
			req.TargetWorld = parseTarget(params, 0)
		case migration.KindGame:
			req.SourceGame = migration.Target{ServerID: session.GameServerID(), Address: session.GameAddr()}
			req.TargetGame = parseTarget(params, 0)
		case migration.KindFull:
			req.SourceWorld = migration.Target{ServerID: session.WorldServerID(), Address: session.WorldAddr()}
			req.SourceGame = migration.Target{ServerID: session.GameServerID(), Address: session.GameAddr()}
			req.TargetWorld = parseTarget(params, 0)
			req.TargetGame = parseTarget(params, 2)
		}

		result := coordinator.Migrate(ctx, session, req)

		return result, nil
	}
}

func parseTarget(params []any, offset int) migration.Target {
	var t migration.Target

	if len(params) > offset {
		if n, ok := params[offset].(float64); ok {
			t.ServerID = int64(n)
		} else if n, ok := params[offset].(int64); ok {
			t.ServerID = n
		}
	}

	if len(params) > offset+1 {
		t.Address, _ = params[offset+1].(string)
	}

	return t
}
