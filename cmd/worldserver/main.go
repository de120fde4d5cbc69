// Command worldserver runs one WorldService RPC listener: it accepts
// SaveRegionData/LoadPlayerData calls from the migration coordinator (C9)
// and from the gate's world-plane traffic, persisting region state through
// the async writeback manager (C3) instead of blocking the RPC dispatch
// goroutine on a synchronous database write.
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
	"github.com/stonegate/slgcore/internal/obs"
	"github.com/stonegate/slgcore/internal/store"
	"github.com/stonegate/slgcore/pkg/discovery"
	"github.com/stonegate/slgcore/pkg/entity"
	"github.com/stonegate/slgcore/pkg/rpcserver"
	"github.com/stonegate/slgcore/pkg/sqlexec"
	"github.com/stonegate/slgcore/pkg/writeback"
)

const ApplicationName = "worldserver"

// Config is worldserver's env-struct (SPEC_FULL §13).
type Config struct {
	EnvName        string `env:"ENV_NAME"`
	LogLevel       string `env:"LOG_LEVEL"`
	ListenAddr     string `env:"WORLDSERVER_LISTEN_ADDR"`
	AdvertiseAddr  string `env:"WORLDSERVER_ADVERTISE_ADDR"`
	ServerID       int64  `env:"WORLDSERVER_SERVER_ID"`
	DBHost         string `env:"DB_HOST"`
	DBUser         string `env:"DB_USER"`
	DBPassword     string `env:"DB_PASSWORD"`
	DBName         string `env:"DB_NAME"`
	DBPort         string `env:"DB_PORT"`
	ReplicaDBHost  string `env:"DB_REPLICA_HOST"`
	MigrationsPath string `env:"DB_MIGRATIONS_PATH"`
	RabbitURI      string `env:"RABBITMQ_URI"`
	MongoURI       string `env:"MONGO_URI"`
	MongoDatabase  string `env:"MONGO_DATABASE"`
	EtcdEndpoints  string `env:"ETCD_ENDPOINTS"`
	RedisURI       string `env:"REDIS_URI"`
}

// regionSave is the demo row WorldService persists (SPEC_FULL §14: the
// fixed DDL this binary exercises is not a schema-migration feature of the
// toolkit, just the table its own handlers write to).
type regionSave struct {
	*entity.Base
	PlayerID        int64  `db:"player_id" pk:"true"`
	WorldServerID   int64  `db:"world_server_id" pk:"true"`
	Payload         string `db:"payload"`
	BusinessVersion int64  `db:"business_version"`
}

func (r *regionSave) Class() string { return "region_saves" }
func (r *regionSave) Key() string   { return fmt.Sprintf("%d:%d", r.PlayerID, r.WorldServerID) }

type worldApp struct {
	server *rpcserver.Server
	ctx    context.Context
}

func (a *worldApp) Run(_ *launcher.Launcher) error {
	return a.server.ListenAndServe(a.ctx)
}

func main() {
	cfg := &Config{}
	if err := config.LoadEnv(cfg); err != nil {
		panic(err)
	}

	logger := mzap.Initialize()
	defer logger.Sync()

	fmt.Println(console.Title(ApplicationName))

	pg := &store.PostgresConnection{
		ConnectionStringPrimary: fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort),
		ConnectionStringReplica: fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.ReplicaDBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort),
		DatabaseName:   cfg.DBName,
		MigrationsPath: cfg.MigrationsPath,
		Logger:         logger,
	}

	db, err := pg.GetDB(context.Background())
	if err != nil {
		logger.Fatalf("worldserver: connect postgres: %v", err)
	}

	if err := pg.RunMigrations(); err != nil {
		logger.Warnf("worldserver: run migrations: %v", err)
	}

	rabbit := &store.RabbitMQConnection{ConnectionStringSource: cfg.RabbitURI, Logger: logger}

	var sinks []writeback.DeadLetterPublisher

	if ch, err := rabbit.GetChannel(); err == nil {
		sinks = append(sinks, &writeback.AMQPDeadLetterPublisher{Channel: ch, Exchange: "slgcore.deadletter"})
	} else {
		logger.Warnf("worldserver: rabbitmq unavailable, dead-lettering disabled: %v", err)
	}

	if cfg.MongoURI != "" {
		mongoConn := &store.MongoConnection{ConnectionStringSource: cfg.MongoURI, Database: cfg.MongoDatabase, Logger: logger}

		if mdb, err := mongoConn.GetDatabase(context.Background()); err == nil {
			sinks = append(sinks, &writeback.MongoDeadLetterPublisher{Collection: mdb.Collection("deadletters")})
		} else {
			logger.Warnf("worldserver: mongo unavailable, dead-letter archive disabled: %v", err)
		}
	}

	var dlq writeback.DeadLetterPublisher
	if len(sinks) == 1 {
		dlq = sinks[0]
	} else if len(sinks) > 1 {
		dlq = &writeback.FanOutDeadLetterPublisher{Publishers: sinks}
	}

	executor := sqlexec.NewExecutor(db)
	wb := writeback.New(writeback.DefaultConfig(), executor, dlq, logger)
	wb.Start()

	discoveryRegistry := buildDiscovery(cfg, logger)

	regionDescriptor := entity.Describe[regionSave]()

	rpcCfg := rpcserver.DefaultConfig()
	rpcCfg.ListenAddr = cfg.ListenAddr
	rpcCfg.AdvertiseAddr = cfg.AdvertiseAddr
	rpcCfg.ServiceKey = discovery.ServiceKey("WorldService", cfg.ServerID)

	server := rpcserver.New(rpcCfg, discoveryRegistry, logger)

	server.RegisterHandler(rpcCfg.ServiceKey, "SaveRegionData", func(_ context.Context, params []any) (any, error) {
		playerID, _ := params[0].(int64)

		row := &regionSave{Base: entity.NewBase(), PlayerID: playerID, WorldServerID: cfg.ServerID, Payload: "{}"}
		wb.SubmitInsert(regionDescriptor, row)

		return true, nil
	})

	server.RegisterHandler(rpcCfg.ServiceKey, "LoadPlayerData", func(_ context.Context, params []any) (any, error) {
		playerID, _ := params[0].(int64)

		if dirty := wb.GetDirty("region_saves", fmt.Sprintf("%d:%d", playerID, cfg.ServerID)); dirty != nil {
			return dirty, nil
		}

		return map[string]any{"playerId": playerID}, nil
	})

	obs.RPCServerLatency.WithLabelValues(rpcCfg.ServiceKey, "startup").Observe(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := launcher.New(launcher.WithLogger(logger), launcher.RunApp("rpcserver", &worldApp{server: server, ctx: ctx}))
	l.Run()
	wb.Shutdown(context.Background())
}

// buildDiscovery wires the discovery registry against etcd (hierarchical
// KV store) with redis as the secondary cache, per SPEC_FULL §11.
func buildDiscovery(cfg *Config, logger mlog.Logger) *discovery.Registry {
	etcdConn := &store.EtcdConnection{Endpoints: cfg.EtcdEndpoints, Logger: logger}

	etcdClient, err := etcdConn.GetClient()
	if err != nil {
		logger.Fatalf("worldserver: connect etcd: %v", err)
	}

	var redisClient *redis.Client

	if cfg.RedisURI != "" {
		redisConn := &store.RedisConnection{ConnectionStringSource: cfg.RedisURI, Logger: logger}

		if c, err := redisConn.GetClient(context.Background()); err == nil {
			redisClient = c
		} else {
			logger.Warnf("worldserver: redis unavailable, discovery cache disabled: %v", err)
		}
	}

	return discovery.NewRegistry(discovery.NewEtcdStore(etcdClient), redisClient, logger)
}
